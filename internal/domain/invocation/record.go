package invocation

import (
	"fmt"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

// Fields is the flat column form of a State, used by storage adapters.
// Zero times and nil pointers map to NULL.
type Fields struct {
	Status       Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	DurationMs   *int64
	ErrorMessage *string
	Usage        *llm.TokenUsage
	Response     *Snapshot
}

func Flatten(s State) Fields {
	switch v := s.(type) {
	case nil, Pending:
		return Fields{Status: StatusPending}
	case Running:
		return Fields{Status: StatusRunning, StartedAt: timePtr(v.StartedAt)}
	case Completed:
		u := v.Usage
		return Fields{
			Status:      StatusCompleted,
			StartedAt:   timePtr(v.StartedAt),
			CompletedAt: timePtr(v.CompletedAt),
			DurationMs:  &v.DurationMs,
			Usage:       &u,
			Response:    v.Response,
		}
	case Failed:
		msg := v.Message
		return Fields{
			Status:       StatusFailed,
			StartedAt:    timePtr(v.StartedAt),
			FailedAt:     timePtr(v.FailedAt),
			DurationMs:   &v.DurationMs,
			ErrorMessage: &msg,
		}
	default:
		panic(fmt.Sprintf("invocation: unknown state %T", s))
	}
}

// Restore rebuilds a State from stored columns.
func Restore(f Fields) (State, error) {
	switch f.Status {
	case StatusPending:
		return Pending{}, nil
	case StatusRunning:
		return Running{StartedAt: deref(f.StartedAt)}, nil
	case StatusCompleted:
		if f.Usage == nil {
			return nil, fmt.Errorf("completed invocation without usage")
		}
		return Completed{
			StartedAt:   deref(f.StartedAt),
			CompletedAt: deref(f.CompletedAt),
			DurationMs:  derefInt(f.DurationMs),
			Usage:       *f.Usage,
			Response:    f.Response,
		}, nil
	case StatusFailed:
		msg := ""
		if f.ErrorMessage != nil {
			msg = *f.ErrorMessage
		}
		return Failed{
			StartedAt:  deref(f.StartedAt),
			FailedAt:   deref(f.FailedAt),
			DurationMs: derefInt(f.DurationMs),
			Message:    msg,
		}, nil
	default:
		return nil, fmt.Errorf("unknown invocation status %q", f.Status)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
