package invocation

import (
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// State is the lifecycle position of an invocation. The set of variants is
// closed: Pending, Running, Completed and Failed.
type State interface {
	Status() Status
	isState()
}

// Active is implemented by the non-terminal states. Completed and Failed do
// not implement it, so finishing a terminal invocation does not compile.
type Active interface {
	State
	Complete(at time.Time, usage llm.TokenUsage, durationMs int64, snapshot *Snapshot) Completed
	Fail(at time.Time, message string) Failed
}

// Snapshot is the persisted copy of a generated response.
type Snapshot struct {
	Content string
}

type Pending struct{}

type Running struct {
	StartedAt time.Time
}

type Completed struct {
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Usage       llm.TokenUsage
	Response    *Snapshot
}

type Failed struct {
	StartedAt  time.Time
	FailedAt   time.Time
	DurationMs int64
	Message    string
}

func (Pending) Status() Status   { return StatusPending }
func (Running) Status() Status   { return StatusRunning }
func (Completed) Status() Status { return StatusCompleted }
func (Failed) Status() Status    { return StatusFailed }

func (Pending) isState()   {}
func (Running) isState()   {}
func (Completed) isState() {}
func (Failed) isState()    {}

func (Pending) Start(at time.Time) Running {
	return Running{StartedAt: at}
}

func (Pending) Complete(at time.Time, usage llm.TokenUsage, durationMs int64, snapshot *Snapshot) Completed {
	return Completed{StartedAt: at, CompletedAt: at, DurationMs: durationMs, Usage: usage, Response: snapshot}
}

func (Pending) Fail(at time.Time, message string) Failed {
	return Failed{StartedAt: at, FailedAt: at, Message: message}
}

func (r Running) Complete(at time.Time, usage llm.TokenUsage, durationMs int64, snapshot *Snapshot) Completed {
	return Completed{StartedAt: r.StartedAt, CompletedAt: at, DurationMs: durationMs, Usage: usage, Response: snapshot}
}

// Fail records the time spent since the invocation started running.
func (r Running) Fail(at time.Time, message string) Failed {
	return Failed{
		StartedAt:  r.StartedAt,
		FailedAt:   at,
		DurationMs: at.Sub(r.StartedAt).Milliseconds(),
		Message:    message,
	}
}

var (
	_ Active = Pending{}
	_ Active = Running{}
)
