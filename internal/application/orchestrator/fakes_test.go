package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

type fakePolicies struct {
	policies  map[string]policy.TaskPolicy
	configs   []policy.ProviderConfig
	templates map[string]policy.Template
}

func newFakePolicies() *fakePolicies {
	return &fakePolicies{
		policies:  map[string]policy.TaskPolicy{},
		templates: map[string]policy.Template{},
	}
}

func (f *fakePolicies) TaskPolicy(_ context.Context, tenantID, taskType string) (policy.TaskPolicy, error) {
	p, ok := f.policies[tenantID+"/"+taskType]
	if !ok {
		return policy.TaskPolicy{}, policy.ErrNotFound
	}
	return p, nil
}

func (f *fakePolicies) ActiveProviderConfig(_ context.Context, tenantID string) (policy.ProviderConfig, error) {
	for _, c := range f.configs {
		if c.TenantID == tenantID && c.Active() {
			return c, nil
		}
	}
	return policy.ProviderConfig{}, policy.ErrNotFound
}

func (f *fakePolicies) ProviderConfig(_ context.Context, tenantID, id string) (policy.ProviderConfig, error) {
	for _, c := range f.configs {
		if c.TenantID == tenantID && c.ID == id {
			return c, nil
		}
	}
	return policy.ProviderConfig{}, policy.ErrNotFound
}

func (f *fakePolicies) Template(_ context.Context, tenantID, id string) (policy.Template, error) {
	t, ok := f.templates[id]
	if !ok || t.TenantID != tenantID {
		return policy.Template{}, policy.ErrNotFound
	}
	return t, nil
}

type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]invocation.Invocation
	// breakOnce fails the next transition into the keyed status.
	breakOnce map[invocation.Status]error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]invocation.Invocation{}, breakOnce: map[invocation.Status]error{}}
}

func (r *fakeRepo) Create(_ context.Context, inv invocation.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[inv.ID] = inv
	return nil
}

func (r *fakeRepo) Get(_ context.Context, tenantID, id string) (invocation.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[id]
	if !ok || inv.TenantID != tenantID {
		return invocation.Invocation{}, invocation.ErrNotFound
	}
	return inv, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (invocation.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[id]
	if !ok {
		return invocation.Invocation{}, invocation.ErrNotFound
	}
	return inv, nil
}

func (r *fakeRepo) Transition(_ context.Context, id string, from []invocation.Status, next invocation.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.breakOnce[next.Status()]; ok {
		delete(r.breakOnce, next.Status())
		return err
	}
	inv, ok := r.rows[id]
	if !ok {
		return invocation.ErrNotFound
	}
	for _, s := range from {
		if inv.Status() == s {
			inv.State = next
			r.rows[id] = inv
			return nil
		}
	}
	return invocation.ErrStale
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *fakeRepo) only() invocation.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.rows {
		return inv
	}
	return invocation.Invocation{}
}

type fakeGateway struct {
	mu sync.Mutex

	resp llm.GenerateResponse
	err  error

	chunks    []llm.StreamChunk
	streamErr error
	// blockAfterChunks makes GenerateStream wait for cancellation once all
	// chunks were delivered.
	blockAfterChunks bool

	calls   int
	lastReq llm.GenerateRequest
}

func (g *fakeGateway) Generate(_ context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastReq = req
	return g.resp, g.err
}

func (g *fakeGateway) GenerateStream(ctx context.Context, req llm.GenerateRequest, onChunk llm.ChunkHandler) (string, error) {
	g.mu.Lock()
	g.calls++
	g.lastReq = req
	g.mu.Unlock()

	full := ""
	for _, c := range g.chunks {
		if err := onChunk(c); err != nil {
			return full, err
		}
		full += c.Token
	}
	if g.blockAfterChunks {
		<-ctx.Done()
		return full, ctx.Err()
	}
	if g.streamErr != nil {
		return full, g.streamErr
	}
	return full, nil
}

func (g *fakeGateway) Health(context.Context) (llm.HealthResult, error) {
	return llm.HealthResult{Status: "ok"}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// Claim hands out queued jobs and then blocks until ctx is done.
func (q *fakeQueue) Claim(ctx context.Context) (Job, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return Job{}, ctx.Err()
}

type ackRecorder struct {
	*fakeQueue
	mu      sync.Mutex
	acked   []string
	extends int
	done    chan struct{}
}

func (a *ackRecorder) Ack(_ context.Context, job Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, job.InvocationID)
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	return nil
}

func (a *ackRecorder) Extend(context.Context, Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extends++
	return nil
}

func (a *ackRecorder) RequeueExpired(context.Context) (int, error) { return 0, nil }

func (a *ackRecorder) extendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extends
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []invocation.Invocation
}

func (n *recordingNotifier) Notify(_ context.Context, inv invocation.Invocation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, inv)
}

func (n *recordingNotifier) statuses() []invocation.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]invocation.Status, 0, len(n.seen))
	for _, inv := range n.seen {
		out = append(out, inv.Status())
	}
	return out
}

var errBoom = errors.New("boom")
