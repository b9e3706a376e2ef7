package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/domain"
	"github.com/sceneforge/sceneforge/internal/quota"
	"github.com/sceneforge/sceneforge/internal/scheduler"
	"github.com/sceneforge/sceneforge/internal/stream"
	"github.com/sceneforge/sceneforge/internal/upstream"
)

type checkReply struct {
	results []domain.OperationResult
	err     error
}

// fakeUpstream serves a scripted sequence of status replies. The last reply
// repeats once the script runs out.
type fakeUpstream struct {
	mu         sync.Mutex
	handles    []string
	submitErr  error
	submitted  [][]domain.SubRequest
	script     []checkReply
	checkCalls int
}

func (f *fakeUpstream) Submit(_ context.Context, reqs []domain.SubRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, reqs)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.handles, nil
}

func (f *fakeUpstream) CheckStatus(_ context.Context, _ []string) ([]domain.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.checkCalls
	f.checkCalls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	reply := f.script[i]
	return append([]domain.OperationResult(nil), reply.results...), reply.err
}

func (f *fakeUpstream) lastSubmitted() []domain.SubRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[len(f.submitted)-1]
}

func fastConfig() scheduler.Config {
	return scheduler.Config{
		InitialDelay:      time.Millisecond,
		PollInterval:      time.Millisecond,
		MaxAttempts:       100,
		BackoffInitial:    time.Millisecond,
		BackoffMultiplier: 1.5,
		BackoffMax:        5 * time.Millisecond,
	}
}

type testRig struct {
	orch   *Orchestrator
	ledger *quota.Ledger
	events *stream.Broadcaster
	up     *fakeUpstream
}

func newRig(t *testing.T, up *fakeUpstream, opts func(*Options)) *testRig {
	t.Helper()
	store := quota.NewMemoryStore(domain.Allocation{Single: 60, Batch: 30, Frame: 10})
	ledger := quota.NewLedger(store, 100)
	events := stream.NewBroadcaster(zerolog.Nop())
	o := Options{
		Ledger:    ledger,
		Upstream:  up,
		Events:    events,
		Scheduler: fastConfig(),
		Logger:    zerolog.Nop(),
	}
	if opts != nil {
		opts(&o)
	}
	if o.Ledger != ledger {
		ledger = o.Ledger
	}
	orch, err := New(o)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(orch.Close)
	return &testRig{orch: orch, ledger: ledger, events: events, up: up}
}

// waitTerminal subscribes to the job stream and drains it. The terminal
// event closes the channel, so returning means the job finished.
func (r *testRig) waitTerminal(t *testing.T, jobID string) {
	t.Helper()
	ch, cancel, err := r.events.Subscribe(jobID)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer cancel()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func pickEvents(events []domain.Event, typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func singleRequest(model string) []domain.SubRequest {
	payload, _ := json.Marshal(map[string]string{"model": model, "prompt": "a quiet harbour at dawn"})
	return []domain.SubRequest{{
		URL:     "https://clip.example.com/v1/media:generate",
		Method:  "POST",
		Payload: payload,
	}}
}

func TestJobCompletes(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{Handle: "op-1", Status: domain.OperationPending}}},
			{results: []domain.OperationResult{{Handle: "op-1", Status: domain.OperationActive}}},
			{results: []domain.OperationResult{{
				Handle: "op-1", Status: domain.OperationSuccess,
				ArtifactURL: "https://cdn.example.com/a.mp4", GenerationID: "gen-1",
			}}},
		},
	}
	rig := newRig(t, up, nil)

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, err := rig.orch.Status(jobID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if job.State != domain.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.Results[0].ArtifactURL != "https://cdn.example.com/a.mp4" {
		t.Fatalf("artifact url = %q", job.Results[0].ArtifactURL)
	}

	log := rig.events.Events(jobID)
	types := eventTypes(log)
	if types[0] != domain.EventQueued || types[1] != domain.EventStarted || types[2] != domain.EventInitial {
		t.Fatalf("event prefix = %v, want queued, started, initial", types[:3])
	}
	if types[len(types)-1] != domain.EventCompleted {
		t.Fatalf("last event = %s, want completed", types[len(types)-1])
	}
	if len(pickEvents(log, domain.EventPolled)) == 0 {
		t.Fatal("expected at least one polled event")
	}

	usage, err := rig.ledger.Usage(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if usage[domain.JobModeSingle] != 1 {
		t.Fatalf("committed single usage = %d, want 1", usage[domain.JobModeSingle])
	}
}

func TestRateLimitedRoundsBackOffThenRecover(t *testing.T) {
	rl := &upstream.RateLimitedError{}
	done := []domain.OperationResult{{
		Handle: "op-1", Status: domain.OperationSuccess, ArtifactURL: "https://cdn.example.com/a.mp4",
	}}
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{Handle: "op-1", Status: domain.OperationActive}}},
			{err: rl},
			{err: rl},
			{err: rl},
			{results: done},
		},
	}
	rig := newRig(t, up, nil)

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	log := rig.events.Events(jobID)
	backoffs := pickEvents(log, domain.EventBackoff)
	if len(backoffs) != 3 {
		t.Fatalf("backoff events = %d, want 3", len(backoffs))
	}
	var prev time.Duration
	for i, ev := range backoffs {
		if ev.Backoff.Delay < prev {
			t.Fatalf("backoff %d delay %v shrank below %v", i, ev.Backoff.Delay, prev)
		}
		prev = ev.Backoff.Delay
	}

	// Throttled rounds are free: the one counted attempt is the round that
	// observed completion.
	polled := pickEvents(log, domain.EventPolled)
	if len(polled) != 1 {
		t.Fatalf("polled events = %d, want 1", len(polled))
	}
	if polled[0].Polled.Attempt != 1 {
		t.Fatalf("polled attempt = %d, want 1", polled[0].Polled.Attempt)
	}
	if log[len(log)-1].Type != domain.EventCompleted {
		t.Fatalf("last event = %s, want completed", log[len(log)-1].Type)
	}
}

func TestCancelMidPolling(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{Handle: "op-1", Status: domain.OperationActive}}},
		},
	}
	rig := newRig(t, up, nil)

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	ch, cancelSub, err := rig.events.Subscribe(jobID)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer cancelSub()

	// Let at least one poll round land before cancelling.
	deadline := time.After(5 * time.Second)
	for polled := false; !polled; {
		select {
		case ev := <-ch:
			polled = ev.Type == domain.EventPolled
		case <-deadline:
			t.Fatal("timed out waiting for a polled event")
		}
	}
	if err := rig.orch.Cancel(jobID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateCancelled {
		t.Fatalf("job state = %s, want cancelled", job.State)
	}
	log := rig.events.Events(jobID)
	if log[len(log)-1].Type != domain.EventCancelled {
		t.Fatalf("last event = %s, want cancelled", log[len(log)-1].Type)
	}

	// The released hold must not count against the bucket.
	usage, _ := rig.ledger.Usage(context.Background(), "u-1")
	if usage[domain.JobModeSingle] != 0 {
		t.Fatalf("committed usage after cancel = %d, want 0", usage[domain.JobModeSingle])
	}
	if err := rig.orch.Cancel(jobID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("Cancel on terminal job = %v, want ErrAlreadyTerminal", err)
	}
}

func TestQuotaExhaustedFallsBackToRelaxed(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{
				Handle: "op-1", Status: domain.OperationSuccess, ArtifactURL: "https://cdn.example.com/a.mp4",
			}}},
		},
	}
	exhausted := quota.NewLedger(quota.NewMemoryStore(domain.Allocation{}), 0)
	rig := newRig(t, up, func(o *Options) { o.Ledger = exhausted })

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.Model != "clip-relaxed" {
		t.Fatalf("job model = %q, want clip-relaxed after fallback", job.Model)
	}

	// The payload the provider saw must name the relaxed variant.
	sent := rig.up.lastSubmitted()
	var payload map[string]string
	if err := json.Unmarshal(sent[0].Payload, &payload); err != nil {
		t.Fatalf("submitted payload is not an object: %v", err)
	}
	if payload["model"] != "clip-relaxed" {
		t.Fatalf("submitted model = %q, want clip-relaxed", payload["model"])
	}
	if payload["prompt"] != "a quiet harbour at dawn" {
		t.Fatalf("prompt was rewritten: %q", payload["prompt"])
	}
}

func TestQuotaExhaustedWithoutFallbackFails(t *testing.T) {
	up := &fakeUpstream{handles: []string{"op-1"}, script: []checkReply{{}}}
	exhausted := quota.NewLedger(quota.NewMemoryStore(domain.Allocation{}), 0)
	rig := newRig(t, up, func(o *Options) {
		o.Ledger = exhausted
		o.Models = domain.NewModelCatalog([]domain.ModelVariant{
			{Key: "clip-strict", Metered: true},
		})
	})

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-strict", Requests: singleRequest("clip-strict"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateFailed || job.FailReason != domain.FailReasonQuotaExceeded {
		t.Fatalf("state = %s reason = %s, want failed/quota_exceeded", job.State, job.FailReason)
	}
	if len(rig.up.submitted) != 0 {
		t.Fatal("upstream was called for a job that never held quota")
	}
}

func TestSubmitCredentialExpired(t *testing.T) {
	up := &fakeUpstream{submitErr: domain.ErrCredentialExpired, script: []checkReply{{}}}
	rig := newRig(t, up, nil)

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateFailed || job.FailReason != domain.FailReasonCredentialExpired {
		t.Fatalf("state = %s reason = %s, want failed/credential_expired", job.State, job.FailReason)
	}
	usage, _ := rig.ledger.Usage(context.Background(), "u-1")
	if usage[domain.JobModeSingle] != 0 {
		t.Fatalf("committed usage after submit failure = %d, want 0", usage[domain.JobModeSingle])
	}
}

func TestAllOperationsFailedNoCommit(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{
				Handle: "op-1", Status: domain.OperationError, ErrorMessage: "content policy",
			}}},
		},
	}
	rig := newRig(t, up, nil)

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateFailed {
		t.Fatalf("job state = %s, want failed", job.State)
	}
	usage, _ := rig.ledger.Usage(context.Background(), "u-1")
	if usage[domain.JobModeSingle] != 0 {
		t.Fatalf("committed usage with zero artifacts = %d, want 0", usage[domain.JobModeSingle])
	}
}

func TestAttemptCeilingFailsWithTimeout(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{Handle: "op-1", Status: domain.OperationActive}}},
		},
	}
	rig := newRig(t, up, func(o *Options) {
		cfg := fastConfig()
		cfg.MaxAttempts = 3
		o.Scheduler = cfg
	})

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateFailed || job.FailReason != domain.FailReasonTimeout {
		t.Fatalf("state = %s reason = %s, want failed/timeout", job.State, job.FailReason)
	}
}

func TestBatchPartialResultsAreSticky(t *testing.T) {
	artifact2 := domain.OperationResult{
		Handle: "op-2", Status: domain.OperationSuccess,
		ArtifactURL: "https://cdn.example.com/b.mp4", GenerationID: "gen-2",
	}
	up := &fakeUpstream{
		handles: []string{"op-1", "op-2"},
		script: []checkReply{
			{results: []domain.OperationResult{
				{Handle: "op-1", Status: domain.OperationActive},
				artifact2,
			}},
			// Later snapshot omits the artifact fields for op-2; the merge
			// must keep what was already observed.
			{results: []domain.OperationResult{
				{Handle: "op-1", Status: domain.OperationSuccess, ArtifactURL: "https://cdn.example.com/a.mp4"},
				{Handle: "op-2", Status: domain.OperationSuccess},
			}},
		},
	}
	rig := newRig(t, up, nil)

	payload1, _ := json.Marshal(map[string]string{"model": "clip-fast", "prompt": "scene one"})
	payload2, _ := json.Marshal(map[string]string{"model": "clip-fast", "prompt": "scene two"})
	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "u-1", Mode: domain.JobModeBatch, Model: "clip-fast",
		Requests: []domain.SubRequest{
			{URL: "https://clip.example.com/v1/media:generate", Method: "POST", Payload: payload1},
			{URL: "https://clip.example.com/v1/media:generate", Method: "POST", Payload: payload2},
		},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	var got domain.OperationResult
	for _, r := range job.Results {
		if r.Handle == "op-2" {
			got = r
		}
	}
	if got.ArtifactURL != artifact2.ArtifactURL || got.GenerationID != artifact2.GenerationID {
		t.Fatalf("op-2 result lost early fields: %+v", got)
	}

	usage, _ := rig.ledger.Usage(context.Background(), "u-1")
	if usage[domain.JobModeBatch] != 2 {
		t.Fatalf("committed batch usage = %d, want 2", usage[domain.JobModeBatch])
	}
}

func TestCreateValidation(t *testing.T) {
	up := &fakeUpstream{handles: []string{"op-1"}, script: []checkReply{{}}}
	rig := newRig(t, up, nil)

	two := append(singleRequest("clip-fast"), singleRequest("clip-fast")...)
	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing user", CreateParams{Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast")}},
		{"bad mode", CreateParams{UserID: "u-1", Mode: "bulk", Model: "clip-fast", Requests: singleRequest("clip-fast")}},
		{"no requests", CreateParams{UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast"}},
		{"multiple requests outside batch", CreateParams{UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: two}},
		{"unknown model", CreateParams{UserID: "u-1", Mode: domain.JobModeSingle, Model: "clip-turbo", Requests: singleRequest("clip-turbo")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rig.orch.Create(context.Background(), tc.params); err == nil {
				t.Fatal("Create accepted invalid params")
			}
		})
	}

	if _, err := rig.orch.Status("missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Status on unknown job = %v, want ErrJobNotFound", err)
	}
	if err := rig.orch.Cancel("missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Cancel on unknown job = %v, want ErrJobNotFound", err)
	}
}

func TestPrivilegedUserSkipsQuota(t *testing.T) {
	up := &fakeUpstream{
		handles: []string{"op-1"},
		script: []checkReply{
			{results: []domain.OperationResult{{
				Handle: "op-1", Status: domain.OperationSuccess, ArtifactURL: "https://cdn.example.com/a.mp4",
			}}},
		},
	}
	empty := quota.NewLedger(quota.NewMemoryStore(domain.Allocation{}), 0,
		quota.WithPrivilegedUsers([]string{"admin"}))
	rig := newRig(t, up, func(o *Options) { o.Ledger = empty })

	jobID, err := rig.orch.Create(context.Background(), CreateParams{
		UserID: "admin", Mode: domain.JobModeSingle, Model: "clip-fast", Requests: singleRequest("clip-fast"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	rig.waitTerminal(t, jobID)

	job, _ := rig.orch.Status(jobID)
	if job.State != domain.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.Model != "clip-fast" {
		t.Fatalf("job model = %q, privileged user must keep the requested variant", job.Model)
	}
}
