package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/domain"
	"github.com/sceneforge/sceneforge/internal/quota"
	"github.com/sceneforge/sceneforge/internal/scheduler"
	"github.com/sceneforge/sceneforge/internal/stream"
	"github.com/sceneforge/sceneforge/internal/upstream"
)

// Upstream is the provider surface the orchestrator drives. Satisfied by
// *upstream.Client; tests substitute fakes.
type Upstream interface {
	Submit(ctx context.Context, reqs []domain.SubRequest) ([]string, error)
	CheckStatus(ctx context.Context, handles []string) ([]domain.OperationResult, error)
}

// AuditLog records job rows for history. Best-effort: write failures are
// logged, never propagated, and the in-memory registry stays the source of
// truth for live jobs.
type AuditLog interface {
	Insert(ctx context.Context, job domain.Job) error
	UpdateState(ctx context.Context, job domain.Job) error
}

// Options wires an Orchestrator.
type Options struct {
	Ledger    *quota.Ledger
	Upstream  Upstream
	Events    *stream.Broadcaster
	Models    *domain.ModelCatalog
	Scheduler scheduler.Config
	Audit     AuditLog // optional
	Logger    zerolog.Logger
	// EvictionGrace is how long a terminal job without subscribers stays in
	// the registry before the janitor drops it.
	EvictionGrace time.Duration
}

// Orchestrator owns the in-memory job registry and runs one control loop
// goroutine per active job. Job state is mutated only by the owning loop;
// all other access goes through snapshots.
type Orchestrator struct {
	ledger   *quota.Ledger
	upstream Upstream
	events   *stream.Broadcaster
	models   *domain.ModelCatalog
	schedCfg scheduler.Config
	audit    AuditLog
	logger   zerolog.Logger
	grace    time.Duration

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*jobEntry
	wg   sync.WaitGroup
}

type jobEntry struct {
	mu          sync.Mutex
	job         *domain.Job
	reservation *domain.Reservation
	cancelWait  context.CancelFunc
	cancelled   bool
	terminalAt  time.Time
}

// New creates an orchestrator. Call Close to stop all job loops.
func New(opts Options) (*Orchestrator, error) {
	if opts.Ledger == nil || opts.Upstream == nil || opts.Events == nil {
		return nil, fmt.Errorf("ledger, upstream and events are required")
	}
	models := opts.Models
	if models == nil {
		models = domain.DefaultModelCatalog()
	}
	if opts.Scheduler.PollInterval == 0 {
		opts.Scheduler = scheduler.DefaultConfig()
	}
	grace := opts.EvictionGrace
	if grace == 0 {
		grace = 5 * time.Minute
	}
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		ledger:   opts.Ledger,
		upstream: opts.Upstream,
		events:   opts.Events,
		models:   models,
		schedCfg: opts.Scheduler,
		audit:    opts.Audit,
		logger:   opts.Logger,
		grace:    grace,
		baseCtx:  ctx,
		stop:     stop,
		jobs:     make(map[string]*jobEntry),
	}
	go o.janitor()
	return o, nil
}

// Close cancels every job loop and waits for them to finish.
func (o *Orchestrator) Close() {
	o.stop()
	o.mu.Lock()
	for _, e := range o.jobs {
		e.cancelWait()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// CreateParams describes a new generation job.
type CreateParams struct {
	UserID   string
	Mode     domain.JobMode
	Model    string
	Requests []domain.SubRequest
}

// Create validates params, registers a job and starts its control loop. The
// quota reservation happens inside the loop, before any upstream call; a
// quota rejection without a fallback surfaces as a failed stream event.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if !domain.ValidMode(params.Mode) {
		return "", fmt.Errorf("unsupported mode %q", params.Mode)
	}
	if len(params.Requests) == 0 {
		return "", fmt.Errorf("at least one request is required")
	}
	if params.Mode != domain.JobModeBatch && len(params.Requests) != 1 {
		return "", fmt.Errorf("mode %q takes exactly one request, got %d", params.Mode, len(params.Requests))
	}
	if _, ok := o.models.Lookup(params.Model); !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownModel, params.Model)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    params.UserID,
		Mode:      params.Mode,
		Model:     params.Model,
		Requests:  params.Requests,
		State:     domain.JobStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	loopCtx, cancelWait := context.WithCancel(o.baseCtx)
	entry := &jobEntry{job: job, cancelWait: cancelWait}

	o.mu.Lock()
	o.jobs[job.ID] = entry
	o.mu.Unlock()

	o.publish(job.ID, domain.Event{
		Type:   domain.EventQueued,
		Queued: &domain.QueuedPayload{Mode: job.Mode, Model: job.Model},
	})
	o.auditInsert(ctx, entry)

	o.wg.Add(1)
	go o.run(loopCtx, entry)

	return job.ID, nil
}

// Status returns a snapshot of the job.
func (o *Orchestrator) Status(jobID string) (domain.Job, error) {
	entry, ok := o.lookup(jobID)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Snapshot(), nil
}

// Cancel requests a cooperative stop. It returns once the signal is
// accepted, not once the loop has stopped; the stop ultimately surfaces as a
// cancelled stream event. Cancelling a terminal job returns
// domain.ErrAlreadyTerminal and publishes nothing.
func (o *Orchestrator) Cancel(jobID string) error {
	entry, ok := o.lookup(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.job.State.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	if entry.cancelled {
		return nil
	}
	entry.cancelled = true
	// The loop observes this between scheduler rounds; a status check
	// already in flight completes cleanly first.
	entry.cancelWait()
	return nil
}

func (o *Orchestrator) lookup(jobID string) (*jobEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.jobs[jobID]
	return entry, ok
}

// run is the per-job control loop: reserve quota, submit, poll, finalize.
// It is the job's single writer.
func (o *Orchestrator) run(waitCtx context.Context, entry *jobEntry) {
	defer o.wg.Done()

	// Upstream calls use the base context, not the cancellation context:
	// cancellation is honoured at wait checkpoints only, so an in-flight
	// round always completes.
	ctx := o.baseCtx
	jobID := entry.job.ID

	if !o.reserveQuota(ctx, entry) {
		return
	}

	o.setState(entry, domain.JobStateSubmitting)
	handles, err := o.upstream.Submit(ctx, entry.requests())
	if err != nil {
		o.fail(ctx, entry, classifySubmitError(err), err)
		return
	}

	entry.mu.Lock()
	entry.job.OperationHandles = handles
	entry.job.Results = pendingResults(handles)
	entry.mu.Unlock()

	o.publish(jobID, domain.Event{
		Type:    domain.EventStarted,
		Started: &domain.StartedPayload{OperationHandles: handles},
	})
	o.setState(entry, domain.JobStatePolling)

	// First raw snapshot, fetched right away so the client has something to
	// render before results are ready. A throttled or failed snapshot is not
	// fatal; the poll loop takes over either way.
	initial := entry.results()
	if results, err := o.upstream.CheckStatus(ctx, handles); err == nil {
		initial = o.mergeResults(entry, results)
	}
	o.publish(jobID, domain.Event{
		Type:    domain.EventInitial,
		Initial: &domain.InitialPayload{Results: initial},
	})

	check := func(attempt int) (scheduler.Result, error) {
		results, err := o.upstream.CheckStatus(ctx, handles)
		if err != nil {
			var rl *upstream.RateLimitedError
			if errors.As(err, &rl) {
				return scheduler.Result{RateLimited: true, RetryAfter: rl.RetryAfter}, nil
			}
			return scheduler.Result{}, err
		}
		merged := o.mergeResults(entry, results)
		entry.mu.Lock()
		entry.job.Attempts = attempt
		entry.job.UpdatedAt = time.Now().UTC()
		entry.mu.Unlock()
		o.publish(jobID, domain.Event{
			Type:   domain.EventPolled,
			Polled: &domain.PolledPayload{Attempt: attempt, Results: merged},
		})
		return scheduler.Result{Done: allTerminal(merged)}, nil
	}

	onBackoff := func(round int, delay time.Duration) {
		o.logger.Info().
			Str("job_id", jobID).
			Int("round", round).
			Dur("delay", delay).
			Msg("orchestrator: rate limited, backing off")
		o.publish(jobID, domain.Event{
			Type:    domain.EventBackoff,
			Backoff: &domain.BackoffPayload{Attempt: round, Delay: delay},
		})
	}

	outcome, err := scheduler.Run(waitCtx, o.schedCfg, check, onBackoff)
	switch {
	case err != nil:
		o.fail(ctx, entry, classifyCheckError(err), err)
	case outcome == scheduler.OutcomeCancelled:
		o.cancelledFate(ctx, entry)
	case outcome == scheduler.OutcomeExhausted:
		o.fail(ctx, entry, domain.FailReasonTimeout,
			fmt.Errorf("attempt ceiling reached with operations still pending"))
	default:
		o.complete(ctx, entry)
	}
}

// reserveQuota holds quota for the job, falling back to the unmetered
// relaxed variant when the bucket is exhausted. Returns false when the job
// was failed without any upstream call.
func (o *Orchestrator) reserveQuota(ctx context.Context, entry *jobEntry) bool {
	entry.mu.Lock()
	userID := entry.job.UserID
	mode := entry.job.Mode
	model := entry.job.Model
	amount := len(entry.job.Requests)
	entry.mu.Unlock()

	variant, _ := o.models.Lookup(model)
	if o.ledger.Privileged(userID) || !variant.Metered {
		return true
	}

	res, err := o.ledger.Reserve(ctx, userID, mode, amount)
	if err == nil {
		entry.mu.Lock()
		entry.reservation = res
		entry.mu.Unlock()
		return true
	}
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		o.fail(ctx, entry, domain.FailReasonUpstreamError, fmt.Errorf("quota ledger: %w", err))
		return false
	}

	relaxed, ok := o.models.Fallback(model)
	if !ok {
		o.fail(ctx, entry, domain.FailReasonQuotaExceeded, domain.ErrQuotaExceeded)
		return false
	}

	o.logger.Info().
		Str("job_id", entry.job.ID).
		Str("from", model).
		Str("to", relaxed.Key).
		Msg("orchestrator: quota exhausted, falling back to relaxed variant")

	entry.mu.Lock()
	entry.job.Model = relaxed.Key
	entry.job.Requests = rewriteModelKey(entry.job.Requests, relaxed.Key)
	entry.mu.Unlock()
	return true
}

// rewriteModelKey substitutes the model key in each sub-request payload that
// carries one. Payloads are otherwise opaque.
func rewriteModelKey(reqs []domain.SubRequest, key string) []domain.SubRequest {
	out := make([]domain.SubRequest, len(reqs))
	for i, r := range reqs {
		out[i] = r
		if len(r.Payload) == 0 {
			continue
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			continue
		}
		if _, ok := payload["model"]; !ok {
			continue
		}
		encoded, err := json.Marshal(key)
		if err != nil {
			continue
		}
		payload["model"] = encoded
		if raw, err := json.Marshal(payload); err == nil {
			out[i].Payload = raw
		}
	}
	return out
}

// mergeResults folds a status snapshot into the job's results. A generation
// id, artifact URL or terminal status already observed is sticky; a later
// snapshot that regresses an operation never erases it.
func (o *Orchestrator) mergeResults(entry *jobEntry, incoming []domain.OperationResult) []domain.OperationResult {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	byHandle := make(map[string]domain.OperationResult, len(incoming))
	for _, r := range incoming {
		byHandle[r.Handle] = r
	}
	for i, prev := range entry.job.Results {
		next, ok := byHandle[prev.Handle]
		if !ok {
			continue
		}
		if prev.GenerationID != "" {
			next.GenerationID = prev.GenerationID
		}
		if next.ArtifactURL == "" {
			next.ArtifactURL = prev.ArtifactURL
		}
		if domain.TerminalOperation(prev.Status) && !domain.TerminalOperation(next.Status) {
			next.Status = prev.Status
			next.ErrorMessage = prev.ErrorMessage
		}
		entry.job.Results[i] = next
	}
	return append([]domain.OperationResult(nil), entry.job.Results...)
}

func (o *Orchestrator) complete(ctx context.Context, entry *jobEntry) {
	results := entry.results()
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	if succeeded == 0 {
		// Every operation finished but none produced an artifact; the
		// reservation must not be charged.
		o.fail(ctx, entry, domain.FailReasonUpstreamError,
			fmt.Errorf("no operation produced an artifact"))
		return
	}

	entry.mu.Lock()
	res := entry.reservation
	entry.mu.Unlock()
	if err := o.ledger.Commit(ctx, res); err != nil {
		o.logger.Error().Err(err).Str("job_id", entry.job.ID).Msg("orchestrator: quota commit failed")
	}

	o.finalize(ctx, entry, domain.JobStateCompleted, domain.Event{
		Type:      domain.EventCompleted,
		Completed: &domain.CompletedPayload{Results: results},
	})
}

func (o *Orchestrator) fail(ctx context.Context, entry *jobEntry, reason domain.FailReason, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry.mu.Lock()
	entry.job.FailReason = reason
	entry.job.ErrorMessage = msg
	res := entry.reservation
	entry.mu.Unlock()
	o.ledger.Release(res)

	o.logger.Warn().
		Str("job_id", entry.job.ID).
		Str("reason", string(reason)).
		Err(cause).
		Msg("orchestrator: job failed")

	o.finalize(ctx, entry, domain.JobStateFailed, domain.Event{
		Type:   domain.EventFailed,
		Failed: &domain.FailedPayload{Reason: reason, Message: msg},
	})
}

func (o *Orchestrator) cancelledFate(ctx context.Context, entry *jobEntry) {
	entry.mu.Lock()
	res := entry.reservation
	entry.mu.Unlock()
	o.ledger.Release(res)

	o.logger.Info().Str("job_id", entry.job.ID).Msg("orchestrator: job cancelled")

	// Best-effort upstream: the provider may still finish server-side; we
	// simply stop watching and reporting.
	o.finalize(ctx, entry, domain.JobStateCancelled, domain.Event{
		Type:      domain.EventCancelled,
		Cancelled: &domain.CancelledPayload{},
	})
}

// finalize applies the terminal state exactly once and publishes the
// terminal event.
func (o *Orchestrator) finalize(ctx context.Context, entry *jobEntry, state domain.JobState, ev domain.Event) {
	entry.mu.Lock()
	if entry.job.State.Terminal() {
		entry.mu.Unlock()
		return
	}
	entry.job.State = state
	entry.job.UpdatedAt = time.Now().UTC()
	entry.reservation = nil
	entry.terminalAt = time.Now()
	entry.mu.Unlock()

	o.publish(entry.job.ID, ev)
	o.auditUpdate(ctx, entry)
}

func (o *Orchestrator) setState(entry *jobEntry, state domain.JobState) {
	entry.mu.Lock()
	entry.job.State = state
	entry.job.UpdatedAt = time.Now().UTC()
	entry.mu.Unlock()
}

func (o *Orchestrator) publish(jobID string, ev domain.Event) {
	if err := o.events.Publish(jobID, ev); err != nil {
		o.logger.Error().Err(err).
			Str("job_id", jobID).
			Str("event", string(ev.Type)).
			Msg("orchestrator: publish failed")
	}
}

func (o *Orchestrator) auditInsert(ctx context.Context, entry *jobEntry) {
	if o.audit == nil {
		return
	}
	entry.mu.Lock()
	snap := entry.job.Snapshot()
	entry.mu.Unlock()
	if err := o.audit.Insert(ctx, snap); err != nil {
		o.logger.Warn().Err(err).Str("job_id", snap.ID).Msg("orchestrator: audit insert failed")
	}
}

func (o *Orchestrator) auditUpdate(ctx context.Context, entry *jobEntry) {
	if o.audit == nil {
		return
	}
	entry.mu.Lock()
	snap := entry.job.Snapshot()
	entry.mu.Unlock()
	if err := o.audit.UpdateState(ctx, snap); err != nil {
		o.logger.Warn().Err(err).Str("job_id", snap.ID).Msg("orchestrator: audit update failed")
	}
}

// janitor evicts terminal jobs once their stream has had no subscribers for
// the grace period. Live jobs are never evicted.
func (o *Orchestrator) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		o.mu.Lock()
		for id, entry := range o.jobs {
			entry.mu.Lock()
			expired := entry.job.State.Terminal() &&
				!entry.terminalAt.IsZero() &&
				now.Sub(entry.terminalAt) > o.grace
			entry.mu.Unlock()
			if expired && o.events.SubscriberCount(id) == 0 {
				delete(o.jobs, id)
				o.events.Evict(id)
				o.logger.Debug().Str("job_id", id).Msg("orchestrator: evicted terminal job")
			}
		}
		o.mu.Unlock()
	}
}

func (e *jobEntry) requests() []domain.SubRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SubRequest(nil), e.job.Requests...)
}

func (e *jobEntry) results() []domain.OperationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OperationResult(nil), e.job.Results...)
}

func pendingResults(handles []string) []domain.OperationResult {
	out := make([]domain.OperationResult, len(handles))
	for i, h := range handles {
		out[i] = domain.OperationResult{Handle: h, Status: domain.OperationPending}
	}
	return out
}

func allTerminal(results []domain.OperationResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !domain.TerminalOperation(r.Status) {
			return false
		}
	}
	return true
}

func classifySubmitError(err error) domain.FailReason {
	if errors.Is(err, domain.ErrCredentialExpired) || errors.Is(err, domain.ErrCredentialMissing) {
		return domain.FailReasonCredentialExpired
	}
	return domain.FailReasonUpstreamError
}

func classifyCheckError(err error) domain.FailReason {
	if errors.Is(err, domain.ErrCredentialExpired) || errors.Is(err, domain.ErrCredentialMissing) {
		return domain.FailReasonCredentialExpired
	}
	return domain.FailReasonUpstreamError
}
