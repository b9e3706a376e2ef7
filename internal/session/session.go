package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// API is the server surface the manager consumes. Satisfied by *Client;
// tests substitute fakes.
type API interface {
	CreateJob(ctx context.Context, mode domain.JobMode, model string, requests []domain.SubRequest) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	Stream(ctx context.Context, jobID string) (<-chan domain.Event, error)
}

const (
	// clipFrames is the provider's clip length: 8 seconds at 60 fps.
	clipFrames = 480
	// extendWindowFrames is the trailing window handed to an extend job as
	// continuation context.
	extendWindowFrames = 60
)

// CameraMotion enumerates the reshoot transforms the provider supports.
type CameraMotion string

const (
	CameraZoomIn    CameraMotion = "zoom_in"
	CameraZoomOut   CameraMotion = "zoom_out"
	CameraPanLeft   CameraMotion = "pan_left"
	CameraPanRight  CameraMotion = "pan_right"
	CameraOrbit     CameraMotion = "orbit"
	CameraCraneUp   CameraMotion = "crane_up"
	CameraCraneDown CameraMotion = "crane_down"
)

// Scene is one rendered output slot. Batch operations map onto stable slots
// by index; extend and reshoot results append new slots.
type Scene struct {
	Slot         int
	JobID        string
	SourceSlot   int // -1 except for extend/reshoot scenes
	Status       domain.OperationStatus
	ArtifactURL  string
	GenerationID string
	Final        bool
}

// Session identifies one generation attempt. Starting a new attempt
// supersedes the previous session; events still arriving for it are
// discarded rather than corrupting the scene list.
type Session struct {
	id     uint64
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	final domain.Event
}

// JobID returns the job this session is watching.
func (s *Session) JobID() string { return s.jobID }

// Done closes when the session's stream has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Final returns the terminal event once Done is closed.
func (s *Session) Final() domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Manager is the consumer side of the pipeline: it starts generations,
// consumes their event streams, renders scenes, and issues follow-on extend
// and reshoot jobs off completed scenes.
type Manager struct {
	api       API
	submitURL string
	model     string
	logger    zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	current *Session
	scenes  []Scene
}

// Options configures a Manager.
type Options struct {
	API       API
	SubmitURL string
	Model     string
	Logger    zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if opts.SubmitURL == "" {
		return nil, fmt.Errorf("submit url is required")
	}
	model := opts.Model
	if model == "" {
		model = "clip-fast"
	}
	return &Manager{
		api:       opts.API,
		submitURL: opts.SubmitURL,
		model:     model,
		logger:    opts.Logger,
	}, nil
}

// Scenes returns a copy of the current scene list.
func (m *Manager) Scenes() []Scene {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Scene(nil), m.scenes...)
}

// Generate starts a new generation of count clips (mode single for one,
// batch for several) and supersedes any previous session. Scene slots for
// the new clips are appended immediately so progress renders in place.
func (m *Manager) Generate(ctx context.Context, prompt string, count int) (*Session, error) {
	if count < 1 {
		count = 1
	}
	mode := domain.JobModeSingle
	if count > 1 {
		mode = domain.JobModeBatch
	}
	requests := make([]domain.SubRequest, count)
	for i := range requests {
		payload, err := json.Marshal(map[string]any{
			"model":  m.model,
			"prompt": prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("encode prompt: %w", err)
		}
		requests[i] = domain.SubRequest{URL: m.submitURL, Method: "POST", Payload: payload}
	}
	return m.start(ctx, mode, requests, -1)
}

// Extend starts an extend job continuing the scene in slot. The request
// references the scene's generation id and the trailing frame window; the
// result appends a new scene rather than replacing the source.
func (m *Manager) Extend(ctx context.Context, slot int, prompt string) (*Session, error) {
	scene, err := m.completedScene(slot)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"model":   m.model,
		"mediaId": scene.GenerationID,
		"prompt":  prompt,
		"frameWindow": map[string]int{
			"start": clipFrames - extendWindowFrames,
			"end":   clipFrames,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode extend request: %w", err)
	}
	req := domain.SubRequest{URL: m.submitURL, Method: "POST", Payload: payload}
	return m.start(ctx, domain.JobModeExtend, []domain.SubRequest{req}, slot)
}

// Reshoot starts a reshoot job re-rendering the scene in slot with a camera
// transform. Appended, never replacing.
func (m *Manager) Reshoot(ctx context.Context, slot int, motion CameraMotion) (*Session, error) {
	scene, err := m.completedScene(slot)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"model":        m.model,
		"mediaId":      scene.GenerationID,
		"cameraMotion": string(motion),
	})
	if err != nil {
		return nil, fmt.Errorf("encode reshoot request: %w", err)
	}
	req := domain.SubRequest{URL: m.submitURL, Method: "POST", Payload: payload}
	return m.start(ctx, domain.JobModeReshoot, []domain.SubRequest{req}, slot)
}

// Cancel asks the server to stop the current session's job. The stream winds
// down on its own once the cancelled event arrives.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	return m.api.CancelJob(ctx, cur.jobID)
}

func (m *Manager) completedScene(slot int) (Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.scenes) {
		return Scene{}, fmt.Errorf("no scene in slot %d", slot)
	}
	scene := m.scenes[slot]
	if !scene.Final || scene.GenerationID == "" {
		return Scene{}, fmt.Errorf("scene %d has no completed generation to build on", slot)
	}
	return scene, nil
}

func (m *Manager) start(ctx context.Context, mode domain.JobMode, requests []domain.SubRequest, sourceSlot int) (*Session, error) {
	jobID, err := m.api.CreateJob(ctx, mode, m.model, requests)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := m.api.Stream(streamCtx, jobID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("job %s created but stream failed: %w", jobID, err)
	}

	m.mu.Lock()
	m.seq++
	sess := &Session{
		id:     m.seq,
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Superseding the old session is all it takes: its callbacks see a
	// stale id and no-op. No teardown race to manage.
	if prev := m.current; prev != nil {
		prev.cancel()
	}
	m.current = sess

	base := len(m.scenes)
	for i := range requests {
		m.scenes = append(m.scenes, Scene{
			Slot:       base + i,
			JobID:      jobID,
			SourceSlot: sourceSlot,
			Status:     domain.OperationPending,
		})
	}
	m.mu.Unlock()

	go m.consume(sess, base, events)
	return sess, nil
}

func (m *Manager) consume(sess *Session, baseSlot int, events <-chan domain.Event) {
	defer close(sess.done)
	defer sess.cancel()
	for ev := range events {
		m.apply(sess, baseSlot, ev)
		if ev.Type.Terminal() {
			sess.mu.Lock()
			sess.final = ev
			sess.mu.Unlock()
		}
	}
}

// apply folds one stream event into the scene list. Events from a
// superseded session are discarded so out-of-order callbacks from an old
// generation can never clobber the new one's scenes.
func (m *Manager) apply(sess *Session, baseSlot int, ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.id != sess.id {
		m.logger.Debug().
			Str("job_id", sess.jobID).
			Str("event", string(ev.Type)).
			Msg("session: dropping event from superseded session")
		return
	}

	switch ev.Type {
	case domain.EventInitial:
		if ev.Initial != nil {
			m.applyResults(baseSlot, ev.Initial.Results)
		}
	case domain.EventPolled:
		if ev.Polled != nil {
			m.applyResults(baseSlot, ev.Polled.Results)
		}
	case domain.EventCompleted:
		if ev.Completed != nil {
			m.applyResults(baseSlot, ev.Completed.Results)
		}
	case domain.EventFailed, domain.EventCancelled:
		for i := baseSlot; i < len(m.scenes); i++ {
			if m.scenes[i].JobID == sess.jobID && !m.scenes[i].Final {
				m.scenes[i].Status = domain.OperationError
				m.scenes[i].Final = true
			}
		}
	}
}

// applyResults maps operation results by index onto stable scene slots. A
// slot already holding a finished artifact is never overwritten by a later,
// still-pending snapshot of the same batch.
func (m *Manager) applyResults(baseSlot int, results []domain.OperationResult) {
	for i, res := range results {
		slot := baseSlot + i
		if slot >= len(m.scenes) {
			break
		}
		scene := &m.scenes[slot]
		if scene.Final {
			continue
		}
		scene.Status = res.Status
		if res.GenerationID != "" {
			scene.GenerationID = res.GenerationID
		}
		if res.ArtifactURL != "" {
			scene.ArtifactURL = res.ArtifactURL
		}
		if res.Succeeded() {
			scene.Final = true
		}
	}
}
