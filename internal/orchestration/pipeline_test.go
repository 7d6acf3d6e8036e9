package orchestration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
)

// stubEngine lets each test script the engine's behavior per stage.
type stubEngine struct {
	analyze  func(ctx context.Context, text string) (*models.Requirements, error)
	select_  func(ctx context.Context, req *models.Requirements) (*models.TechStack, error)
	generate func(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error)
	validate func(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error)
	repair   func(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error)
}

func (s *stubEngine) Analyze(ctx context.Context, text string) (*models.Requirements, error) {
	return s.analyze(ctx, text)
}

func (s *stubEngine) SelectStack(ctx context.Context, req *models.Requirements) (*models.TechStack, error) {
	return s.select_(ctx, req)
}

func (s *stubEngine) GenerateStream(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error) {
	return s.generate(ctx, req, stack)
}

func (s *stubEngine) Validate(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error) {
	return s.validate(ctx, files)
}

func (s *stubEngine) Repair(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error) {
	return s.repair(ctx, files, errs)
}

// happyEngine scripts a full successful todo-app generation.
func happyEngine() *stubEngine {
	return &stubEngine{
		analyze: func(ctx context.Context, text string) (*models.Requirements, error) {
			return &models.Requirements{
				ProjectName: "todo-app",
				Features:    []string{"create tasks", "edit tasks", "delete tasks"},
			}, nil
		},
		select_: func(ctx context.Context, req *models.Requirements) (*models.TechStack, error) {
			return &models.TechStack{
				Frontend: models.StackChoice{Name: "Next.js", Rationale: "SSR support"},
				Backend:  models.StackChoice{Name: "Node.js"},
				Database: models.StackChoice{Name: "PostgreSQL"},
				Styling:  models.StackChoice{Name: "Tailwind"},
			}, nil
		},
		generate: func(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error) {
			ch := make(chan GenerationEvent, 8)
			ch <- GenerationEvent{Kind: "progress", Message: "scaffolding project"}
			ch <- GenerationEvent{Kind: "file", Path: "package.json", Content: `{"dependencies":{"react":"^18.0.0"}}`}
			ch <- GenerationEvent{Kind: "file", Path: "next.config.js", Content: "module.exports = {}"}
			close(ch)
			return ch, nil
		},
		validate: func(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error) {
			return &models.ValidationReport{Valid: true}, nil
		},
		repair: func(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error) {
			return files, nil
		},
	}
}

type stubPreview struct {
	url string
	err error
}

func (p *stubPreview) CreatePreview(ctx context.Context, files models.GenerationResult) (string, error) {
	return p.url, p.err
}

func newTestOrchestrator(t *testing.T, engine EngineClient, opts Options) *Orchestrator {
	t.Helper()
	log := zap.NewNop()
	store := NewSessionStore(time.Hour, 100*time.Millisecond, log)
	quota := NewQuotaGuard(NewMemoryQuotaSource(), 5, 100, 1000)
	preview := &stubPreview{url: "https://preview.test/app"}
	return NewOrchestrator(store, quota, engine, preview, log, opts)
}

// drainEvents collects all events, delivering the given decision when the
// confirmation gate opens.
func drainEvents(t *testing.T, o *Orchestrator, sessionID string, handle *RunHandle, decision models.ConfirmDecision) []models.RunEvent {
	t.Helper()
	var events []models.RunEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-handle.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Kind == models.EventAwaitingConfirmation && decision != "" {
				require.NoError(t, o.Confirm(context.Background(), sessionID, handle.RunID, decision))
			}
		case <-timeout:
			t.Fatal("timed out waiting for run events")
		}
	}
}

func TestRun_CompletesAfterConfirmation(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-1", models.TierFree, "build me a todo app")
	require.NoError(t, err)
	require.NotEmpty(t, handle.RunID)
	assert.Equal(t, uint64(1), handle.Seq)

	events := drainEvents(t, o, "session-1", handle, models.DecisionConfirm)

	var result *models.RunResult
	fileCount := 0
	for _, ev := range events {
		switch ev.Kind {
		case models.EventFile:
			fileCount++
		case models.EventResult:
			result = ev.Result
		}
	}
	assert.Equal(t, 2, fileCount)
	require.NotNil(t, result)
	require.NotNil(t, result.Project)
	assert.Equal(t, "todo-app", result.Project.Name)
	assert.Len(t, result.Project.Files, 2)
	assert.Equal(t, "https://preview.test/app", result.Project.PreviewURL)
	assert.Equal(t, []string{"vercel"}, result.DeploymentOptions.Recommended)

	snap, err := o.Status(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	require.NotNil(t, snap.ActiveProject)
	assert.Equal(t, "todo-app", snap.ActiveProject.Name)
	// User request plus assistant completion turn.
	assert.Len(t, snap.Memory, 2)
}

func TestRun_RepairLoopBound(t *testing.T) {
	var validateCalls, repairCalls int32
	engine := happyEngine()
	engine.validate = func(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error) {
		atomic.AddInt32(&validateCalls, 1)
		return &models.ValidationReport{
			Valid:  false,
			Errors: []models.Diagnostic{{Path: "package.json", Message: "syntax error"}},
		}, nil
	}
	engine.repair = func(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error) {
		atomic.AddInt32(&repairCalls, 1)
		return files, nil
	}

	o := newTestOrchestrator(t, engine, Options{ConfirmTimeout: time.Second, MaxRepairAttempts: 1})

	handle, err := o.Submit(context.Background(), "session-repair", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-repair", handle, models.DecisionConfirm)

	var errEvent *models.RunEvent
	for i := range events {
		if events[i].Kind == models.EventError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, models.ErrCodeValidationExhausted, errEvent.Code)

	// One initial validation plus one after the single allowed repair.
	assert.Equal(t, int32(2), atomic.LoadInt32(&validateCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&repairCalls))

	snap, err := o.Status(context.Background(), "session-repair")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
}

func TestRun_ConfirmationTimeout(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{ConfirmTimeout: 50 * time.Millisecond})

	handle, err := o.Submit(context.Background(), "session-timeout", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-timeout", handle, "")

	var errEvent *models.RunEvent
	for i := range events {
		if events[i].Kind == models.EventError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, models.ErrCodeConfirmTimeout, errEvent.Code)

	// The run is gone; a decision naming it is stale, not absent.
	err = o.Confirm(context.Background(), "session-timeout", handle.RunID, models.DecisionConfirm)
	assert.ErrorIs(t, err, models.ErrStaleConfirmation)

	// Without a run ID there is simply no run to decide on.
	err = o.Confirm(context.Background(), "session-timeout", "", models.DecisionConfirm)
	assert.ErrorIs(t, err, models.ErrNoActiveRun)
}

func TestRun_DeclineReturnsToIdle(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-decline", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-decline", handle, models.DecisionModify)
	assert.NotEmpty(t, events)

	snap, err := o.Status(context.Background(), "session-decline")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, snap.Status)
	assert.Nil(t, snap.ActiveProject)

	// A revised request starts a fresh run right away.
	handle2, err := o.Submit(context.Background(), "session-decline", models.TierFree, "use vue instead")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), handle2.Seq)
	drainEvents(t, o, "session-decline", handle2, models.DecisionConfirm)
}

func TestRun_CancelDuringGeneration(t *testing.T) {
	engine := happyEngine()
	engine.generate = func(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan GenerationEvent, error) {
		ch := make(chan GenerationEvent, 8)
		go func() {
			defer close(ch)
			ch <- GenerationEvent{Kind: "file", Path: "package.json", Content: "{}"}
			<-ctx.Done()
		}()
		return ch, nil
	}

	o := newTestOrchestrator(t, engine, Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-cancel", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	go func() {
		for ev := range handle.Events {
			if ev.Kind == models.EventAwaitingConfirmation {
				o.Confirm(context.Background(), "session-cancel", handle.RunID, models.DecisionConfirm)
			}
			if ev.Kind == models.EventFile {
				o.Cancel(context.Background(), "session-cancel")
			}
		}
	}()

	require.Eventually(t, func() bool {
		snap, err := o.Status(context.Background(), "session-cancel")
		return err == nil && snap.Status == models.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	snap, _ := o.Status(context.Background(), "session-cancel")
	assert.Nil(t, snap.ActiveProject)

	// Cancellation frees the session immediately.
	handle2, err := o.Submit(context.Background(), "session-cancel", models.TierFree, "try again")
	require.NoError(t, err)
	drainEvents(t, o, "session-cancel", handle2, models.DecisionConfirm)
}

func TestSubmit_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	engine := happyEngine()
	engine.analyze = func(ctx context.Context, text string) (*models.Requirements, error) {
		<-release
		return nil, &models.ExtractionError{Reason: "nothing to build"}
	}

	o := newTestOrchestrator(t, engine, Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-sf", models.TierFree, "first request")
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), "session-sf", models.TierFree, "second request")
	assert.ErrorIs(t, err, models.ErrRunInProgress)

	close(release)
	drainEvents(t, o, "session-sf", handle, "")

	require.Eventually(t, func() bool {
		snap, err := o.Status(context.Background(), "session-sf")
		return err == nil && snap.Status == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Failure is terminal, so the session accepts a new run.
	_, err = o.Submit(context.Background(), "session-sf", models.TierFree, "third request")
	require.NoError(t, err)
}

func TestSubmit_RejectsEmptyText(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{})

	_, err := o.Submit(context.Background(), "session-empty", models.TierFree, "   ")
	assert.Error(t, err)
}

func TestConfirm_StaleRunID(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-stale", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	timeout := time.After(5 * time.Second)
	for {
		var ev models.RunEvent
		var ok bool
		select {
		case ev, ok = <-handle.Events:
			require.True(t, ok, "stream closed before confirmation gate")
		case <-timeout:
			t.Fatal("timed out waiting for confirmation gate")
		}
		if ev.Kind == models.EventAwaitingConfirmation {
			break
		}
	}

	err = o.Confirm(context.Background(), "session-stale", "some-other-run", models.DecisionConfirm)
	assert.ErrorIs(t, err, models.ErrStaleConfirmation)

	require.NoError(t, o.Confirm(context.Background(), "session-stale", handle.RunID, models.DecisionConfirm))

	// The gate takes exactly one decision.
	err = o.Confirm(context.Background(), "session-stale", handle.RunID, models.DecisionConfirm)
	assert.Error(t, err)

	for range handle.Events {
	}
}

func TestRun_ExtractionFailureWhenNoFeatures(t *testing.T) {
	engine := happyEngine()
	engine.analyze = func(ctx context.Context, text string) (*models.Requirements, error) {
		return &models.Requirements{ProjectName: "empty"}, nil
	}

	o := newTestOrchestrator(t, engine, Options{})

	handle, err := o.Submit(context.Background(), "session-nofeat", models.TierFree, "hello")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-nofeat", handle, "")

	var errEvent *models.RunEvent
	for i := range events {
		if events[i].Kind == models.EventError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, models.ErrCodeExtractionFailed, errEvent.Code)
}

func TestRun_PreviewFailureDoesNotFailRun(t *testing.T) {
	log := zap.NewNop()
	store := NewSessionStore(time.Hour, 100*time.Millisecond, log)
	quota := NewQuotaGuard(NewMemoryQuotaSource(), 5, 100, 1000)
	preview := &stubPreview{err: models.ErrPreviewUnavailable}
	o := NewOrchestrator(store, quota, happyEngine(), preview, log, Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-preview", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-preview", handle, models.DecisionConfirm)

	var result *models.RunResult
	for _, ev := range events {
		if ev.Kind == models.EventResult {
			result = ev.Result
		}
	}
	require.NotNil(t, result)
	assert.Empty(t, result.Project.PreviewURL)
	assert.Contains(t, result.Diagnostics, "preview unavailable")

	snap, err := o.Status(context.Background(), "session-preview")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
}

func TestRun_StageEventOrdering(t *testing.T) {
	o := newTestOrchestrator(t, happyEngine(), Options{ConfirmTimeout: time.Second})

	handle, err := o.Submit(context.Background(), "session-order", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	events := drainEvents(t, o, "session-order", handle, models.DecisionConfirm)

	var stages []models.RunStatus
	for _, ev := range events {
		if ev.Kind == models.EventStage {
			stages = append(stages, ev.Status)
		}
	}
	assert.Equal(t, []models.RunStatus{
		models.StatusAnalyzing,
		models.StatusSelectingStack,
		models.StatusAwaitingConfirmation,
		models.StatusGenerating,
		models.StatusValidating,
		models.StatusPreviewing,
		models.StatusFinalized,
		models.StatusCompleted,
	}, stages)
}
