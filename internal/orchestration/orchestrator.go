package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/metrics"
	"github.com/chiscode/orchestrator/internal/models"
)

// ProjectArchiver persists completed projects for later retrieval. Archival
// is best effort and never blocks run completion.
type ProjectArchiver interface {
	SaveProject(ctx context.Context, sessionID string, project *models.Project) error
}

// run is the in-flight state of one pipeline execution. decision is buffered
// so a confirmation arriving a beat before the gate opens is not lost; done
// closes when the run goroutine has fully wound down.
type run struct {
	id        string
	seq       uint64
	sessionID string
	tier      models.Tier
	ctx       context.Context
	cancel    context.CancelFunc
	decision  chan models.ConfirmDecision
	events    chan models.RunEvent
	done      chan struct{}
	startedAt time.Time
}

// RunHandle is returned to the caller on submission.
type RunHandle struct {
	RunID  string
	Seq    uint64
	Events <-chan models.RunEvent
}

// Options tunes orchestrator behavior. Zero values fall back to safe
// defaults.
type Options struct {
	ConfirmTimeout    time.Duration
	MaxRepairAttempts int
	Metrics           *metrics.RunMetrics
	Archive           ProjectArchiver
}

// Orchestrator drives generation runs through the pipeline and owns the
// session-to-run bookkeeping. One run per session at a time.
type Orchestrator struct {
	store   *SessionStore
	quota   *QuotaGuard
	engine  EngineClient
	preview PreviewClient
	archive ProjectArchiver
	rm      *metrics.RunMetrics
	log     *zap.Logger
	tracer  trace.Tracer

	confirmTimeout    time.Duration
	maxRepairAttempts int

	runs sync.Map // run ID -> *run
}

// NewOrchestrator wires the pipeline's collaborators together.
func NewOrchestrator(store *SessionStore, quota *QuotaGuard, engine EngineClient, preview PreviewClient, log *zap.Logger, opts Options) *Orchestrator {
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 60 * time.Second
	}
	maxRepair := opts.MaxRepairAttempts
	if maxRepair < 0 {
		maxRepair = 0
	}

	return &Orchestrator{
		store:             store,
		quota:             quota,
		engine:            engine,
		preview:           preview,
		archive:           opts.Archive,
		rm:                opts.Metrics,
		log:               log,
		tracer:            otel.Tracer("orchestrator"),
		confirmTimeout:    confirmTimeout,
		maxRepairAttempts: maxRepair,
	}
}

// Submit starts a new generation run for the session. It admits the request
// against the tier quota, rejects it while another run is active, and returns
// a handle carrying the run ID, its sequence number and the event stream.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, tier models.Tier, text string) (*RunHandle, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.tier", string(tier)),
	)

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("request text must not be empty")
	}

	entry := o.store.ensure(sessionID, tier)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	sess := entry.session
	if entry.run != nil || !sess.Status.CanStartRun() {
		return nil, models.ErrRunInProgress
	}

	if err := o.quota.Admit(ctx, sessionID, tier); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// A terminal outcome is idle-equivalent: the previous run is finished
	// and its result already lives on the session.
	if sess.Status.IsTerminal() {
		sess.Status = models.StatusIdle
	}
	if err := models.ValidateTransition(sess.Status, models.StatusAnalyzing); err != nil {
		return nil, err
	}

	sess.Status = models.StatusAnalyzing
	sess.RunSeq++
	sess.AppendTurn("user", text)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.New().String(),
		seq:       sess.RunSeq,
		sessionID: sessionID,
		tier:      tier,
		ctx:       runCtx,
		cancel:    cancel,
		decision:  make(chan models.ConfirmDecision, 1),
		events:    make(chan models.RunEvent, 256),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	entry.run = r
	o.runs.Store(r.id, r)
	o.store.touch(sessionID, entry)

	if o.rm != nil {
		o.rm.RecordRunStarted(ctx, sessionID, string(tier))
	}

	memory := make([]models.Turn, len(sess.Memory))
	copy(memory, sess.Memory)

	span.SetAttributes(
		attribute.String("run.id", r.id),
		attribute.Int64("run.seq", int64(r.seq)),
	)
	o.log.Info("run submitted",
		zap.String("session_id", sessionID),
		zap.String("run_id", r.id),
		zap.Uint64("run_seq", r.seq))

	go o.execute(r, memory)

	return &RunHandle{RunID: r.id, Seq: r.seq, Events: r.events}, nil
}

// Confirm delivers the user's decision to a run waiting at the confirmation
// gate. A runID of "" targets the session's current run; a non-empty runID
// that does not match it is rejected as stale, as is any decision arriving
// when the gate is not open.
func (o *Orchestrator) Confirm(ctx context.Context, sessionID, runID string, decision models.ConfirmDecision) error {
	_, span := o.tracer.Start(ctx, "orchestrator.confirm")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("decision", string(decision)),
	)

	if !decision.Valid() {
		return fmt.Errorf("invalid decision %q", decision)
	}

	entry, err := o.store.get(sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	r := entry.run
	if r == nil {
		if runID != "" {
			// The named run already finished (timeout, cancellation or
			// completion); this decision arrived too late.
			return models.ErrStaleConfirmation
		}
		return models.ErrNoActiveRun
	}
	if runID != "" && runID != r.id {
		return models.ErrStaleConfirmation
	}
	if entry.session.Status != models.StatusAwaitingConfirmation {
		return models.ErrStaleConfirmation
	}

	select {
	case r.decision <- decision:
	default:
		// A decision was already delivered for this gate.
		return models.ErrStaleConfirmation
	}

	o.store.touch(sessionID, entry)
	return nil
}

// Cancel requests cooperative cancellation of the session's active run. The
// run acknowledges at its next stage boundary; Cancel itself only delivers
// the signal.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	_, span := o.tracer.Start(ctx, "orchestrator.cancel")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	entry, err := o.store.get(sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	r := entry.run
	entry.mu.Unlock()

	if r == nil {
		return models.ErrNoActiveRun
	}

	o.log.Info("cancellation requested",
		zap.String("session_id", sessionID),
		zap.String("run_id", r.id))
	r.cancel()
	return nil
}

// Status returns a point-in-time snapshot of the session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (models.Session, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.status")
	defer span.End()

	return o.store.Snapshot(sessionID)
}

// Project returns the session's active project, if a run has completed.
func (o *Orchestrator) Project(ctx context.Context, sessionID string) (*models.Project, error) {
	snap, err := o.store.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	return snap.ActiveProject, nil
}

// Reset evicts the session entirely. An active run is cancelled on the way
// out; conversation memory and the active project are discarded.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	_, span := o.tracer.Start(ctx, "orchestrator.reset")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))
	return o.store.Evict(sessionID)
}

// AttachEvents returns the event stream of a live run. The stream has a
// single consumer; the channel closes when the run reaches a terminal state.
func (o *Orchestrator) AttachEvents(runID string) (<-chan models.RunEvent, error) {
	value, ok := o.runs.Load(runID)
	if !ok {
		return nil, models.ErrNoActiveRun
	}
	return value.(*run).events, nil
}
