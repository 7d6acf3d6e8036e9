package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
)

type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomeDeclined
	outcomeFailed
	outcomeCancelled
)

// execute drives one run through the pipeline and always winds the run down,
// whatever the outcome.
func (o *Orchestrator) execute(r *run, memory []models.Turn) {
	outcome, err := o.runPipeline(r, memory)
	o.finish(r, outcome, err)
}

func (o *Orchestrator) runPipeline(r *run, memory []models.Turn) (runOutcome, error) {
	ctx := r.ctx

	o.emit(r, models.RunEvent{Kind: models.EventStage, Status: models.StatusAnalyzing})

	reqs, err := o.engine.Analyze(ctx, composeAnalysisInput(memory))
	if ctx.Err() != nil {
		return outcomeCancelled, nil
	}
	if err != nil {
		return outcomeFailed, err
	}
	if len(reqs.Features) == 0 {
		return outcomeFailed, &models.ExtractionError{Reason: "no features identified in request"}
	}

	if err := o.transition(r, models.StatusSelectingStack); err != nil {
		return outcomeCancelled, nil
	}

	stack, err := o.engine.SelectStack(ctx, reqs)
	if ctx.Err() != nil {
		return outcomeCancelled, nil
	}
	if err != nil {
		return outcomeFailed, err
	}

	if err := o.transition(r, models.StatusAwaitingConfirmation); err != nil {
		return outcomeCancelled, nil
	}
	o.emit(r, models.RunEvent{
		Kind:   models.EventAwaitingConfirmation,
		Status: models.StatusAwaitingConfirmation,
		Stack:  stack,
	})

	decision, outcome, err := o.awaitConfirmation(r)
	if outcome != outcomeCompleted {
		return outcome, err
	}
	if decision == models.DecisionModify {
		declineErr := o.store.WithSession(r.sessionID, func(sess *models.Session) error {
			if err := models.ValidateTransition(sess.Status, models.StatusIdle); err != nil {
				return err
			}
			sess.Status = models.StatusIdle
			sess.AppendTurn("assistant", "Stack proposal declined. Send a revised request to continue.")
			return nil
		})
		if declineErr != nil {
			return outcomeCancelled, nil
		}
		o.emit(r, models.RunEvent{
			Kind:    models.EventStage,
			Status:  models.StatusIdle,
			Message: "stack declined, awaiting a revised request",
		})
		return outcomeDeclined, nil
	}

	if err := o.transition(r, models.StatusGenerating); err != nil {
		return outcomeCancelled, nil
	}

	files, outcome, err := o.consumeGeneration(r, reqs, stack)
	if outcome != outcomeCompleted {
		return outcome, err
	}

	report, outcome, err := o.validateAndRepair(r, &files)
	if outcome != outcomeCompleted {
		return outcome, err
	}

	if err := o.transition(r, models.StatusPreviewing); err != nil {
		return outcomeCancelled, nil
	}

	var diagnostics []string
	previewURL := ""
	if o.preview != nil {
		url, perr := o.preview.CreatePreview(ctx, files)
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		if perr != nil {
			o.log.Warn("preview provisioning failed",
				zap.String("run_id", r.id),
				zap.Error(perr))
			diagnostics = append(diagnostics, "preview unavailable")
		} else {
			previewURL = url
		}
	}

	if err := o.transition(r, models.StatusFinalized); err != nil {
		return outcomeCancelled, nil
	}

	name := reqs.ProjectName
	if name == "" {
		name = "generated-app"
	}
	project := &models.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: lastUserText(memory),
		Stack:       *stack,
		Files:       files.Clone(),
		PreviewURL:  previewURL,
		CreatedAt:   time.Now().UTC(),
	}

	result := Publish(project, Advise(files), report, diagnostics)

	completeErr := o.store.WithSession(r.sessionID, func(sess *models.Session) error {
		if err := models.ValidateTransition(sess.Status, models.StatusCompleted); err != nil {
			return err
		}
		sess.Status = models.StatusCompleted
		sess.ActiveProject = project
		sess.AppendTurn("assistant", fmt.Sprintf("Generated %q (%d files).", name, len(project.Files)))
		return nil
	})
	if completeErr != nil {
		// Session evicted mid-finalize; the result has no home.
		return outcomeCancelled, nil
	}

	o.emit(r, models.RunEvent{Kind: models.EventStage, Status: models.StatusCompleted})
	o.emit(r, models.RunEvent{Kind: models.EventResult, Status: models.StatusCompleted, Result: result})

	if o.archive != nil {
		go func() {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.archive.SaveProject(archiveCtx, r.sessionID, project); err != nil {
				o.log.Warn("project archival failed",
					zap.String("session_id", r.sessionID),
					zap.String("project_id", project.ID),
					zap.Error(err))
			}
		}()
	}

	return outcomeCompleted, nil
}

// awaitConfirmation blocks at the confirmation gate until a decision, the
// confirmation window elapsing, or cancellation.
func (o *Orchestrator) awaitConfirmation(r *run) (models.ConfirmDecision, runOutcome, error) {
	timer := time.NewTimer(o.confirmTimeout)
	defer timer.Stop()

	select {
	case d := <-r.decision:
		return d, outcomeCompleted, nil
	case <-timer.C:
		return "", outcomeFailed, &models.ConfirmationTimeoutError{Window: o.confirmTimeout}
	case <-r.ctx.Done():
		return "", outcomeCancelled, nil
	}
}

// consumeGeneration drains the engine's generation stream into a file map,
// re-emitting file and progress events to the run's own stream as they land.
func (o *Orchestrator) consumeGeneration(r *run, reqs *models.Requirements, stack *models.TechStack) (models.GenerationResult, runOutcome, error) {
	ctx := r.ctx

	stream, err := o.engine.GenerateStream(ctx, reqs, stack)
	if ctx.Err() != nil {
		return nil, outcomeCancelled, nil
	}
	if err != nil {
		return nil, outcomeFailed, err
	}

	files := models.GenerationResult{}
	for ev := range stream {
		if ev.Err != nil {
			return nil, outcomeFailed, ev.Err
		}
		switch ev.Kind {
		case "file":
			files[ev.Path] = ev.Content
			o.emit(r, models.RunEvent{
				Kind:    models.EventFile,
				Status:  models.StatusGenerating,
				Path:    ev.Path,
				Content: ev.Content,
			})
		case "progress":
			o.emit(r, models.RunEvent{
				Kind:    models.EventProgress,
				Status:  models.StatusGenerating,
				Message: ev.Message,
			})
		}
	}

	if ctx.Err() != nil {
		return nil, outcomeCancelled, nil
	}
	if len(files) == 0 {
		return nil, outcomeFailed, fmt.Errorf("generation stream produced no files")
	}
	return files, outcomeCompleted, nil
}

// validateAndRepair runs the validate/repair loop. The loop performs at most
// maxRepairAttempts repairs, so an always-failing validator is consulted
// exactly maxRepairAttempts+1 times before the run fails.
func (o *Orchestrator) validateAndRepair(r *run, files *models.GenerationResult) (*models.ValidationReport, runOutcome, error) {
	ctx := r.ctx
	attempts := 0

	for {
		if err := o.transition(r, models.StatusValidating); err != nil {
			return nil, outcomeCancelled, nil
		}

		report, err := o.engine.Validate(ctx, *files)
		if ctx.Err() != nil {
			return nil, outcomeCancelled, nil
		}
		if err != nil {
			return nil, outcomeFailed, err
		}
		if report.Valid {
			return report, outcomeCompleted, nil
		}

		if attempts >= o.maxRepairAttempts {
			return nil, outcomeFailed, &models.ValidationExhaustedError{
				Attempts:   attempts,
				LastReport: *report,
			}
		}
		attempts++
		if o.rm != nil {
			o.rm.RecordRepairAttempt(ctx, r.sessionID, attempts)
		}

		if err := o.transition(r, models.StatusRepairing); err != nil {
			return nil, outcomeCancelled, nil
		}
		o.emit(r, models.RunEvent{
			Kind:    models.EventProgress,
			Status:  models.StatusRepairing,
			Message: fmt.Sprintf("repair attempt %d of %d", attempts, o.maxRepairAttempts),
		})

		repaired, err := o.engine.Repair(ctx, *files, report.Errors)
		if ctx.Err() != nil {
			return nil, outcomeCancelled, nil
		}
		if err != nil {
			return nil, outcomeFailed, err
		}
		*files = repaired
	}
}

// finish records the outcome, updates session state for abnormal endings,
// and tears the run down. After finish the session can accept a new
// submission.
func (o *Orchestrator) finish(r *run, outcome runOutcome, runErr error) {
	ctx := context.Background()
	duration := time.Since(r.startedAt)

	switch outcome {
	case outcomeCompleted:
		o.log.Info("run completed",
			zap.String("session_id", r.sessionID),
			zap.String("run_id", r.id),
			zap.Duration("duration", duration))
		if o.rm != nil {
			o.rm.RecordRunCompleted(ctx, r.sessionID, string(r.tier), duration)
		}

	case outcomeDeclined:
		o.log.Info("run ended at confirmation gate",
			zap.String("session_id", r.sessionID),
			zap.String("run_id", r.id))
		if o.rm != nil {
			o.rm.RecordRunDeclined(ctx, r.sessionID, string(r.tier), duration)
		}

	case outcomeFailed:
		o.setTerminalStatus(r, models.StatusFailed, runErr)
		o.emit(r, models.RunEvent{
			Kind:    models.EventError,
			Status:  models.StatusFailed,
			Message: runErr.Error(),
			Code:    errorCode(runErr),
		})
		o.log.Error("run failed",
			zap.String("session_id", r.sessionID),
			zap.String("run_id", r.id),
			zap.String("error_code", errorCode(runErr)),
			zap.Error(runErr))
		if o.rm != nil {
			o.rm.RecordRunFailed(ctx, r.sessionID, string(r.tier), errorCode(runErr), duration)
		}

	case outcomeCancelled:
		o.setTerminalStatus(r, models.StatusCancelled, nil)
		o.emit(r, models.RunEvent{
			Kind:    models.EventStage,
			Status:  models.StatusCancelled,
			Message: "run cancelled",
		})
		o.log.Info("run cancelled",
			zap.String("session_id", r.sessionID),
			zap.String("run_id", r.id),
			zap.Duration("duration", duration))
		if o.rm != nil {
			o.rm.RecordRunCancelled(ctx, r.sessionID, string(r.tier), duration)
		}
	}

	if entry, err := o.store.get(r.sessionID); err == nil {
		entry.mu.Lock()
		if entry.run == r {
			entry.run = nil
		}
		entry.mu.Unlock()
	}

	r.cancel()
	close(r.events)
	close(r.done)
	o.runs.Delete(r.id)
}

// transition validates and applies a status change, then emits a stage event.
// A failure means the session disappeared underneath the run.
func (o *Orchestrator) transition(r *run, next models.RunStatus) error {
	err := o.store.WithSession(r.sessionID, func(sess *models.Session) error {
		if err := models.ValidateTransition(sess.Status, next); err != nil {
			return err
		}
		sess.Status = next
		return nil
	})
	if err != nil {
		return err
	}
	o.emit(r, models.RunEvent{Kind: models.EventStage, Status: next})
	return nil
}

// setTerminalStatus force-moves the session to a terminal outcome, recording
// the failure in conversation memory when there is one.
func (o *Orchestrator) setTerminalStatus(r *run, status models.RunStatus, runErr error) {
	err := o.store.WithSession(r.sessionID, func(sess *models.Session) error {
		if sess.Status.IsTerminal() {
			return nil
		}
		sess.Status = status
		if runErr != nil {
			sess.AppendTurn("assistant", "Run failed: "+runErr.Error())
		}
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
		o.log.Warn("failed to record terminal status",
			zap.String("session_id", r.sessionID),
			zap.String("run_id", r.id),
			zap.Error(err))
	}
}

// emit pushes an event onto the run's stream without blocking the pipeline.
// A full buffer drops the event; the durable result always lands on the
// session itself.
func (o *Orchestrator) emit(r *run, ev models.RunEvent) {
	ev.RunID = r.id
	ev.Timestamp = time.Now().UTC()
	select {
	case r.events <- ev:
	default:
		o.log.Debug("dropping run event, stream buffer full",
			zap.String("run_id", r.id),
			zap.String("kind", string(ev.Kind)))
	}
}

// composeAnalysisInput flattens recent conversation turns into one analysis
// prompt so follow-up requests carry their context.
func composeAnalysisInput(memory []models.Turn) string {
	const maxTurns = 10
	start := 0
	if len(memory) > maxTurns {
		start = len(memory) - maxTurns
	}

	var b strings.Builder
	for _, turn := range memory[start:] {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func lastUserText(memory []models.Turn) string {
	for i := len(memory) - 1; i >= 0; i-- {
		if memory[i].Role == "user" {
			return memory[i].Text
		}
	}
	return ""
}

func errorCode(err error) string {
	var (
		extraction *models.ExtractionError
		stackSel   *models.StackSelectionError
		exhausted  *models.ValidationExhaustedError
		confirm    *models.ConfirmationTimeoutError
	)
	switch {
	case errors.As(err, &extraction):
		return models.ErrCodeExtractionFailed
	case errors.As(err, &stackSel):
		return models.ErrCodeStackSelection
	case errors.As(err, &exhausted):
		return models.ErrCodeValidationExhausted
	case errors.As(err, &confirm):
		return models.ErrCodeConfirmTimeout
	default:
		return models.ErrCodeInternalError
	}
}
