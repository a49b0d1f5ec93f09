// File: internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

var (
	// ErrTaskRunning is returned when StartTask is called while a task is
	// already in flight. The second call is never queued.
	ErrTaskRunning = errors.New("a task is already running")

	// ErrNotConfigured is returned when the runner is missing its device
	// or analyzer collaborator.
	ErrNotConfigured = errors.New("runner is not fully configured")

	// ErrEmptyInstruction is returned for a blank task instruction.
	ErrEmptyInstruction = errors.New("task instruction is empty")
)

// TaskStatus describes the lifecycle state of the current task run.
type TaskStatus string

const (
	StatusIdle    TaskStatus = "IDLE"
	StatusRunning TaskStatus = "RUNNING"
	StatusPaused  TaskStatus = "PAUSED"
	StatusError   TaskStatus = "ERROR"
)

// DeviceController is the surface of the device-action collaborator the
// loop depends on. Coordinates passed here are device pixels; the runner
// performs the normalized-to-pixel conversion before calling.
type DeviceController interface {
	ScreenSize(ctx context.Context) (width, height int, err error)
	Screenshot(ctx context.Context) ([]byte, error)
	Tap(ctx context.Context, x, y int) error
	DoubleTap(ctx context.Context, x, y int) error
	LongPress(ctx context.Context, x, y int, d time.Duration) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error
	InputText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	LaunchApp(ctx context.Context, appName string) error
}

// AnalyzeRequest carries everything the AI collaborator needs for one
// decision round trip.
type AnalyzeRequest struct {
	Instruction string
	Screenshot  []byte
	ScreenW     int
	ScreenH     int
	History     []string
}

// Analyzer is the AI collaborator boundary: one screenshot plus context in,
// one parsed decision out.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)
}

// Runner drives a task step by step: screenshot, analyze, execute, record,
// repeat until the model reports completion or the step budget runs out.
// Exactly one task may run per Runner instance.
type Runner struct {
	logger   *zap.Logger
	cfg      config.AgentConfig
	device   DeviceController
	analyzer Analyzer
	bus      *EventBus

	mu          sync.Mutex
	status      TaskStatus
	taskID      string
	instruction string
	step        int
	history     []string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRunner creates an execution loop bound to its collaborators.
func NewRunner(logger *zap.Logger, cfg config.AgentConfig, device DeviceController, analyzer Analyzer, bus *EventBus) *Runner {
	return &Runner{
		logger:   logger.Named("runner"),
		cfg:      cfg,
		device:   device,
		analyzer: analyzer,
		bus:      bus,
		status:   StatusIdle,
	}
}

// Bus exposes the event stream for observers.
func (r *Runner) Bus() *EventBus { return r.bus }

// Status returns the current task lifecycle state.
func (r *Runner) Status() TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Step returns the number of steps consumed by the current or last run.
func (r *Runner) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// History returns a copy of the display-facing action history.
func (r *Runner) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.history))
	copy(out, r.history)
	return out
}

// StartTask begins executing a task instruction. It returns ErrTaskRunning
// (and emits a warning event) if a task is already in flight; the call is
// never queued. Setup failures surface here, before the loop starts.
func (r *Runner) StartTask(ctx context.Context, instruction string) error {
	if r.device == nil || r.analyzer == nil {
		return ErrNotConfigured
	}
	if len(instruction) == 0 {
		return ErrEmptyInstruction
	}

	r.mu.Lock()
	if r.status == StatusRunning {
		taskID := r.taskID
		r.mu.Unlock()
		r.bus.Publish(Event{
			Type:    EventWarning,
			TaskID:  taskID,
			Message: "task already running, ignoring new instruction",
		})
		return ErrTaskRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.status = StatusRunning
	r.taskID = uuid.NewString()
	r.instruction = instruction
	r.step = 0
	r.history = nil
	r.cancel = cancel
	r.done = make(chan struct{})
	taskID := r.taskID
	done := r.done
	r.mu.Unlock()

	r.logger.Info("Task starting",
		zap.String("task_id", taskID),
		zap.String("instruction", instruction))

	go func() {
		defer close(done)
		defer cancel()
		r.runLoop(runCtx, taskID, instruction)
	}()
	return nil
}

// Done returns a channel closed when the current run's loop exits. With no
// run in flight the channel is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

// StopTask cancels the in-flight run cooperatively and waits for the loop
// to observe the cancellation. Stopping an idle runner is a no-op.
func (r *Runner) StopTask() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// runLoop is the per-task step loop. It owns the step counter and history
// for the duration of the run and resets the runner to idle on exit unless
// the run paused for human intervention.
func (r *Runner) runLoop(ctx context.Context, taskID, instruction string) {
	paused := false
	defer func() {
		r.mu.Lock()
		if paused {
			r.status = StatusPaused
		} else {
			r.status = StatusIdle
		}
		r.cancel = nil
		r.mu.Unlock()
	}()

	screenW, screenH, err := r.device.ScreenSize(ctx)
	if err != nil {
		r.logger.Error("Cannot determine screen size, aborting task", zap.Error(err))
		r.bus.Publish(Event{Type: EventError, TaskID: taskID, Message: fmt.Sprintf("screen size unavailable: %v", err)})
		return
	}

	r.bus.Publish(Event{Type: EventTaskStarted, TaskID: taskID, Message: instruction})

	done := false
	for !done && r.Step() < r.cfg.MaxSteps {
		// Cooperative cancellation, checked between iterations only.
		// In-flight device or AI calls finish naturally first.
		if ctx.Err() != nil {
			r.logger.Info("Task cancelled", zap.String("task_id", taskID))
			r.bus.Publish(Event{Type: EventTaskCancelled, TaskID: taskID})
			return
		}

		step := r.nextStep()
		r.bus.Publish(Event{Type: EventStepStarted, TaskID: taskID, Step: step})

		shot, err := r.device.Screenshot(ctx)
		if err != nil {
			// Retries share the step budget; there is no dedicated
			// retry counter for a persistently failing channel.
			r.logger.Error("Screenshot failed", zap.Int("step", step), zap.Error(err))
			r.bus.Publish(Event{Type: EventError, TaskID: taskID, Step: step, Message: fmt.Sprintf("screenshot failed: %v", err)})
			sleepCtx(ctx, r.cfg.ScreenshotRetry)
			continue
		}
		r.bus.Publish(Event{Type: EventScreenshotCaptured, TaskID: taskID, Step: step, Image: shot})

		result, err := r.analyzer.Analyze(ctx, AnalyzeRequest{
			Instruction: instruction,
			Screenshot:  shot,
			ScreenW:     screenW,
			ScreenH:     screenH,
			History:     r.recentHistory(),
		})
		if err != nil {
			r.logger.Error("AI analysis failed", zap.Int("step", step), zap.Error(err))
			r.bus.Publish(Event{Type: EventError, TaskID: taskID, Step: step, Message: fmt.Sprintf("analysis failed: %v", err)})
			sleepCtx(ctx, r.cfg.AnalyzeRetry)
			continue
		}

		action := result.Action
		r.bus.Publish(Event{Type: EventActionParsed, TaskID: taskID, Step: step, Action: &action})
		if result.Thought != "" {
			r.bus.Publish(Event{Type: EventThought, TaskID: taskID, Step: step, Message: result.Thought})
		}

		ok := r.dispatch(ctx, action, screenW, screenH)
		r.recordOutcome(action, ok)

		switch {
		case action.IsTerminal():
			done = true
			r.logger.Info("Task completed", zap.String("task_id", taskID), zap.Int("steps", step), zap.String("message", action.Message))
			r.bus.Publish(Event{Type: EventTaskCompleted, TaskID: taskID, Step: step, Message: action.Message})
		case action.NeedsHuman():
			paused = true
			r.logger.Warn("Task paused for human intervention", zap.String("task_id", taskID), zap.String("reason", action.Describe()))
			r.bus.Publish(Event{Type: EventTaskPaused, TaskID: taskID, Step: step, Message: action.Message})
			return
		case action.Type == ActionError:
			// Recoverable per-step failure. The model may correct
			// itself on the next screenshot.
			r.bus.Publish(Event{Type: EventError, TaskID: taskID, Step: step, Message: action.Message})
		}

		if !done {
			sleepCtx(ctx, r.cfg.StepDelay)
		}
	}

	if !done {
		r.logger.Warn("Step budget exhausted before completion",
			zap.String("task_id", taskID),
			zap.Int("max_steps", r.cfg.MaxSteps))
		r.bus.Publish(Event{
			Type:    EventWarning,
			TaskID:  taskID,
			Step:    r.Step(),
			Message: fmt.Sprintf("reached step limit (%d) without completing the task", r.cfg.MaxSteps),
		})
	}
}

func (r *Runner) nextStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step++
	return r.step
}

// recordOutcome appends "<description>: success|failed" to the history,
// bounded to the display window.
func (r *Runner) recordOutcome(action Action, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	entry := fmt.Sprintf("%s: %s", action.Describe(), outcome)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entry)
	if max := r.cfg.DisplayHistory; max > 0 && len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}

// recentHistory returns the AI-context window of the action history.
func (r *Runner) recentHistory() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.cfg.ContextHistory
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]string, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
