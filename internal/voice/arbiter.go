// File: internal/voice/arbiter.go
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

var (
	// ErrDisabled is returned for operations on a stopped arbiter.
	ErrDisabled = errors.New("voice control is disabled")

	// ErrBusy is returned when a manual trigger arrives while a command
	// is already being captured or processed.
	ErrBusy = errors.New("voice control is busy capturing a command")

	// ErrAlreadyStarted is returned by Start on a running arbiter.
	ErrAlreadyStarted = errors.New("voice control already started")
)

// Mode is the arbiter's position in its listening state machine.
type Mode string

const (
	ModeDisabled          Mode = "DISABLED"
	ModeWaitingWakeWord   Mode = "WAITING_WAKE_WORD"
	ModeListeningCommand  Mode = "LISTENING_COMMAND"
	ModeProcessingCommand Mode = "PROCESSING_COMMAND"
	ModeExecuting         Mode = "EXECUTING"
)

// EventKind categorizes arbiter notifications for observers.
type EventKind string

const (
	EventActivated EventKind = "ACTIVATED"
	EventCommand   EventKind = "COMMAND"
	EventTimeout   EventKind = "TIMEOUT"
	EventErrored   EventKind = "ERROR"
	EventResumed   EventKind = "RESUMED"
	EventStopped   EventKind = "STOPPED"
)

// Event is a fire-and-forget arbiter notification.
type Event struct {
	Kind    EventKind
	Message string
}

// TaskStarter is the execution-loop entry point the arbiter hands
// recognized commands to.
type TaskStarter interface {
	StartTask(ctx context.Context, instruction string) error
}

// Arbiter owns the single recognition resource and arbitrates it between
// passive wake-word listening and active command capture. Wake-word text
// accumulates in a rolling buffer that resets periodically, so a wake
// phrase split across recognizer callbacks still matches. Activation is
// rate limited to one per cooldown window.
type Arbiter struct {
	logger   *zap.Logger
	cfg      config.VoiceConfig
	rec      Recognizer
	lock     WakeLock
	feedback Feedback
	starter  TaskStarter

	mu            sync.Mutex
	mode          Mode
	buffer        string
	taskExecuting bool
	cooldown      *rate.Limiter
	cmdTimer      *time.Timer
	resetStop     chan struct{}
	ctx           context.Context

	events chan Event
}

// NewArbiter wires the voice pipeline. The recognizer is the shared
// microphone resource; nothing else in the process may touch it.
func NewArbiter(logger *zap.Logger, cfg config.VoiceConfig, rec Recognizer, lock WakeLock, feedback Feedback, starter TaskStarter) *Arbiter {
	return &Arbiter{
		logger:   logger.Named("voice"),
		cfg:      cfg,
		rec:      rec,
		lock:     lock,
		feedback: feedback,
		starter:  starter,
		mode:     ModeDisabled,
		cooldown: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		events:   make(chan Event, 16),
	}
}

// Events exposes arbiter notifications. Consumers that fall behind lose
// events rather than blocking the pipeline.
func (a *Arbiter) Events() <-chan Event { return a.events }

// Mode returns the current state.
func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Arbiter) emit(kind EventKind, msg string) {
	select {
	case a.events <- Event{Kind: kind, Message: msg}:
	default:
		a.logger.Warn("Dropping voice event for slow consumer", zap.String("kind", string(kind)))
	}
}

// Start transitions Disabled -> WaitingWakeWord: acquires the wake lock,
// begins continuous recognition and starts the periodic buffer reset.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.mode != ModeDisabled {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := a.lock.Acquire(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("acquire wake lock: %w", err)
	}
	a.mode = ModeWaitingWakeWord
	a.buffer = ""
	a.ctx = ctx
	a.resetStop = make(chan struct{})
	resetStop := a.resetStop
	a.mu.Unlock()

	go a.bufferResetLoop(resetStop)

	if err := a.rec.StartContinuous(a.onWakeText); err != nil {
		a.Stop()
		return fmt.Errorf("start continuous recognition: %w", err)
	}
	a.logger.Info("Voice control enabled", zap.Strings("wake_words", a.cfg.WakeWords))
	return nil
}

// Stop transitions any state -> Disabled: stops recognition, cancels
// timers and releases the wake lock.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if a.mode == ModeDisabled {
		a.mu.Unlock()
		return
	}
	a.mode = ModeDisabled
	a.buffer = ""
	if a.cmdTimer != nil {
		a.cmdTimer.Stop()
		a.cmdTimer = nil
	}
	if a.resetStop != nil {
		close(a.resetStop)
		a.resetStop = nil
	}
	a.mu.Unlock()

	a.rec.Stop()
	a.lock.Release()
	a.emit(EventStopped, "")
	a.logger.Info("Voice control disabled")
}

// TriggerManual skips wake-word detection and goes straight to command
// capture. Rejected when disabled or already capturing.
func (a *Arbiter) TriggerManual() error {
	a.mu.Lock()
	switch a.mode {
	case ModeDisabled:
		a.mu.Unlock()
		return ErrDisabled
	case ModeListeningCommand, ModeProcessingCommand:
		a.mu.Unlock()
		return ErrBusy
	}
	a.mode = ModeListeningCommand
	a.mu.Unlock()

	go a.beginCommandCapture()
	return nil
}

// bufferResetLoop clears the wake-word accumulation buffer on a fixed
// period, bounding how far apart the parts of a split wake phrase may be.
func (a *Arbiter) bufferResetLoop(stop chan struct{}) {
	ticker := time.NewTicker(a.cfg.BufferResetPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			a.buffer = ""
			a.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// onWakeText receives continuous-recognition events while waiting for a
// wake word. Engine errors in this mode are swallowed; the recognizer
// retries on its own.
func (a *Arbiter) onWakeText(rec Recognition) {
	if rec.Err != nil {
		a.logger.Debug("Transient wake-word recognition error", zap.Error(rec.Err))
		return
	}

	a.mu.Lock()
	if a.mode != ModeWaitingWakeWord {
		a.mu.Unlock()
		return
	}
	a.buffer += rec.Text
	matched := a.matchWakeWordLocked()
	if !matched {
		a.mu.Unlock()
		return
	}
	if !a.cooldown.Allow() {
		// Within the cooldown window; only the first match activates.
		a.mu.Unlock()
		a.logger.Debug("Wake word matched during cooldown, ignoring")
		return
	}
	a.mode = ModeListeningCommand
	a.buffer = ""
	a.mu.Unlock()

	a.logger.Info("Wake word detected")
	go a.beginCommandCapture()
}

// matchWakeWordLocked checks the rolling buffer for any configured wake
// word, case-insensitive and whitespace-stripped. Caller holds the lock.
func (a *Arbiter) matchWakeWordLocked() bool {
	haystack := normalizePhrase(a.buffer)
	for _, w := range a.cfg.WakeWords {
		if needle := normalizePhrase(w); needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func normalizePhrase(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// beginCommandCapture switches the shared recognition resource from
// wake-word mode to single-shot command capture.
func (a *Arbiter) beginCommandCapture() {
	a.rec.Stop()

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	a.feedback.Activated(ctx)
	a.emit(EventActivated, "")
	time.Sleep(a.cfg.SettleDelay)

	a.mu.Lock()
	if a.mode != ModeListeningCommand {
		// Stopped or preempted during the settle delay.
		a.mu.Unlock()
		return
	}
	a.cmdTimer = time.AfterFunc(a.cfg.CommandTimeout, a.onCommandTimeout)
	a.mu.Unlock()

	if err := a.rec.StartSingleShot(a.onCommandResult); err != nil {
		a.logger.Error("Cannot start command capture", zap.Error(err))
		a.emit(EventErrored, err.Error())
		a.returnToWakeWord()
	}
}

// onCommandTimeout fires when no final result arrived within the command
// window.
func (a *Arbiter) onCommandTimeout() {
	a.mu.Lock()
	if a.mode != ModeListeningCommand {
		a.mu.Unlock()
		return
	}
	a.cmdTimer = nil
	a.mu.Unlock()

	a.rec.Stop()
	a.logger.Warn("Command listening timed out")
	a.emit(EventTimeout, "")
	a.returnToWakeWord()
}

// onCommandResult receives the single-shot capture outcome.
func (a *Arbiter) onCommandResult(rec Recognition) {
	a.mu.Lock()
	if a.mode != ModeListeningCommand {
		a.mu.Unlock()
		return
	}
	if a.cmdTimer != nil {
		a.cmdTimer.Stop()
		a.cmdTimer = nil
	}

	if rec.Err != nil {
		executing := a.taskExecuting
		a.mu.Unlock()
		a.logger.Error("Command recognition failed", zap.Error(rec.Err))
		a.emit(EventErrored, rec.Err.Error())
		if !executing {
			a.returnToWakeWord()
		}
		return
	}
	if !rec.Final {
		// Partial result, keep listening with a fresh timeout window.
		a.cmdTimer = time.AfterFunc(a.cfg.CommandTimeout, a.onCommandTimeout)
		a.mu.Unlock()
		return
	}

	a.mode = ModeProcessingCommand
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	command := strings.TrimSpace(rec.Text)
	a.logger.Info("Voice command captured", zap.String("command", command))
	a.emit(EventCommand, command)

	if !a.markExecuting() {
		return
	}

	if err := a.starter.StartTask(ctx, command); err != nil {
		a.logger.Error("Voice command rejected by task runner", zap.Error(err))
		a.emit(EventErrored, err.Error())
		a.mu.Lock()
		a.taskExecuting = false
		a.mu.Unlock()
		a.returnToWakeWord()
	}
}

// markExecuting transitions into task execution unless voice control was
// disabled while the command was being processed. The lock is dropped
// around the command event emission, so the mode has to be re-checked
// here before the arbiter commits to running a task.
func (a *Arbiter) markExecuting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == ModeDisabled {
		return false
	}
	a.mode = ModeExecuting
	a.taskExecuting = true
	return true
}

// NotifyTaskStarted suspends wake-word detection while the execution loop
// owns the device. Fed from the runner's event stream.
func (a *Arbiter) NotifyTaskStarted() {
	a.mu.Lock()
	a.taskExecuting = true
	if a.mode != ModeDisabled {
		a.mode = ModeExecuting
	}
	a.mu.Unlock()
}

// NotifyTaskCompleted resumes wake-word listening after a short delay, so
// the task's own completion sound is not misheard as input.
func (a *Arbiter) NotifyTaskCompleted() {
	a.mu.Lock()
	a.taskExecuting = false
	enabled := a.mode != ModeDisabled
	a.mu.Unlock()
	if !enabled {
		return
	}

	time.AfterFunc(a.cfg.ResumeDelay, func() {
		if a.returnToWakeWord() {
			a.emit(EventResumed, "")
		}
	})
}

// returnToWakeWord re-enters passive listening unless voice control has
// been disabled meanwhile. Reports whether listening actually resumed.
func (a *Arbiter) returnToWakeWord() bool {
	a.mu.Lock()
	if a.mode == ModeDisabled {
		a.mu.Unlock()
		return false
	}
	a.mode = ModeWaitingWakeWord
	a.buffer = ""
	a.mu.Unlock()

	a.rec.Stop()
	if err := a.rec.StartContinuous(a.onWakeText); err != nil {
		a.logger.Error("Cannot resume wake-word listening", zap.Error(err))
		a.emit(EventErrored, err.Error())
	}
	return true
}
