// File: internal/voice/arbiter_test.go
package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

// fakeRecognizer hands the installed handler back to the test so it can
// inject recognition events directly.
type fakeRecognizer struct {
	mu         sync.Mutex
	continuous Handler
	singleShot Handler
	stops      int
	failStart  error
}

func (r *fakeRecognizer) StartContinuous(fn Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart != nil {
		return r.failStart
	}
	r.continuous = fn
	r.singleShot = nil
	return nil
}

func (r *fakeRecognizer) StartSingleShot(fn Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart != nil {
		return r.failStart
	}
	r.singleShot = fn
	r.continuous = nil
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.continuous = nil
	r.singleShot = nil
}

func (r *fakeRecognizer) hear(text string) {
	r.mu.Lock()
	fn := r.continuous
	r.mu.Unlock()
	if fn != nil {
		fn(Recognition{Text: text, Final: true})
	}
}

func (r *fakeRecognizer) command(rec Recognition) {
	r.mu.Lock()
	fn := r.singleShot
	r.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

func (r *fakeRecognizer) capturing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.singleShot != nil
}

// fakeStarter records task submissions.
type fakeStarter struct {
	mu           sync.Mutex
	instructions []string
	err          error
}

func (s *fakeStarter) StartTask(_ context.Context, instruction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.instructions = append(s.instructions, instruction)
	return nil
}

func (s *fakeStarter) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.instructions))
	copy(out, s.instructions)
	return out
}

func testVoiceConfig() config.VoiceConfig {
	return config.VoiceConfig{
		WakeWords:         []string{"hey agent"},
		Cooldown:          200 * time.Millisecond,
		CommandTimeout:    500 * time.Millisecond,
		BufferResetPeriod: time.Hour, // inert for tests
		SettleDelay:       time.Millisecond,
		ResumeDelay:       time.Millisecond,
	}
}

func setupArbiter(t *testing.T, cfg config.VoiceConfig) (*Arbiter, *fakeRecognizer, *fakeStarter) {
	t.Helper()
	rec := &fakeRecognizer{}
	starter := &fakeStarter{}
	a := NewArbiter(zaptest.NewLogger(t), cfg, rec, NopWakeLock{}, NopFeedback{}, starter)
	t.Cleanup(a.Stop)
	return a, rec, starter
}

func waitForMode(t *testing.T, a *Arbiter, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Mode() == mode }, 2*time.Second, time.Millisecond,
		"expected mode %s, still %s", mode, a.Mode())
}

func drainEvents(a *Arbiter) []Event {
	var out []Event
	for {
		select {
		case ev := <-a.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// -- Lifecycle --

func TestArbiter_StartStop(t *testing.T) {
	a, rec, _ := setupArbiter(t, testVoiceConfig())

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, ModeWaitingWakeWord, a.Mode())
	assert.Equal(t, ErrAlreadyStarted, a.Start(context.Background()))

	a.Stop()
	assert.Equal(t, ModeDisabled, a.Mode())

	// Stopping again is a no-op; recognition events after stop are inert.
	a.Stop()
	rec.hear("hey agent")
	assert.Equal(t, ModeDisabled, a.Mode())
}

func TestArbiter_WakeLockFailureAbortsStart(t *testing.T) {
	rec := &fakeRecognizer{}
	lock := &failingLock{err: errors.New("no lock for you")}
	a := NewArbiter(zaptest.NewLogger(t), testVoiceConfig(), rec, lock, NopFeedback{}, &fakeStarter{})

	err := a.Start(context.Background())
	assert.ErrorContains(t, err, "no lock for you")
	assert.Equal(t, ModeDisabled, a.Mode())
}

type failingLock struct{ err error }

func (l *failingLock) Acquire() error { return l.err }
func (l *failingLock) Release()       {}

// -- Wake word detection --

func TestArbiter_WakeWordTriggersCommandCapture(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("ok so hey agent please")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)

	rec.command(Recognition{Text: "open settings", Final: true})
	require.Eventually(t, func() bool { return len(starter.started()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"open settings"}, starter.started())
	assert.Equal(t, ModeExecuting, a.Mode())
}

func TestArbiter_WakeWordSplitAcrossCallbacks(t *testing.T) {
	a, rec, _ := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey ")
	assert.Equal(t, ModeWaitingWakeWord, a.Mode(), "half a wake word must not activate")
	rec.hear("agent")
	waitForMode(t, a, ModeListeningCommand)
}

func TestArbiter_CaseAndWhitespaceInsensitive(t *testing.T) {
	a, rec, _ := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("HEY   AGENT")
	waitForMode(t, a, ModeListeningCommand)
}

func TestArbiter_UnrelatedSpeechIgnored(t *testing.T) {
	a, rec, _ := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("what a lovely day")
	rec.hear("anyway, as I was saying")
	assert.Equal(t, ModeWaitingWakeWord, a.Mode())
}

// -- Cooldown --

func TestArbiter_CooldownAllowsSingleActivation(t *testing.T) {
	cfg := testVoiceConfig()
	cfg.Cooldown = time.Hour
	a, rec, _ := setupArbiter(t, cfg)
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)

	// Abort capture so the arbiter returns to wake-word mode with the
	// cooldown window still open.
	rec.command(Recognition{Err: errors.New("mic glitch")})
	waitForMode(t, a, ModeWaitingWakeWord)

	rec.hear("hey agent")
	assert.Equal(t, ModeWaitingWakeWord, a.Mode(), "a second activation inside the cooldown window is ignored")
}

// -- Command capture --

func TestArbiter_CommandTimeout_ExactlyOneEvent(t *testing.T) {
	cfg := testVoiceConfig()
	cfg.CommandTimeout = 30 * time.Millisecond
	a, rec, starter := setupArbiter(t, cfg)
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)

	// Say nothing; the window elapses.
	waitForMode(t, a, ModeWaitingWakeWord)
	time.Sleep(100 * time.Millisecond)

	timeouts := 0
	for _, ev := range drainEvents(a) {
		if ev.Kind == EventTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts, "a timed-out capture emits exactly one timeout event")
	assert.Empty(t, starter.started())
}

func TestArbiter_PartialResultsKeepListening(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)

	rec.command(Recognition{Text: "open", Final: false})
	assert.Equal(t, ModeListeningCommand, a.Mode())
	assert.Empty(t, starter.started())

	rec.command(Recognition{Text: "open settings", Final: true})
	require.Eventually(t, func() bool { return len(starter.started()) == 1 }, time.Second, time.Millisecond)
}

func TestArbiter_RejectedTaskReturnsToWakeWord(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())
	starter.err = errors.New("a task is already running")
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)

	rec.command(Recognition{Text: "do the thing", Final: true})
	waitForMode(t, a, ModeWaitingWakeWord)

	var errored bool
	for _, ev := range drainEvents(a) {
		if ev.Kind == EventErrored {
			errored = true
		}
	}
	assert.True(t, errored)
}

// -- Manual trigger --

func TestArbiter_TriggerManual(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())

	assert.ErrorIs(t, a.TriggerManual(), ErrDisabled)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.TriggerManual())
	waitForMode(t, a, ModeListeningCommand)

	// A second trigger while capturing is rejected.
	assert.ErrorIs(t, a.TriggerManual(), ErrBusy)

	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)
	rec.command(Recognition{Text: "check my mail", Final: true})
	require.Eventually(t, func() bool { return len(starter.started()) == 1 }, time.Second, time.Millisecond)
}

// -- Task lifecycle coordination --

func TestArbiter_ResumesAfterTaskCompletes(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)
	rec.command(Recognition{Text: "open settings", Final: true})
	require.Eventually(t, func() bool { return len(starter.started()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ModeExecuting, a.Mode())

	a.NotifyTaskCompleted()
	waitForMode(t, a, ModeWaitingWakeWord)

	var resumed bool
	for _, ev := range drainEvents(a) {
		if ev.Kind == EventResumed {
			resumed = true
		}
	}
	assert.True(t, resumed)
}

func TestArbiter_NotifyWhileDisabledDoesNothing(t *testing.T) {
	a, _, _ := setupArbiter(t, testVoiceConfig())

	a.NotifyTaskStarted()
	a.NotifyTaskCompleted()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ModeDisabled, a.Mode())
}

func TestArbiter_StopWhileProcessingCommandStaysStopped(t *testing.T) {
	a, rec, starter := setupArbiter(t, testVoiceConfig())
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey agent")
	waitForMode(t, a, ModeListeningCommand)
	require.Eventually(t, rec.capturing, time.Second, time.Millisecond)

	// Reproduce the window where the lock is dropped between accepting a
	// final result and committing to execution.
	a.mu.Lock()
	a.mode = ModeProcessingCommand
	a.mu.Unlock()

	a.Stop()

	assert.False(t, a.markExecuting(), "a stopped arbiter must not re-enter execution")
	assert.Equal(t, ModeDisabled, a.Mode())
	assert.Empty(t, starter.started())
}

func TestArbiter_StopDuringResumeDelaySuppressesResume(t *testing.T) {
	cfg := testVoiceConfig()
	cfg.ResumeDelay = 50 * time.Millisecond
	a, _, _ := setupArbiter(t, cfg)
	require.NoError(t, a.Start(context.Background()))

	a.NotifyTaskStarted()
	a.NotifyTaskCompleted()
	a.Stop()

	time.Sleep(100 * time.Millisecond)
	for _, ev := range drainEvents(a) {
		assert.NotEqual(t, EventResumed, ev.Kind, "stopped arbiter must stay silent")
	}
	assert.Equal(t, ModeDisabled, a.Mode())
}

// -- Buffer reset --

func TestArbiter_BufferResetDropsStaleFragments(t *testing.T) {
	cfg := testVoiceConfig()
	cfg.BufferResetPeriod = 20 * time.Millisecond
	a, rec, _ := setupArbiter(t, cfg)
	require.NoError(t, a.Start(context.Background()))

	rec.hear("hey ")
	time.Sleep(80 * time.Millisecond) // several reset periods pass
	rec.hear("agent")
	assert.Equal(t, ModeWaitingWakeWord, a.Mode(),
		"fragments separated by more than the reset period must not combine")
}

func TestNormalizePhrase(t *testing.T) {
	assert.Equal(t, "heyagent", normalizePhrase("  Hey   AGENT "))
	assert.Equal(t, "", normalizePhrase("   "))
}
