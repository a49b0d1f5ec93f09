// File: internal/agent/loop_test.go
package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

// -- Fakes --

// fakeDevice records calls and can be scripted to fail selectively.
type fakeDevice struct {
	mu sync.Mutex

	screenErr      error
	screenshotErrs []error // consumed one per call, nil entries succeed
	taps           [][2]int
	swipes         [][4]int
	texts          []string
	keys           []string
	apps           []string
	screenshots    int
}

func (d *fakeDevice) ScreenSize(context.Context) (int, int, error) {
	if d.screenErr != nil {
		return 0, 0, d.screenErr
	}
	return 1080, 2400, nil
}

func (d *fakeDevice) Screenshot(context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenshots++
	if len(d.screenshotErrs) > 0 {
		err := d.screenshotErrs[0]
		d.screenshotErrs = d.screenshotErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return []byte("png"), nil
}

func (d *fakeDevice) Tap(_ context.Context, x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps = append(d.taps, [2]int{x, y})
	return nil
}

func (d *fakeDevice) DoubleTap(ctx context.Context, x, y int) error { return d.Tap(ctx, x, y) }

func (d *fakeDevice) LongPress(ctx context.Context, x, y int, _ time.Duration) error {
	return d.Tap(ctx, x, y)
}

func (d *fakeDevice) Swipe(_ context.Context, x1, y1, x2, y2 int, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.swipes = append(d.swipes, [4]int{x1, y1, x2, y2})
	return nil
}

func (d *fakeDevice) InputText(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
	return nil
}

func (d *fakeDevice) PressKey(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return nil
}

func (d *fakeDevice) LaunchApp(_ context.Context, app string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apps = append(d.apps, app)
	return nil
}

func (d *fakeDevice) tapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.taps)
}

// scriptedAnalyzer replays a fixed sequence of results, then repeats the
// last one forever.
type scriptedAnalyzer struct {
	mu      sync.Mutex
	script  []AnalyzeResult
	errs    []error
	calls   int
	lastReq AnalyzeRequest
}

func (a *scriptedAnalyzer) Analyze(_ context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	a.lastReq = req

	if i < len(a.errs) && a.errs[i] != nil {
		return AnalyzeResult{}, a.errs[i]
	}
	if len(a.script) == 0 {
		return AnalyzeResult{Action: Action{Type: ActionThink}}, nil
	}
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	return a.script[i], nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxSteps:        50,
		StepDelay:       0,
		ScreenshotRetry: time.Millisecond,
		AnalyzeRetry:    time.Millisecond,
		ContextHistory:  10,
		DisplayHistory:  200,
		EventBufferSize: 500,
	}
}

func setupRunner(t *testing.T, cfg config.AgentConfig, device *fakeDevice, analyzer Analyzer) *Runner {
	t.Helper()
	bus := NewEventBus(zaptest.NewLogger(t), cfg.EventBufferSize)
	t.Cleanup(bus.Shutdown)
	r := NewRunner(zaptest.NewLogger(t), cfg, device, analyzer, bus)
	t.Cleanup(r.StopTask)
	return r
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the run loop to finish")
	}
}

// -- Lifecycle --

func TestRunner_CompletesOnFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionTap, X: 500, Y: 500}, Thought: "tap the button"},
		{Action: Action{Type: ActionComplete, Message: "done"}},
	}}
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	require.NoError(t, r.StartTask(context.Background(), "press the button"))
	waitDone(t, r)

	assert.Equal(t, StatusIdle, r.Status())
	assert.Equal(t, 2, r.Step())
	require.Len(t, device.taps, 1)
	// Normalized 500 against 1080x2400.
	assert.Equal(t, [2]int{540, 1201}, device.taps[0])

	history := r.History()
	require.Len(t, history, 2)
	assert.Equal(t, "tap (500, 500): success", history[0])
	assert.Equal(t, "complete: done: success", history[1])
}

func TestRunner_StepBudgetExhaustion(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxSteps = 50

	device := &fakeDevice{}
	// Never finishes: taps forever.
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionTap, X: 1, Y: 1}},
	}}
	r := setupRunner(t, cfg, device, analyzer)

	events, unsubscribe := r.Bus().Subscribe()
	defer unsubscribe()

	require.NoError(t, r.StartTask(context.Background(), "tap forever"))
	waitDone(t, r)

	assert.Equal(t, 50, r.Step(), "the budget bounds the run at exactly MaxSteps")
	assert.Equal(t, 50, device.tapCount())
	assert.Equal(t, StatusIdle, r.Status())

	var sawBudgetWarning bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventWarning {
			sawBudgetWarning = true
		}
	}
	assert.True(t, sawBudgetWarning, "budget exhaustion must emit a warning event")
}

func TestRunner_SingleActiveTask(t *testing.T) {
	device := &fakeDevice{}
	blocker := make(chan struct{})
	analyzer := analyzerFunc(func(ctx context.Context, _ AnalyzeRequest) (AnalyzeResult, error) {
		select {
		case <-blocker:
		case <-ctx.Done():
		}
		return AnalyzeResult{Action: Action{Type: ActionComplete}}, nil
	})
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	events, unsubscribe := r.Bus().Subscribe()
	defer unsubscribe()

	require.NoError(t, r.StartTask(context.Background(), "first"))
	err := r.StartTask(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTaskRunning)

	// The rejection is also surfaced as a warning event.
	require.Eventually(t, func() bool {
		for len(events) > 0 {
			if ev := <-events; ev.Type == EventWarning {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	close(blocker)
	waitDone(t, r)

	// Idle again: a new task is accepted.
	require.NoError(t, r.StartTask(context.Background(), "third"))
	waitDone(t, r)
}

func TestRunner_RejectsEmptyInstruction(t *testing.T) {
	r := setupRunner(t, testAgentConfig(), &fakeDevice{}, &scriptedAnalyzer{})
	assert.ErrorIs(t, r.StartTask(context.Background(), ""), ErrEmptyInstruction)
}

func TestRunner_Cancellation(t *testing.T) {
	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionTap, X: 1, Y: 1}},
	}}
	cfg := testAgentConfig()
	cfg.StepDelay = 10 * time.Millisecond
	r := setupRunner(t, cfg, device, analyzer)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.StartTask(ctx, "spin"))

	// Let a few steps run, then cancel.
	require.Eventually(t, func() bool { return r.Step() >= 2 }, time.Second, time.Millisecond)
	cancel()
	waitDone(t, r)

	assert.Equal(t, StatusIdle, r.Status())
	assert.Less(t, r.Step(), 50, "cancellation must end the run before the budget")
}

func TestRunner_PausesForHumanIntervention(t *testing.T) {
	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionTakeOver, Message: "please solve the captcha"}},
	}}
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	events, unsubscribe := r.Bus().Subscribe()
	defer unsubscribe()

	require.NoError(t, r.StartTask(context.Background(), "buy a ticket"))
	waitDone(t, r)

	assert.Equal(t, StatusPaused, r.Status())
	assert.Equal(t, 1, r.Step())

	var paused bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventTaskPaused {
			paused = true
			assert.Equal(t, "please solve the captcha", ev.Message)
		}
	}
	assert.True(t, paused)
}

// -- Failure handling --

func TestRunner_ScreenshotFailureRetriesWithinBudget(t *testing.T) {
	device := &fakeDevice{screenshotErrs: []error{
		errors.New("device offline"),
		errors.New("device offline"),
		nil,
	}}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionComplete}},
	}}
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	require.NoError(t, r.StartTask(context.Background(), "look at the screen"))
	waitDone(t, r)

	// Two failed attempts each consumed a step before the successful one.
	assert.Equal(t, 3, r.Step())
	assert.Equal(t, 3, device.screenshots)
	assert.Equal(t, StatusIdle, r.Status())
}

func TestRunner_AnalyzeFailureConsumesStep(t *testing.T) {
	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{
		errs: []error{errors.New("model overloaded")},
		script: []AnalyzeResult{
			{}, // slot consumed by the error above
			{Action: Action{Type: ActionComplete}},
		},
	}
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	require.NoError(t, r.StartTask(context.Background(), "do something"))
	waitDone(t, r)

	assert.Equal(t, 2, r.Step())
	assert.Equal(t, StatusIdle, r.Status())
}

func TestRunner_ScreenSizeFailureAbortsBeforeLooping(t *testing.T) {
	device := &fakeDevice{screenErr: errors.New("no device")}
	r := setupRunner(t, testAgentConfig(), device, &scriptedAnalyzer{})

	events, unsubscribe := r.Bus().Subscribe()
	defer unsubscribe()

	require.NoError(t, r.StartTask(context.Background(), "anything"))
	waitDone(t, r)

	assert.Equal(t, 0, r.Step())
	select {
	case ev := <-events:
		assert.Equal(t, EventError, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestRunner_ErrorActionContinuesLoop(t *testing.T) {
	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionError, Message: "missing element parameter for tap"}},
		{Action: Action{Type: ActionComplete}},
	}}
	r := setupRunner(t, testAgentConfig(), device, analyzer)

	require.NoError(t, r.StartTask(context.Background(), "recover"))
	waitDone(t, r)

	assert.Equal(t, 2, r.Step(), "a parse error is a recoverable per-step failure")
	history := r.History()
	require.Len(t, history, 2)
	assert.Contains(t, history[0], "failed")
}

// -- History windows --

func TestRunner_HistoryWindows(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxSteps = 30
	cfg.ContextHistory = 10
	cfg.DisplayHistory = 15

	device := &fakeDevice{}
	analyzer := &scriptedAnalyzer{script: []AnalyzeResult{
		{Action: Action{Type: ActionTap, X: 1, Y: 1}},
	}}
	r := setupRunner(t, cfg, device, analyzer)

	require.NoError(t, r.StartTask(context.Background(), "tap a lot"))
	waitDone(t, r)

	assert.Len(t, r.History(), 15, "display history is bounded")

	analyzer.mu.Lock()
	aiWindow := len(analyzer.lastReq.History)
	analyzer.mu.Unlock()
	assert.Equal(t, 10, aiWindow, "the model sees only the recent window")
}

// analyzerFunc adapts a closure to the Analyzer interface.
type analyzerFunc func(context.Context, AnalyzeRequest) (AnalyzeResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	return f(ctx, req)
}
