// File: internal/adb/device.go
package adb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Device exposes the named device operations the agent executes. All
// coordinates here are device pixels; normalized-space conversion belongs
// to the caller.
type Device struct {
	logger *zap.Logger
	ch     Channel

	mu      sync.Mutex
	screenW int
	screenH int
	typer   *textInput
	apps    *appResolver
}

// NewDevice builds the device-action layer over a command channel.
func NewDevice(logger *zap.Logger, ch Channel) *Device {
	logger = logger.Named("device")
	return &Device{
		logger: logger,
		ch:     ch,
		typer:  newTextInput(logger, ch),
		apps:   newAppResolver(logger, ch),
	}
}

var screenSizeRe = regexp.MustCompile(`(?m)^(Physical|Override) size:\s*(\d+)x(\d+)`)

// ScreenSize returns the device resolution in pixels. The value is cached
// after the first successful query; RefreshScreenSize drops the cache.
func (d *Device) ScreenSize(ctx context.Context) (int, int, error) {
	d.mu.Lock()
	if d.screenW > 0 && d.screenH > 0 {
		w, h := d.screenW, d.screenH
		d.mu.Unlock()
		return w, h, nil
	}
	d.mu.Unlock()

	res, err := d.ch.Execute(ctx, "wm size")
	if err != nil {
		return 0, 0, fmt.Errorf("query screen size: %w", err)
	}
	if !res.Success {
		return 0, 0, fmt.Errorf("wm size exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	// An override size, when present, is what the UI actually renders at.
	w, h := 0, 0
	for _, m := range screenSizeRe.FindAllStringSubmatch(res.Stdout, -1) {
		w, _ = strconv.Atoi(m[2])
		h, _ = strconv.Atoi(m[3])
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("unparseable wm size output: %q", strings.TrimSpace(res.Stdout))
	}

	d.mu.Lock()
	d.screenW, d.screenH = w, h
	d.mu.Unlock()
	return w, h, nil
}

// RefreshScreenSize invalidates the cached resolution, for rotation or
// display changes.
func (d *Device) RefreshScreenSize() {
	d.mu.Lock()
	d.screenW, d.screenH = 0, 0
	d.mu.Unlock()
}

// Screenshot captures the current screen as PNG bytes.
func (d *Device) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := d.ch.ExecuteRaw(ctx, "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("screencap produced no data")
	}
	return out, nil
}

func (d *Device) shell(ctx context.Context, format string, args ...any) error {
	cmd := fmt.Sprintf(format, args...)
	res, err := d.ch.Execute(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if !res.Success {
		return fmt.Errorf("%s exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Tap issues a single tap at pixel coordinates.
func (d *Device) Tap(ctx context.Context, x, y int) error {
	return d.shell(ctx, "input tap %d %d", x, y)
}

// DoubleTap issues two taps in quick succession.
func (d *Device) DoubleTap(ctx context.Context, x, y int) error {
	if err := d.Tap(ctx, x, y); err != nil {
		return err
	}
	time.Sleep(80 * time.Millisecond)
	return d.Tap(ctx, x, y)
}

// LongPress holds a touch at the given point. Implemented as a zero-length
// swipe, which is how input(1) models a press-and-hold.
func (d *Device) LongPress(ctx context.Context, x, y int, hold time.Duration) error {
	return d.shell(ctx, "input swipe %d %d %d %d %d", x, y, x, y, hold.Milliseconds())
}

// Swipe drags from one point to another over the given duration.
func (d *Device) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return d.shell(ctx, "input swipe %d %d %d %d %d", x1, y1, x2, y2, dur.Milliseconds())
}

// PressKey forwards a named keyevent (BACK, HOME, ENTER, ...).
func (d *Device) PressKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("empty key name")
	}
	return d.shell(ctx, "input keyevent %s", key)
}

// InputText types arbitrary text using the multi-tier fallback cascade.
func (d *Device) InputText(ctx context.Context, text string) error {
	return d.typer.Type(ctx, text)
}

// LaunchApp resolves a human-readable app name to a package and starts it.
func (d *Device) LaunchApp(ctx context.Context, appName string) error {
	pkg, err := d.apps.Resolve(ctx, appName)
	if err != nil {
		return err
	}
	return d.shell(ctx, "monkey -p %s -c android.intent.category.LAUNCHER 1", pkg)
}

// Vibrate triggers short haptic feedback. Best effort.
func (d *Device) Vibrate(ctx context.Context, dur time.Duration) {
	d.ch.ExecuteSilent(ctx, fmt.Sprintf("cmd vibrator vibrate %d", dur.Milliseconds()))
}

// Notify posts a device notification with the default sound. Best effort.
func (d *Device) Notify(ctx context.Context, tag, text string) {
	d.ch.ExecuteSilent(ctx, fmt.Sprintf("cmd notification post -t %s %s %s",
		escapeShellText(tag), escapeShellText(tag), escapeShellText(text)))
}
