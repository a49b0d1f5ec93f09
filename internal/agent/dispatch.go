// File: internal/agent/dispatch.go
package agent

import (
	"context"

	"go.uber.org/zap"
)

// ExecuteAction runs a single action outside the automated loop, for manual
// or scripted invocation. It reports whether the action succeeded.
func (r *Runner) ExecuteAction(ctx context.Context, action Action) bool {
	if r.device == nil {
		return false
	}
	w, h, err := r.device.ScreenSize(ctx)
	if err != nil {
		r.logger.Error("Cannot determine screen size for manual action", zap.Error(err))
		return false
	}
	return r.dispatch(ctx, action, w, h)
}

// dispatch executes one action variant against the device. This is the
// single place where normalized coordinates become device pixels. The
// boolean result feeds the history entry for the step.
func (r *Runner) dispatch(ctx context.Context, a Action, screenW, screenH int) bool {
	switch a.Type {
	case ActionTap:
		return r.deviceOK(a, r.device.Tap(ctx, ConvertCoord(a.X, screenW), ConvertCoord(a.Y, screenH)))

	case ActionDoubleTap:
		return r.deviceOK(a, r.device.DoubleTap(ctx, ConvertCoord(a.X, screenW), ConvertCoord(a.Y, screenH)))

	case ActionLongPress:
		return r.deviceOK(a, r.device.LongPress(ctx, ConvertCoord(a.X, screenW), ConvertCoord(a.Y, screenH), a.Duration))

	case ActionSwipe:
		return r.deviceOK(a, r.device.Swipe(ctx,
			ConvertCoord(a.X, screenW), ConvertCoord(a.Y, screenH),
			ConvertCoord(a.ToX, screenW), ConvertCoord(a.ToY, screenH),
			a.Duration))

	case ActionSwipeDirectional:
		x1, y1, x2, y2 := directionalEndpoints(a, screenW, screenH)
		return r.deviceOK(a, r.device.Swipe(ctx, x1, y1, x2, y2, a.Duration))

	case ActionInputText:
		// The device owns the multi-tier input fallback; an error here
		// means every strategy failed.
		return r.deviceOK(a, r.device.InputText(ctx, a.Text))

	case ActionPressKey:
		return r.deviceOK(a, r.device.PressKey(ctx, a.Key))

	case ActionWait:
		sleepCtx(ctx, a.Duration)
		return true

	case ActionScreenshot:
		_, err := r.device.Screenshot(ctx)
		return r.deviceOK(a, err)

	case ActionThink, ActionComplete, ActionNote, ActionCallAPI:
		// No device effect. CALL_API is a hook for a summarization
		// sub-call and currently succeeds unconditionally.
		return true

	case ActionError:
		return false

	case ActionUnknown:
		r.logger.Warn("Model produced an unrecognized action", zap.String("raw_type", a.RawType))
		return false

	case ActionTakeOver, ActionInteract:
		// Failure keeps the loop from advancing past this step; the
		// loop itself handles the pause transition.
		return false

	case ActionLaunchApp:
		return r.deviceOK(a, r.device.LaunchApp(ctx, a.AppName))

	default:
		r.logger.Warn("Dispatch fell through for action type", zap.String("type", string(a.Type)))
		return false
	}
}

func (r *Runner) deviceOK(a Action, err error) bool {
	if err != nil {
		r.logger.Error("Device action failed", zap.String("action", a.Describe()), zap.Error(err))
		return false
	}
	return true
}

// directionalEndpoints translates a directional swipe into a concrete
// pixel gesture centered on the screen. Distance is in the normalized
// space and scales against the axis of travel.
func directionalEndpoints(a Action, screenW, screenH int) (x1, y1, x2, y2 int) {
	cx, cy := screenW/2, screenH/2
	switch a.Direction {
	case SwipeUp:
		d := ConvertCoord(a.Distance, screenH)
		return cx, clampPixel(cy+d/2, screenH), cx, clampPixel(cy-d/2, screenH)
	case SwipeDown:
		d := ConvertCoord(a.Distance, screenH)
		return cx, clampPixel(cy-d/2, screenH), cx, clampPixel(cy+d/2, screenH)
	case SwipeLeft:
		d := ConvertCoord(a.Distance, screenW)
		return clampPixel(cx+d/2, screenW), cy, clampPixel(cx-d/2, screenW), cy
	case SwipeRight:
		d := ConvertCoord(a.Distance, screenW)
		return clampPixel(cx-d/2, screenW), cy, clampPixel(cx+d/2, screenW), cy
	default:
		return cx, cy, cx, cy
	}
}

func clampPixel(v, dim int) int {
	if v < 0 {
		return 0
	}
	if v > dim {
		return dim
	}
	return v
}
