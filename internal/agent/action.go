// File: internal/agent/action.go
package agent

import (
	"fmt"
	"time"
)

// ActionType is an enumeration of all device operations the model can decide
// to perform. This provides a closed vocabulary for the agent's capabilities.
type ActionType string

const (
	// -- Pointer interaction --
	ActionTap              ActionType = "TAP"
	ActionDoubleTap        ActionType = "DOUBLE_TAP"
	ActionLongPress        ActionType = "LONG_PRESS"
	ActionSwipe            ActionType = "SWIPE"
	ActionSwipeDirectional ActionType = "SWIPE_DIRECTIONAL"

	// -- Text and keys --
	ActionInputText ActionType = "INPUT_TEXT"
	ActionPressKey  ActionType = "PRESS_KEY"

	// -- Flow control --
	ActionWait       ActionType = "WAIT"
	ActionScreenshot ActionType = "SCREENSHOT"
	ActionThink      ActionType = "THINK"
	ActionComplete   ActionType = "COMPLETE"
	ActionError      ActionType = "ERROR"
	ActionUnknown    ActionType = "UNKNOWN"

	// -- Human intervention --
	ActionTakeOver ActionType = "TAKE_OVER"
	ActionInteract ActionType = "INTERACT"

	// -- Auxiliary --
	ActionNote      ActionType = "NOTE"
	ActionCallAPI   ActionType = "CALL_API"
	ActionLaunchApp ActionType = "LAUNCH_APP"
)

// SwipeDirection names the axis-aligned directional swipes.
type SwipeDirection string

const (
	SwipeUp    SwipeDirection = "up"
	SwipeDown  SwipeDirection = "down"
	SwipeLeft  SwipeDirection = "left"
	SwipeRight SwipeDirection = "right"
)

// Named key codes forwarded to the device. These map onto Android keyevent
// names at the adb layer.
const (
	KeyBack   = "BACK"
	KeyHome   = "HOME"
	KeyRecent = "APP_SWITCH"
	KeyEnter  = "ENTER"
	KeyDelete = "DEL"
)

// Action is a closed tagged union of executable device operations. Type
// selects the variant; only the fields belonging to that variant are
// populated. Coordinates are in the normalized 0-999 space produced by the
// parser; pixel conversion happens exactly once, in the dispatcher.
type Action struct {
	Type ActionType

	// Pointer variants.
	X, Y      int
	ToX, ToY  int
	Direction SwipeDirection
	Distance  int
	Duration  time.Duration

	// Text carries typed input for INPUT_TEXT and the free-form body of
	// THINK.
	Text string

	// Key is a named key code for PRESS_KEY.
	Key string

	// Message carries the payload of COMPLETE, ERROR, TAKE_OVER and NOTE.
	Message string

	// Instruction is the sub-instruction for CALL_API.
	Instruction string

	// AppName is the human-readable application name for LAUNCH_APP.
	AppName string

	// RawType preserves the unrecognized action name for UNKNOWN.
	RawType string
}

// Describe returns the canonical human-readable description of the action.
// These strings appear in history and logs and are stable: tests and any
// downstream log consumers rely on them.
func (a Action) Describe() string {
	switch a.Type {
	case ActionTap:
		return fmt.Sprintf("tap (%d, %d)", a.X, a.Y)
	case ActionDoubleTap:
		return fmt.Sprintf("double tap (%d, %d)", a.X, a.Y)
	case ActionLongPress:
		return fmt.Sprintf("long press (%d, %d) for %dms", a.X, a.Y, a.Duration.Milliseconds())
	case ActionSwipe:
		return fmt.Sprintf("swipe (%d, %d) -> (%d, %d)", a.X, a.Y, a.ToX, a.ToY)
	case ActionSwipeDirectional:
		return fmt.Sprintf("swipe %s", a.Direction)
	case ActionInputText:
		return fmt.Sprintf("type %q", a.Text)
	case ActionPressKey:
		return fmt.Sprintf("press key %s", a.Key)
	case ActionWait:
		return fmt.Sprintf("wait %dms", a.Duration.Milliseconds())
	case ActionScreenshot:
		return "screenshot"
	case ActionThink:
		return "think"
	case ActionComplete:
		return fmt.Sprintf("complete: %s", a.Message)
	case ActionError:
		return fmt.Sprintf("error: %s", a.Message)
	case ActionUnknown:
		return fmt.Sprintf("unknown action %q", a.RawType)
	case ActionTakeOver:
		return fmt.Sprintf("take over: %s", a.Message)
	case ActionInteract:
		return "interact"
	case ActionNote:
		return fmt.Sprintf("note: %s", a.Message)
	case ActionCallAPI:
		return "call api"
	case ActionLaunchApp:
		return fmt.Sprintf("launch app %q", a.AppName)
	default:
		return string(a.Type)
	}
}

// IsTerminal reports whether the action ends the current task run.
func (a Action) IsTerminal() bool {
	return a.Type == ActionComplete
}

// NeedsHuman reports whether the action requires external intervention and
// should pause the run.
func (a Action) NeedsHuman() bool {
	return a.Type == ActionTakeOver || a.Type == ActionInteract
}

// AnalyzeResult is the outcome of one AI round trip: the decided action plus
// the model's optional reasoning. Immutable once produced.
type AnalyzeResult struct {
	Action  Action
	Thought string
}
