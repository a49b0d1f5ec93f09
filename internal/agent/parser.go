// File: internal/agent/parser.go
package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The parser turns loosely structured model output into exactly one Action.
// It is total: any input string, however malformed, produces an
// AnalyzeResult. Ambiguity degrades to THINK or ERROR variants, never a
// panic or an error return.
//
// The expected reply convention is:
//
//	<think>reasoning...</think><answer>do(action="Tap", element=[500,500])</answer>
//
// with finish(message="...") closing a task. Replies that do not follow the
// convention are matched by fallback scans.

const (
	// normalizedMax is the upper bound of the model's coordinate space.
	// Coordinates in replies are resolution independent; conversion to
	// pixels happens once, downstream of parsing.
	normalizedMax = 999

	// defaultCompleteMessage is used when finish() carries no message.
	defaultCompleteMessage = "Task completed"

	// thoughtPrefixLimit bounds the implicit thought derived from a free
	// form reply.
	thoughtPrefixLimit = 200

	defaultLongPressDuration = 800 * time.Millisecond
	defaultSwipeDuration     = 300 * time.Millisecond
	defaultWaitDuration      = time.Second
	defaultSwipeDistance     = 500
)

var (
	thinkRe  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	answerRe = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)

	actionNameRe  = regexp.MustCompile(`action\s*=\s*["']([^"']+)["']`)
	elementRe     = regexp.MustCompile(`element\s*=\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]`)
	startRe       = regexp.MustCompile(`start\s*=\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]`)
	endRe         = regexp.MustCompile(`end\s*=\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]`)
	durationRe    = regexp.MustCompile(`duration\s*=\s*(\d+)`)
	distanceRe    = regexp.MustCompile(`distance\s*=\s*(\d+)`)
	directionRe   = regexp.MustCompile(`direction\s*=\s*["']([^"']+)["']`)
	textRe        = regexp.MustCompile(`(?s)text\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	messageRe     = regexp.MustCompile(`(?s)message\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	instructionRe = regexp.MustCompile(`(?s)instruction\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	appRe         = regexp.MustCompile(`(?s)app\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// Parse converts a raw model reply into an AnalyzeResult. See the package
// comment above for the grammar; Parse never fails.
func Parse(reply string) AnalyzeResult {
	thought := ""
	if m := thinkRe.FindStringSubmatch(reply); m != nil {
		thought = strings.TrimSpace(m[1])
	}

	body := ""
	if m := answerRe.FindStringSubmatch(reply); m != nil {
		body = strings.TrimSpace(m[1])
	} else {
		// No <answer> block: scan the whole reply for the first call
		// syntax occurrence.
		body = scanForCall(reply)
	}

	if body == "" {
		// Nothing actionable. The entire reply becomes a thought.
		if thought == "" {
			thought = truncateRunes(strings.TrimSpace(reply), thoughtPrefixLimit)
		}
		return AnalyzeResult{
			Action:  Action{Type: ActionThink, Text: strings.TrimSpace(reply)},
			Thought: thought,
		}
	}

	return AnalyzeResult{Action: parseCall(body), Thought: thought}
}

// scanForCall finds the first finish(...) or do(...) occurrence in free text.
func scanForCall(reply string) string {
	finishIdx := strings.Index(reply, "finish(")
	doIdx := strings.Index(reply, "do(")
	switch {
	case finishIdx == -1 && doIdx == -1:
		return ""
	case finishIdx == -1:
		return reply[doIdx:]
	case doIdx == -1:
		return reply[finishIdx:]
	case doIdx < finishIdx:
		return reply[doIdx:]
	default:
		return reply[finishIdx:]
	}
}

// parseCall dispatches a finish(...) or do(...) body to a concrete Action.
func parseCall(body string) Action {
	if strings.HasPrefix(body, "finish(") {
		msg := quotedParam(messageRe, body)
		if msg == "" {
			msg = defaultCompleteMessage
		}
		return Action{Type: ActionComplete, Message: msg}
	}

	if !strings.HasPrefix(body, "do(") {
		return Action{Type: ActionThink, Text: body}
	}

	m := actionNameRe.FindStringSubmatch(body)
	if m == nil {
		return Action{Type: ActionError, Message: "do() call missing action parameter"}
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))

	switch name {
	case "tap":
		return pointAction(ActionTap, name, body, 0)
	case "double tap":
		return pointAction(ActionDoubleTap, name, body, 0)
	case "long press":
		return pointAction(ActionLongPress, name, body, defaultLongPressDuration)
	case "swipe":
		return swipeAction(body)
	case "swipe up", "swipe down", "swipe left", "swipe right":
		return directionalSwipe(SwipeDirection(strings.TrimPrefix(name, "swipe ")), body)
	case "type", "type_name":
		text, ok := quotedParamOK(textRe, body)
		if !ok {
			return missingParam("text", name)
		}
		return Action{Type: ActionInputText, Text: text}
	case "back":
		return Action{Type: ActionPressKey, Key: KeyBack}
	case "home":
		return Action{Type: ActionPressKey, Key: KeyHome}
	case "recent":
		return Action{Type: ActionPressKey, Key: KeyRecent}
	case "enter":
		return Action{Type: ActionPressKey, Key: KeyEnter}
	case "delete":
		return Action{Type: ActionPressKey, Key: KeyDelete}
	case "wait":
		return Action{Type: ActionWait, Duration: durationParam(body, defaultWaitDuration)}
	case "take_over":
		msg, ok := quotedParamOK(messageRe, body)
		if !ok {
			return missingParam("message", name)
		}
		return Action{Type: ActionTakeOver, Message: msg}
	case "interact":
		return Action{Type: ActionInteract}
	case "note":
		msg, ok := quotedParamOK(messageRe, body)
		if !ok {
			return missingParam("message", name)
		}
		return Action{Type: ActionNote, Message: msg}
	case "call_api":
		instr, ok := quotedParamOK(instructionRe, body)
		if !ok {
			return missingParam("instruction", name)
		}
		return Action{Type: ActionCallAPI, Instruction: instr}
	case "launch":
		app, ok := quotedParamOK(appRe, body)
		if !ok {
			return missingParam("app", name)
		}
		return Action{Type: ActionLaunchApp, AppName: app}
	default:
		return Action{Type: ActionUnknown, RawType: name}
	}
}

func pointAction(t ActionType, name, body string, d time.Duration) Action {
	x, y, ok := coordPair(elementRe, body)
	if !ok {
		return missingParam("element", name)
	}
	return Action{Type: t, X: x, Y: y, Duration: d}
}

func swipeAction(body string) Action {
	x1, y1, ok := coordPair(startRe, body)
	if !ok {
		return missingParam("start", "swipe")
	}
	x2, y2, ok := coordPair(endRe, body)
	if !ok {
		return missingParam("end", "swipe")
	}
	return Action{Type: ActionSwipe, X: x1, Y: y1, ToX: x2, ToY: y2, Duration: durationParam(body, defaultSwipeDuration)}
}

func directionalSwipe(dir SwipeDirection, body string) Action {
	if m := directionRe.FindStringSubmatch(body); m != nil {
		if d := SwipeDirection(strings.ToLower(m[1])); validDirection(d) {
			dir = d
		}
	}
	distance := defaultSwipeDistance
	if m := distanceRe.FindStringSubmatch(body); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			distance = v
		}
	}
	return Action{
		Type:      ActionSwipeDirectional,
		Direction: dir,
		Distance:  distance,
		Duration:  durationParam(body, defaultSwipeDuration),
	}
}

func validDirection(d SwipeDirection) bool {
	switch d {
	case SwipeUp, SwipeDown, SwipeLeft, SwipeRight:
		return true
	}
	return false
}

func missingParam(param, action string) Action {
	return Action{Type: ActionError, Message: "missing " + param + " parameter for " + action}
}

func coordPair(re *regexp.Regexp, body string) (int, int, bool) {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(m[1])
	y, errY := strconv.Atoi(m[2])
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

// durationParam extracts duration=<seconds> and converts to a Duration.
func durationParam(body string, def time.Duration) time.Duration {
	m := durationRe.FindStringSubmatch(body)
	if m == nil {
		return def
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func quotedParam(re *regexp.Regexp, body string) string {
	s, _ := quotedParamOK(re, body)
	return s
}

func quotedParamOK(re *regexp.Regexp, body string) (string, bool) {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// ConvertCoord maps a normalized 0-999 coordinate onto a concrete screen
// dimension, clamped to [0, dim]. Monotonic in the input.
func ConvertCoord(norm, dim int) int {
	v := norm * dim / normalizedMax
	if v < 0 {
		return 0
	}
	if v > dim {
		return dim
	}
	return v
}
