// File: internal/adb/input.go
package adb

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const (
	// adbKeyboardPackage is the external IME that accepts broadcast text.
	adbKeyboardPackage = "com.android.adbkeyboard"
	adbKeyboardIME     = "com.android.adbkeyboard/.AdbIME"

	// keycodePaste is KEYCODE_PASTE.
	keycodePaste = 279

	imeSettleDelay = 500 * time.Millisecond
	perCharDelay   = 50 * time.Millisecond
)

// inputStrategy is one tier of the text-entry cascade. Attempt reports
// whether the tier delivered the text; the next tier runs only on failure.
type inputStrategy struct {
	name    string
	attempt func(ctx context.Context, text string) bool
}

// textInput delivers arbitrary text to the focused field. Tiers are tried
// in order: direct typing for pure ASCII, three clipboard-mediated
// strategies, then per-character injection. The final tier cannot fail, so
// Type always succeeds once it is reached.
type textInput struct {
	logger     *zap.Logger
	ch         Channel
	strategies []inputStrategy
}

func newTextInput(logger *zap.Logger, ch Channel) *textInput {
	t := &textInput{logger: logger.Named("input"), ch: ch}
	t.strategies = []inputStrategy{
		{name: "ascii_direct", attempt: t.tryDirectASCII},
		{name: "adb_keyboard", attempt: t.tryADBKeyboard},
		{name: "clipboard_paste", attempt: t.tryClipboardPaste},
		{name: "clipboard_broadcast", attempt: t.tryClipboardBroadcast},
		{name: "per_char", attempt: t.typePerChar},
	}
	return t
}

// Type runs the cascade. The error return exists for interface symmetry;
// the terminal tier is unconditional.
func (t *textInput) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	for _, s := range t.strategies {
		if s.attempt(ctx, text) {
			t.logger.Debug("Text input delivered", zap.String("strategy", s.name), zap.Int("len", len(text)))
			return nil
		}
	}
	// Unreachable: typePerChar always reports success.
	return fmt.Errorf("all text input strategies failed")
}

// tryDirectASCII types the text in one shot when it is pure ASCII.
func (t *textInput) tryDirectASCII(ctx context.Context, text string) bool {
	if !isASCII(text) {
		return false
	}
	return t.ch.ExecuteSilent(ctx, "input text "+escapeShellText(text))
}

// tryADBKeyboard delivers text through the ADBKeyboard broadcast protocol
// with a base64 payload, switching the active IME if needed.
func (t *textInput) tryADBKeyboard(ctx context.Context, text string) bool {
	installed, err := t.ch.Execute(ctx, "pm list packages "+adbKeyboardPackage)
	if err != nil || !installed.Success || !strings.Contains(installed.Stdout, adbKeyboardPackage) {
		return false
	}

	current, err := t.ch.Execute(ctx, "settings get secure default_input_method")
	if err != nil || !current.Success {
		return false
	}
	if !strings.Contains(current.Stdout, adbKeyboardPackage) {
		if !t.ch.ExecuteSilent(ctx, "ime set "+adbKeyboardIME) {
			return false
		}
		time.Sleep(imeSettleDelay)
	}

	payload := base64.StdEncoding.EncodeToString([]byte(text))
	return t.ch.ExecuteSilent(ctx, "am broadcast -a ADB_INPUT_B64 --es msg "+payload)
}

// tryClipboardPaste sets the OS clipboard and sends a paste keystroke.
func (t *textInput) tryClipboardPaste(ctx context.Context, text string) bool {
	if !t.ch.ExecuteSilent(ctx, "cmd clipboard set-text "+escapeShellText(text)) {
		return false
	}
	return t.ch.ExecuteSilent(ctx, fmt.Sprintf("input keyevent %d", keycodePaste))
}

// tryClipboardBroadcast uses the clipper broadcast protocol as a second
// clipboard route, again followed by a paste keystroke.
func (t *textInput) tryClipboardBroadcast(ctx context.Context, text string) bool {
	if !t.ch.ExecuteSilent(ctx, "am broadcast -a clipper.set -e text "+escapeShellText(text)) {
		return false
	}
	return t.ch.ExecuteSilent(ctx, fmt.Sprintf("input keyevent %d", keycodePaste))
}

// typePerChar is the terminal tier: each ASCII character is typed directly,
// non-ASCII characters go through a unicode escape, with a small delay to
// avoid overwhelming the input subsystem. It always reports success.
func (t *textInput) typePerChar(ctx context.Context, text string) bool {
	for _, r := range text {
		if ctx.Err() != nil {
			break
		}
		if r < unicode.MaxASCII {
			t.ch.ExecuteSilent(ctx, "input text "+escapeShellText(string(r)))
		} else {
			t.ch.ExecuteSilent(ctx, fmt.Sprintf(`input text '\u%04x'`, r))
		}
		time.Sleep(perCharDelay)
	}
	return true
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// shellEscapes maps characters that input(1) or the shell would otherwise
// interpret. Spaces become %s per the input text convention.
var shellEscapes = map[rune]string{
	' ':  "%s",
	'"':  `\"`,
	'\'': `\'`,
	'&':  `\&`,
	'<':  `\<`,
	'>':  `\>`,
	'|':  `\|`,
	';':  `\;`,
	'(':  `\(`,
	')':  `\)`,
}

// escapeShellText escapes text for use as a single input(1) argument.
func escapeShellText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if esc, ok := shellEscapes[r]; ok {
			b.WriteString(esc)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
