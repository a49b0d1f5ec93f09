// File: internal/ai/client.go
package ai

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // screenshots arrive as PNG
	"strings"

	"go.uber.org/zap"

	"github.com/alwayslone/open-phone-agent/internal/agent"
)

// GenerationRequest is a single vision round trip to a provider: a system
// prompt, a user prompt, and one inline JPEG image.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	ImageJPEG    []byte
}

// Generator produces raw reply text for a vision prompt. Implementations
// wrap one concrete provider.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Client is the AI collaborator boundary for the execution loop: it shapes
// the prompt, invokes the configured provider, and parses the reply into a
// typed decision. The parser keeps the client total with respect to
// malformed model output.
type Client struct {
	logger    *zap.Logger
	generator Generator
}

var _ agent.Analyzer = (*Client)(nil)

// NewClient wraps a provider backend as an Analyzer.
func NewClient(logger *zap.Logger, generator Generator) *Client {
	return &Client{logger: logger.Named("ai"), generator: generator}
}

// Analyze implements agent.Analyzer.
func (c *Client) Analyze(ctx context.Context, req agent.AnalyzeRequest) (agent.AnalyzeResult, error) {
	img, err := toJPEG(req.Screenshot)
	if err != nil {
		return agent.AnalyzeResult{}, fmt.Errorf("encode screenshot: %w", err)
	}

	reply, err := c.generator.Generate(ctx, GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt(req),
		ImageJPEG:    img,
	})
	if err != nil {
		return agent.AnalyzeResult{}, fmt.Errorf("provider call failed: %w", err)
	}

	result := agent.Parse(reply)
	c.logger.Debug("Model reply parsed",
		zap.String("action", string(result.Action.Type)),
		zap.Int("reply_len", len(reply)))
	return result, nil
}

// systemPrompt fixes the reply convention the parser understands.
const systemPrompt = `You are a phone operation agent. You control an Android device by looking at a screenshot and deciding exactly one next action.

Reply in this exact format:
<think>your reasoning</think><answer>one action call</answer>

Action calls:
- do(action="Tap", element=[x,y])
- do(action="Double Tap", element=[x,y])
- do(action="Long Press", element=[x,y])
- do(action="Swipe", start=[x1,y1], end=[x2,y2])
- do(action="Swipe Up") / "Swipe Down" / "Swipe Left" / "Swipe Right"
- do(action="Type", text="...")
- do(action="Back")
- do(action="Home")
- do(action="Recent") / "Enter" / "Delete"
- do(action="Wait", duration=2)
- do(action="Take_Over", message="why the user must intervene")
- do(action="Interact")
- do(action="Note", message="information worth remembering")
- do(action="Call_API", instruction="...")
- do(action="Launch", app="app name")
- finish(message="what was accomplished") when the task is done

Coordinates are on a 0-999 grid for both axes regardless of the real screen size. Issue exactly one call per reply.`

// userPrompt carries the task, screen dimensions and recent history.
func userPrompt(req agent.AnalyzeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Instruction)
	fmt.Fprintf(&b, "Screen size: %dx%d\n", req.ScreenW, req.ScreenH)
	if len(req.History) > 0 {
		b.WriteString("Recent actions:\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("Decide the next action from the attached screenshot.")
	return b.String()
}

// toJPEG re-encodes the captured screenshot as JPEG for the wire. Input
// that is already JPEG passes through the same decode path.
func toJPEG(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty screenshot")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
