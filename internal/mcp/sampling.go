package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/resolver"
)

const samplingSystemPrompt = `You pick the web page element a browser automation step refers to.
Answer with a single JSON object and nothing else: {"index": <option index or -1>, "confidence": <0..1>}.
Use -1 when no option fits.`

// sampler is the part of the MCP server used to ask the client's model.
type sampler interface {
	RequestSampling(ctx context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}

var _ sampler = (*mcpserver.MCPServer)(nil)

// samplingLLM implements the resolver's LLM fallback through MCP sampling:
// the connected client's model chooses among the candidate elements. It
// only works inside a tool call, where ctx carries the client session.
type samplingLLM struct {
	server sampler
	logger *zap.Logger
}

var _ resolver.LLMFallback = (*samplingLLM)(nil)

func (l *samplingLLM) Choose(ctx context.Context, req intent.Request, options []resolver.LLMOption) (int, float64, error) {
	if len(options) == 0 {
		return -1, 0, nil
	}
	listing, err := json.Marshal(options)
	if err != nil {
		return -1, 0, err
	}
	prompt := fmt.Sprintf("Step: %s\nOptions:\n%s", req.Describe(), listing)

	res, err := l.server.RequestSampling(ctx, mcp.CreateMessageRequest{
		CreateMessageParams: mcp.CreateMessageParams{
			Messages: []mcp.SamplingMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(prompt),
			}},
			SystemPrompt: samplingSystemPrompt,
			MaxTokens:    64,
		},
	})
	if err != nil {
		return -1, 0, fmt.Errorf("sampling: %w", err)
	}

	index, confidence, err := parseChoice(mcp.GetTextFromContent(res.Content))
	if err != nil {
		return -1, 0, err
	}
	if index >= len(options) {
		return -1, 0, fmt.Errorf("sampling: option %d out of range", index)
	}
	l.logger.Debug("llm choice",
		zap.String("intent", req.Signature()),
		zap.String("model", res.Model),
		zap.Int("index", index),
		zap.Float64("confidence", confidence))
	return index, confidence, nil
}

var jsonObject = regexp.MustCompile(`\{[^{}]*\}`)

// parseChoice reads the model's {"index", "confidence"} answer, tolerating
// prose or code fences around it.
func parseChoice(text string) (int, float64, error) {
	raw := jsonObject.FindString(strings.TrimSpace(text))
	if raw == "" {
		return -1, 0, fmt.Errorf("sampling: no JSON object in reply %q", text)
	}
	var choice struct {
		Index      *int    `json:"index"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &choice); err != nil {
		return -1, 0, fmt.Errorf("sampling: %w", err)
	}
	if choice.Index == nil {
		return -1, 0, fmt.Errorf("sampling: reply has no index")
	}
	confidence := choice.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if *choice.Index < 0 {
		return -1, confidence, nil
	}
	return *choice.Index, confidence, nil
}
