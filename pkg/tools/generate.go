package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ravi-parthasarathy/flowpress/pkg/llm"
)

// platformGuides are appended to the system prompt when a target platform is named.
var platformGuides = map[string]string{
	"twitter":   "Write for X/Twitter: at most 280 characters, punchy, no more than two hashtags.",
	"linkedin":  "Write for LinkedIn: professional tone, short paragraphs, end with a question.",
	"instagram": "Write an Instagram caption: warm tone, line breaks, up to five hashtags at the end.",
	"blog":      "Write a blog section in Markdown with a heading and clear paragraphs.",
	"newsletter": "Write a newsletter segment: friendly greeting, one key takeaway, " +
		"and a call to action.",
}

// GenerateContentTool produces text with an LLM client.
type GenerateContentTool struct {
	client    llm.Client
	maxTokens int
}

// NewGenerateContentTool creates the tool. maxTokens is the default output
// budget when params do not set one.
func NewGenerateContentTool(client llm.Client, maxTokens int) *GenerateContentTool {
	return &GenerateContentTool{client: client, maxTokens: maxTokens}
}

func (t *GenerateContentTool) Name() string { return "generate_content" }
func (t *GenerateContentTool) Description() string {
	return "Generate copy for a topic, optionally tuned to a publishing platform."
}

// Execute returns {"content", "model", "platform", "stopReason", "usage"}.
func (t *GenerateContentTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	var p struct {
		Prompt      string   `json:"prompt"`
		Topic       string   `json:"topic"`
		Platform    string   `json:"platform"`
		Tone        string   `json:"tone"`
		System      string   `json:"system"`
		MaxTokens   int      `json:"maxTokens" validate:"gte=0"`
		Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	}
	if err := decodeParams(t.Name(), params, &p); err != nil {
		return nil, err
	}
	prompt := p.Prompt
	if prompt == "" {
		if p.Topic == "" {
			return nil, fmt.Errorf("generate_content: prompt or topic is required")
		}
		prompt = "Write about: " + p.Topic
	}

	system := []string{}
	if p.System != "" {
		system = append(system, p.System)
	}
	if guide, ok := platformGuides[strings.ToLower(p.Platform)]; ok {
		system = append(system, guide)
	}
	if p.Tone != "" {
		system = append(system, "Tone: "+p.Tone+".")
	}

	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = t.maxTokens
	}
	resp, err := t.client.Generate(ctx, llm.GenerateRequest{
		System:      strings.Join(system, "\n"),
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate_content: %w", err)
	}
	return map[string]any{
		"content":    resp.Text,
		"model":      resp.Model,
		"platform":   p.Platform,
		"stopReason": string(resp.StopReason),
		"usage": map[string]any{
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		},
	}, nil
}
