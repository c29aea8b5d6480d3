package providers

import (
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ravi-parthasarathy/flowpress/pkg/llm"
)

func TestAnthropicBuildParams(t *testing.T) {
	c := &anthropicClient{modelName: "claude-sonnet-4-6"}
	p := c.buildParams(llm.GenerateRequest{System: "be brief", Prompt: "draft a post", MaxTokens: 256})
	if string(p.Model) != "claude-sonnet-4-6" {
		t.Errorf("model = %q", p.Model)
	}
	if p.MaxTokens != 256 {
		t.Errorf("max tokens = %d", p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "be brief" {
		t.Errorf("system = %+v", p.System)
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != anthropicsdk.MessageParamRoleUser {
		t.Errorf("messages = %+v", p.Messages)
	}
}

func TestMapAnthropicError_Nil(t *testing.T) {
	if got := mapAnthropicError(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
