package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ravi-parthasarathy/flowpress/pkg/llm"
)

func init() {
	llm.RegisterProvider("gemini", func(modelName string) (llm.Client, error) {
		return newGeminiClient(modelName)
	})
}

type geminiClient struct {
	sdk       *genai.Client
	modelName string
}

func newGeminiClient(modelName string) (*geminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY environment variable not set")
	}
	// genai.NewClient requires a context; use Background for construction.
	sdk, err := genai.NewClient(context.Background(), option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiClient{sdk: sdk, modelName: modelName}, nil
}

// Generate performs a blocking generation with automatic retry on transient errors.
func (c *geminiClient) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	model := c.sdk.GenerativeModel(c.modelName)
	model.SetMaxOutputTokens(int32(req.MaxTokensOr()))
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	// System prompt goes to SystemInstruction, not the content.
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		out, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
		if err != nil {
			return mapGeminiError(err)
		}
		resp = convertGeminiResponse(c.modelName, out)
		return nil
	})
	return resp, err
}

func convertGeminiResponse(modelName string, resp *genai.GenerateContentResponse) llm.GenerateResponse {
	out := llm.GenerateResponse{Model: "gemini:" + modelName, StopReason: llm.StopReasonEndTurn}
	if resp == nil {
		return out
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			var text strings.Builder
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
			out.Text = text.String()
		}
		switch cand.FinishReason {
		case genai.FinishReasonMaxTokens:
			out.StopReason = llm.StopReasonMaxTokens
		case genai.FinishReasonSafety, genai.FinishReasonRecitation:
			out.StopReason = llm.StopReasonFiltered
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out
}

func mapGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.Code, apiErr.Message, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
