// Package gemini implements triage.Provider on top of the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Client implements the Provider interface for Gemini.
type Client struct {
	sdk   *genai.Client
	model string
}

// Options tune the underlying client. BaseURL is only set in tests.
type Options struct {
	Model   string
	BaseURL string
}

// New creates a Gemini client authenticated with an API key.
func New(ctx context.Context, apiKey string, opts Options) (*Client, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions.BaseURL = opts.BaseURL
	}
	sdk, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{sdk: sdk, model: opts.Model}, nil
}

// Send sends a request to Gemini and returns the response.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, toContents(req.Messages), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return fromResponse(resp, c.model), nil
}

func toContents(msgs []triage.LLMMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == triage.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse, model string) *triage.LLMResponse {
	out := &triage.LLMResponse{
		Text:  resp.Text(),
		Model: model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.StopReason = toStopReason(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = triage.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return out
}

func toStopReason(r genai.FinishReason) triage.StopReason {
	switch r {
	case genai.FinishReasonStop:
		return triage.StopEnd
	case genai.FinishReasonMaxTokens:
		return triage.StopMaxTokens
	default:
		return triage.StopReason(r)
	}
}
