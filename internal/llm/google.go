package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GoogleOptions configures the Gemini adapter.
type GoogleOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
}

// Google implements Client and Embedder on the Gemini API.
type Google struct {
	opts   GoogleOptions
	mu     sync.Mutex
	client *genai.Client
}

// NewGoogle creates a Gemini adapter. The SDK client is created lazily on
// the first call.
func NewGoogle(opts GoogleOptions) *Google {
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-004"
	}
	return &Google{opts: opts}
}

func (g *Google) initClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.opts.BaseURL},
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("google: create client: %w", err))
	}
	g.client = client
	return client, nil
}

// Complete sends a GenerateContent request.
func (g *Google) Complete(ctx context.Context, req *Request) (*Response, error) {
	client, err := g.initClient(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = g.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.opts.MaxTokens
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
	}
	if req.Format == FormatJSON {
		cfg.ResponseMIMEType = "application/json"
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classifyGoogle(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewFatalError(errors.New("google: empty response"))
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}

	out := &Response{
		Text:         text.String(),
		Model:        model,
		FinishReason: string(candidate.FinishReason),
		Truncated:    candidate.FinishReason == genai.FinishReasonMaxTokens,
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	recordUsage(ctx, "google", model, out.Usage)
	return out, nil
}

// Embed returns one embedding per text. The API embeds a single input per
// call.
func (g *Google) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := g.initClient(ctx)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		result, err := client.Models.EmbedContent(ctx, g.opts.EmbeddingModel, genai.Text(text), &genai.EmbedContentConfig{})
		if err != nil {
			return nil, classifyGoogle(err)
		}
		if len(result.Embeddings) == 0 {
			return nil, NewFatalError(errors.New("google: no embeddings returned"))
		}
		out = append(out, result.Embeddings[0].Values)
	}
	return out, nil
}

func classifyGoogle(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, fmt.Errorf("google: %w", err))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus(apiErrPtr.Code, fmt.Errorf("google: %w", err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewFatalError(err)
	}
	return NewTransientError(fmt.Errorf("google: %w", err))
}
