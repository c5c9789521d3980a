package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiProvider struct {
	usageTracker
	client *genai.Client
	opts   Options
}

func NewGeminiProvider(ctx context.Context, apiKey string, opts Options) (*GeminiProvider, error) {
	if opts.Model == "" {
		opts.Model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		usageTracker: usageTracker{pricing: opts.Pricing},
		client:       client,
		opts:         opts,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return p.opts.Model
}

func (p *GeminiProvider) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	return runCompare(ctx, p.newSession, p.opts, crop, reference, attrs, candidate)
}

func (p *GeminiProvider) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	return runSelect(ctx, p.newSession, p.opts, crop, attrs, candidates)
}

type geminiSession struct {
	p        *GeminiProvider
	contents []*genai.Content
}

func (p *GeminiProvider) newSession(req request) session {
	parts := []*genai.Part{{Text: req.system + "\n\n" + req.text}}
	for _, img := range req.images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img, MIMEType: "image/jpeg"}})
	}
	return &geminiSession{
		p:        p,
		contents: []*genai.Content{{Role: "user", Parts: parts}},
	}
}

func (s *geminiSession) send(ctx context.Context) (string, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := s.p.client.Models.GenerateContent(ctx, s.p.opts.Model, s.contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}

	if result.UsageMetadata != nil {
		s.p.trackUsage(int64(result.UsageMetadata.PromptTokenCount), int64(result.UsageMetadata.CandidatesTokenCount))
	}

	content := result.Text()
	if content == "" {
		return "", errors.New("no response from Gemini")
	}
	return content, nil
}

func (s *geminiSession) feedback(reply, message string) {
	s.contents = append(s.contents,
		&genai.Content{
			Role:  "model",
			Parts: []*genai.Part{{Text: reply}},
		},
		&genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: message}},
		},
	)
}
