package ai

import (
	"context"
	"encoding/base64"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

type AnthropicProvider struct {
	usageTracker
	client sdk.Client
	opts   Options
}

// NewAnthropicProvider creates a Claude comparator. Extra request options
// (e.g. option.WithBaseURL in tests) are passed to the client.
func NewAnthropicProvider(apiKey string, opts Options, extra ...option.RequestOption) *AnthropicProvider {
	if opts.Model == "" {
		opts.Model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		usageTracker: usageTracker{pricing: opts.Pricing},
		client:       sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, extra...)...),
		opts:         opts,
	}
}

func (p *AnthropicProvider) Name() string {
	return p.opts.Model
}

func (p *AnthropicProvider) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	return runCompare(ctx, p.newSession, p.opts, crop, reference, attrs, candidate)
}

func (p *AnthropicProvider) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	return runSelect(ctx, p.newSession, p.opts, crop, attrs, candidates)
}

type anthropicSession struct {
	p        *AnthropicProvider
	system   string
	messages []sdk.MessageParam
}

func (p *AnthropicProvider) newSession(req request) session {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.images)+1)
	for _, img := range req.images {
		blocks = append(blocks, sdk.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.text))

	return &anthropicSession{
		p:        p,
		system:   req.system,
		messages: []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
}

func (s *anthropicSession) send(ctx context.Context) (string, error) {
	msg, err := s.p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.p.opts.Model),
		MaxTokens: 800,
		System:    []sdk.TextBlockParam{{Text: s.system}},
		Messages:  s.messages,
	})
	if err != nil {
		return "", eris.Wrap(err, "anthropic: create message")
	}

	s.p.trackUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens)

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", eris.New("anthropic: empty response")
	}
	return b.String(), nil
}

func (s *anthropicSession) feedback(reply, message string) {
	s.messages = append(s.messages,
		sdk.NewAssistantMessage(sdk.NewTextBlock(reply)),
		sdk.NewUserMessage(sdk.NewTextBlock(message)),
	)
}
