package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.2-vision:11b"
)

type OllamaProvider struct {
	usageTracker
	baseURL string
	client  *http.Client
	opts    Options
}

func NewOllamaProvider(baseURL string, opts Options) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if opts.Model == "" {
		opts.Model = defaultOllamaModel
	}
	return &OllamaProvider{
		usageTracker: usageTracker{pricing: opts.Pricing},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		client:       &http.Client{},
		opts:         opts,
	}
}

func (p *OllamaProvider) Name() string {
	return p.opts.Model
}

func (p *OllamaProvider) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	return runCompare(ctx, p.newSession, p.opts, crop, reference, attrs, candidate)
}

func (p *OllamaProvider) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	return runSelect(ctx, p.newSession, p.opts, crop, attrs, candidates)
}

// ollamaRequest represents a request to the Ollama chat API
type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options,omitzero"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64 encoded images
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

// ollamaResponse represents a response from the Ollama chat API
type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

type ollamaSession struct {
	p        *OllamaProvider
	messages []ollamaMessage
}

func (p *OllamaProvider) newSession(req request) session {
	images := make([]string, 0, len(req.images))
	for _, img := range req.images {
		images = append(images, base64.StdEncoding.EncodeToString(img))
	}
	return &ollamaSession{
		p: p,
		messages: []ollamaMessage{
			{Role: "system", Content: req.system},
			{Role: "user", Content: req.text, Images: images},
		},
	}
}

func (s *ollamaSession) send(ctx context.Context) (string, error) {
	resp, err := s.p.sendRequest(ctx, s.messages)
	if err != nil {
		return "", fmt.Errorf("ollama API error: %w", err)
	}
	// Ollama is free, but we track tokens for stats
	s.p.trackUsage(int64(resp.PromptEvalCount), int64(resp.EvalCount))
	return resp.Message.Content, nil
}

func (s *ollamaSession) feedback(reply, message string) {
	s.messages = append(s.messages,
		ollamaMessage{Role: "assistant", Content: reply},
		ollamaMessage{Role: "user", Content: message},
	)
}

func (p *OllamaProvider) sendRequest(ctx context.Context, messages []ollamaMessage) (*ollamaResponse, error) {
	reqBody := ollamaRequest{
		Model:    p.opts.Model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
		Options: ollamaOptions{
			NumPredict: 800,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &ollamaResp, nil
}
