package ai

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

//go:embed prompts/compare.txt
var comparePrompt string

//go:embed prompts/select.txt
var selectPrompt string

// request is a provider-neutral prompt: system text, user text and JPEG images
// in the order the prompt refers to them.
type request struct {
	system string
	text   string
	images [][]byte
}

// session is one conversation with a provider. feedback appends the model's
// reply and a correction so the next send can repair it.
type session interface {
	send(ctx context.Context) (string, error)
	feedback(reply, message string)
}

type sessionFactory func(req request) session

func writeAttributes(b *strings.Builder, attrs product.Attributes) {
	b.WriteString("Shelf attributes (value, extraction confidence):\n")
	fields := []struct {
		name string
		attr product.Attribute
	}{
		{"brand", attrs.Brand},
		{"product name", attrs.ProductName},
		{"category", attrs.Category},
		{"flavor", attrs.Flavor},
		{"size", attrs.Size},
		{"description", attrs.Description},
	}
	written := 0
	for _, f := range fields {
		if !f.attr.Present() {
			continue
		}
		fmt.Fprintf(b, "- %s: %s (%.2f)\n", f.name, f.attr.Value, f.attr.Confidence)
		written++
	}
	if written == 0 {
		b.WriteString("- none readable\n")
	}
	if attrs.Retailer != "" {
		fmt.Fprintf(b, "Photographed at: %s\n", attrs.Retailer)
	}
}

func writeCandidate(b *strings.Builder, c CandidateMeta) {
	fmt.Fprintf(b, "key=%s", c.Key)
	if c.Name != "" {
		fmt.Fprintf(b, " name=%q", c.Name)
	}
	if c.Brand != "" {
		fmt.Fprintf(b, " brand=%q", c.Brand)
	}
	if c.Size != "" {
		fmt.Fprintf(b, " size=%q", c.Size)
	}
	if c.Flavor != "" {
		fmt.Fprintf(b, " flavor=%q", c.Flavor)
	}
	b.WriteString("\n")
}

// buildCompareContent builds the user message for a pairwise comparison.
func buildCompareContent(attrs product.Attributes, candidate CandidateMeta) string {
	var b strings.Builder
	writeAttributes(&b, attrs)
	b.WriteString("\nCatalog candidate:\n")
	writeCandidate(&b, candidate)
	return b.String()
}

// buildSelectContent builds the user message for a multi-candidate comparison.
// Candidates are numbered in the order their images are attached.
func buildSelectContent(attrs product.Attributes, candidates []CandidateImage) string {
	var b strings.Builder
	writeAttributes(&b, attrs)
	b.WriteString("\nCatalog candidates (image order):\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. ", i+1)
		writeCandidate(&b, c.CandidateMeta)
	}
	return b.String()
}

func prepareImages(maxSize int, images ...[]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(images))
	for i, img := range images {
		if len(img) == 0 {
			return nil, fmt.Errorf("image %d is empty", i)
		}
		resized, err := ResizeImage(img, maxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to resize image %d: %w", i, err)
		}
		out = append(out, resized)
	}
	return out, nil
}

// converse sends the session and parses the reply. A malformed reply is fed
// back with the parse error up to retries times.
func converse[T any](ctx context.Context, s session, retries int, parse func(string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := max(retries, 0) + 1

	for range attempts {
		reply, err := s.send(ctx)
		if err != nil {
			return zero, err
		}

		result, err := parse(reply)
		if err == nil {
			return result, nil
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			return zero, err
		}
		lastErr = err
		s.feedback(reply, fmt.Sprintf("JSON parse error: %s. Please fix the JSON and try again. Output ONLY valid JSON, no other text.", parseErr.Reason))
	}

	return zero, fmt.Errorf("failed to parse response after %d attempts: %w", attempts, lastErr)
}

func runCompare(ctx context.Context, open sessionFactory, opts Options, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	images, err := prepareImages(opts.ImageMaxSize, crop, reference)
	if err != nil {
		return nil, err
	}
	s := open(request{
		system: comparePrompt,
		text:   buildCompareContent(attrs, candidate),
		images: images,
	})
	return converse(ctx, s, opts.ParseRetries, parsePair)
}

func runSelect(ctx context.Context, open sessionFactory, opts Options, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no candidates to compare")
	}
	raw := make([][]byte, 0, len(candidates)+1)
	raw = append(raw, crop)
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		raw = append(raw, c.Image)
		keys = append(keys, c.Key)
	}
	images, err := prepareImages(opts.ImageMaxSize, raw...)
	if err != nil {
		return nil, err
	}
	s := open(request{
		system: selectPrompt,
		text:   buildSelectContent(attrs, candidates),
		images: images,
	})
	return converse(ctx, s, opts.ParseRetries, func(content string) (*SelectionResult, error) {
		return parseSelection(content, keys)
	})
}
