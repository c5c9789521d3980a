package ai

import (
	"context"
	"errors"
	"image/color"
	"strings"
	"testing"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// scriptedSession replays canned replies and records feedback.
type scriptedSession struct {
	replies []string
	sendErr error
	sent    int
	notes   []string
}

func (s *scriptedSession) send(ctx context.Context) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	reply := s.replies[s.sent]
	s.sent++
	return reply, nil
}

func (s *scriptedSession) feedback(reply, message string) {
	s.notes = append(s.notes, message)
}

func TestConverse_RepairsOnce(t *testing.T) {
	s := &scriptedSession{replies: []string{
		`{"verdict":"identical"}`,
		`{"verdict":"identical","confidence":0.93}`,
	}}
	result, err := converse(context.Background(), s, 1, parsePair)
	if err != nil {
		t.Fatalf("converse failed: %v", err)
	}
	if result.Confidence != 0.93 {
		t.Errorf("expected repaired confidence 0.93, got %v", result.Confidence)
	}
	if s.sent != 2 {
		t.Errorf("expected 2 sends, got %d", s.sent)
	}
	if len(s.notes) != 1 || !strings.Contains(s.notes[0], "missing confidence") {
		t.Errorf("expected parse feedback, got %v", s.notes)
	}
}

func TestConverse_GivesUpAfterRetries(t *testing.T) {
	s := &scriptedSession{replies: []string{"nope", "still nope", "never sent"}}
	_, err := converse(context.Background(), s, 1, parsePair)

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected wrapped *ParseError, got %v", err)
	}
	if s.sent != 2 {
		t.Errorf("expected 2 sends, got %d", s.sent)
	}
}

func TestConverse_ZeroRetries(t *testing.T) {
	s := &scriptedSession{replies: []string{"nope", "unused"}}
	if _, err := converse(context.Background(), s, 0, parsePair); err == nil {
		t.Fatal("expected error")
	}
	if s.sent != 1 {
		t.Errorf("expected 1 send, got %d", s.sent)
	}
}

func TestConverse_TransportErrorNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	s := &scriptedSession{sendErr: boom}
	_, err := converse(context.Background(), s, 3, parsePair)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		t.Error("transport error must not be a ParseError")
	}
}

func TestRunSelect_AttachesCropFirst(t *testing.T) {
	var got request
	open := func(req request) session {
		got = req
		return &scriptedSession{replies: []string{
			`{"candidates":[{"key":"c1","similarity":0.9},{"key":"c2","similarity":0.2}],"best_key":"c1","confidence":0.9}`,
		}}
	}

	crop := encodeJPEG(createTestImage(40, 80, color.White))
	candidates := []CandidateImage{
		{CandidateMeta: CandidateMeta{Key: "c1", Brand: "Acme"}, Image: encodeJPEG(createTestImage(60, 60, color.Black))},
		{CandidateMeta: CandidateMeta{Key: "c2", Brand: "Acme"}, Image: encodeJPEG(createTestImage(60, 60, color.Black))},
	}
	attrs := product.Attributes{Brand: product.Attribute{Value: "Acme", Confidence: 0.9}}

	result, err := runSelect(context.Background(), open, Options{ImageMaxSize: 32}, crop, attrs, candidates)
	if err != nil {
		t.Fatalf("runSelect failed: %v", err)
	}
	if result.BestKey != "c1" {
		t.Errorf("expected c1, got %q", result.BestKey)
	}
	if len(got.images) != 3 {
		t.Fatalf("expected crop + 2 references, got %d images", len(got.images))
	}
	if got.system != selectPrompt {
		t.Error("expected selection prompt")
	}
	if !strings.Contains(got.text, "1. key=c1") || !strings.Contains(got.text, "2. key=c2") {
		t.Errorf("candidate list not numbered in order:\n%s", got.text)
	}
}

func TestRunSelect_RejectsEmpty(t *testing.T) {
	open := func(req request) session { t.Fatal("no session expected"); return nil }
	if _, err := runSelect(context.Background(), open, Options{}, []byte{1}, product.Attributes{}, nil); err == nil {
		t.Fatal("expected error for no candidates")
	}
}

func TestRunCompare_EmptyImage(t *testing.T) {
	open := func(req request) session { t.Fatal("no session expected"); return nil }
	crop := encodeJPEG(createTestImage(10, 10, color.White))
	if _, err := runCompare(context.Background(), open, Options{}, crop, nil, product.Attributes{}, CandidateMeta{Key: "c1"}); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestBuildCompareContent(t *testing.T) {
	attrs := product.Attributes{
		Brand:    product.Attribute{Value: "Acme", Confidence: 0.9},
		Size:     product.Attribute{Value: "12oz", Confidence: 0.6},
		Retailer: "Corner Mart",
	}
	content := buildCompareContent(attrs, CandidateMeta{Key: "c1", Name: "Acme Cola", Size: "12 fl oz"})

	for _, want := range []string{"brand: Acme (0.90)", "size: 12oz (0.60)", "Photographed at: Corner Mart", `key=c1 name="Acme Cola" size="12 fl oz"`} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "flavor") {
		t.Errorf("absent attributes should be omitted:\n%s", content)
	}
}

func TestBuildSelectContent_IncludesFlavor(t *testing.T) {
	content := buildSelectContent(product.Attributes{}, []CandidateImage{
		{CandidateMeta: CandidateMeta{Key: "c1", Name: "Acme Cola", Flavor: "cherry"}},
		{CandidateMeta: CandidateMeta{Key: "c2", Name: "Acme Cola"}},
	})
	if !strings.Contains(content, `key=c1 name="Acme Cola" flavor="cherry"`) {
		t.Errorf("expected candidate flavor in content:\n%s", content)
	}
	if strings.Count(content, "flavor=") != 1 {
		t.Errorf("empty flavor should be omitted:\n%s", content)
	}
}

func TestBuildCompareContent_NoAttributes(t *testing.T) {
	content := buildCompareContent(product.Attributes{}, CandidateMeta{Key: "c1"})
	if !strings.Contains(content, "none readable") {
		t.Errorf("expected placeholder, got:\n%s", content)
	}
}
