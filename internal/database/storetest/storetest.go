// Package storetest holds behaviour checks shared by every database.Store
// implementation. Backend test files call Run with a constructor for a fresh,
// empty store.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// Factory returns a new empty store. Cleanup is registered on t.
type Factory func(t *testing.T) database.Store

func sampleDetection(id string) *product.Detection {
	return &product.Detection{
		ID:      id,
		ImageID: "img-1",
		Index:   3,
		Attributes: product.Attributes{
			Brand: product.Attribute{Value: "Acme", Confidence: 0.9},
			Size:  product.Attribute{Value: "12oz", Confidence: 0.8},
		},
		Visibility:  product.VisibilityClear,
		IsProduct:   true,
		CropLocator: "/crops/" + id + ".jpg",
	}
}

func searched(name string, rank int) database.CandidateFields {
	return database.CandidateFields{
		Stage:    product.StageSearched,
		Metadata: &database.CandidateMetadata{Name: name, Brand: "Acme", Size: "12 oz", ImageURL: "http://img/" + name, Rank: rank},
	}
}

// Run executes the shared checks.
func Run(t *testing.T, newStore Factory) {
	t.Run("DetectionRoundTrip", func(t *testing.T) { testDetectionRoundTrip(t, newStore(t)) })
	t.Run("DetectionNotFound", func(t *testing.T) { testDetectionNotFound(t, newStore(t)) })
	t.Run("UpsertDeduplicates", func(t *testing.T) { testUpsertDeduplicates(t, newStore(t)) })
	t.Run("UpsertNilKeepsValues", func(t *testing.T) { testUpsertNilKeepsValues(t, newStore(t)) })
	t.Run("UpsertIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("CommitResolves", func(t *testing.T) { testCommitResolves(t, newStore(t)) })
	t.Run("CommitMissingCandidate", func(t *testing.T) { testCommitMissingCandidate(t, newStore(t)) })
	t.Run("SaveDetectionKeepsResolution", func(t *testing.T) { testSaveDetectionKeepsResolution(t, newStore(t)) })
	t.Run("CandidatesScopedToDetection", func(t *testing.T) { testCandidatesScoped(t, newStore(t)) })
}

func mustSave(t *testing.T, s database.Store, d *product.Detection) {
	t.Helper()
	if err := s.SaveDetection(context.Background(), d); err != nil {
		t.Fatalf("SaveDetection failed: %v", err)
	}
}

func mustUpsert(t *testing.T, s database.Store, detID, key string, f database.CandidateFields) {
	t.Helper()
	if err := s.Upsert(context.Background(), detID, key, f); err != nil {
		t.Fatalf("Upsert(%s, %s) failed: %v", detID, key, err)
	}
}

func testDetectionRoundTrip(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))

	got, err := s.GetDetection(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDetection failed: %v", err)
	}
	if got.ImageID != "img-1" || got.Index != 3 {
		t.Errorf("unexpected identity: %+v", got)
	}
	if got.Attributes.Brand.Value != "Acme" || got.Attributes.Size.Confidence != 0.8 {
		t.Errorf("attributes not round-tripped: %+v", got.Attributes)
	}
	if got.Visibility != product.VisibilityClear || !got.IsProduct {
		t.Errorf("unexpected visibility/is_product: %s %v", got.Visibility, got.IsProduct)
	}
	if got.FullyResolved || got.ChosenKey != "" {
		t.Errorf("new detection should be unresolved: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func testDetectionNotFound(t *testing.T, s database.Store) {
	_, err := s.GetDetection(context.Background(), "missing")
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_, err = s.GetCandidate(context.Background(), "missing", "k")
	if !errors.Is(err, database.ErrCandidateNotFound) {
		t.Errorf("expected ErrCandidateNotFound, got %v", err)
	}
}

func testUpsertDeduplicates(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))

	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))
	score := 0.91
	mustUpsert(t, s, "d1", "sku-1", database.CandidateFields{Stage: product.StagePreFiltered, PrefilterScore: &score})
	mustUpsert(t, s, "d1", "sku-2", searched("Cola Zero", 1))

	list, err := s.ListCandidates(ctx, "d1")
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(list))
	}
	if list[0].Key != "sku-1" || list[0].Stage != product.StagePreFiltered {
		t.Errorf("expected sku-1 updated in place to pre_filtered, got %s at %s", list[0].Key, list[0].Stage)
	}
}

func testUpsertNilKeepsValues(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))

	score := 0.9
	verdict := product.VerdictCloseVariant
	conf := 0.8
	why := "same label, different flavor"
	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 4))
	mustUpsert(t, s, "d1", "sku-1", database.CandidateFields{Stage: product.StagePreFiltered, PrefilterScore: &score})
	mustUpsert(t, s, "d1", "sku-1", database.CandidateFields{Stage: product.StageAIFiltered, Verdict: &verdict, AIConfidence: &conf, Rationale: &why})
	sim := 0.77
	mustUpsert(t, s, "d1", "sku-1", database.CandidateFields{Stage: product.StageVisualMatched, Similarity: &sim})

	c, err := s.GetCandidate(ctx, "d1", "sku-1")
	if err != nil {
		t.Fatalf("GetCandidate failed: %v", err)
	}
	if c.Name != "Cola" || c.Rank != 4 || c.ImageURL != "http://img/Cola" {
		t.Errorf("metadata lost: %+v", c)
	}
	if c.PrefilterScore == nil || *c.PrefilterScore != 0.9 {
		t.Errorf("prefilter score lost: %v", c.PrefilterScore)
	}
	if c.Verdict != product.VerdictCloseVariant || c.AIConfidence == nil || *c.AIConfidence != 0.8 {
		t.Errorf("verdict/confidence lost: %s %v", c.Verdict, c.AIConfidence)
	}
	if c.Rationale != why {
		t.Errorf("rationale lost: %q", c.Rationale)
	}
	if c.Similarity == nil || *c.Similarity != 0.77 {
		t.Errorf("similarity not written: %v", c.Similarity)
	}
	if c.Stage != product.StageVisualMatched {
		t.Errorf("expected visual_matched, got %s", c.Stage)
	}
}

func testUpsertIdempotent(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))

	score := 0.88
	apply := func() {
		mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))
		mustUpsert(t, s, "d1", "sku-1", database.CandidateFields{Stage: product.StagePreFiltered, PrefilterScore: &score})
	}
	apply()
	first, _ := s.ListCandidates(ctx, "d1")
	apply()
	second, _ := s.ListCandidates(ctx, "d1")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected exactly one row after both passes, got %d and %d", len(first), len(second))
	}
	a, b := first[0], second[0]
	if a.Stage != b.Stage || *a.PrefilterScore != *b.PrefilterScore || a.Name != b.Name {
		t.Errorf("state differs between passes: %+v vs %+v", a, b)
	}
}

func testCommitResolves(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))
	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))
	mustUpsert(t, s, "d1", "sku-2", searched("Cola Zero", 1))

	sim1, sim2 := 0.93, 0.75
	identical, variant := product.VerdictIdentical, product.VerdictCloseVariant
	err := s.Commit(ctx, "d1", []database.CandidateUpsert{
		{Key: "sku-1", Fields: database.CandidateFields{Stage: product.StageVisualMatched, Similarity: &sim1, Verdict: &identical}},
		{Key: "sku-2", Fields: database.CandidateFields{Stage: product.StageVisualMatched, Similarity: &sim2, Verdict: &variant}},
	}, &database.Resolution{ChosenKey: "sku-1", Method: product.MethodTieBreak, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	d, err := s.GetDetection(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDetection failed: %v", err)
	}
	if !d.FullyResolved || d.ChosenKey != "sku-1" || d.SelectionMethod != product.MethodTieBreak {
		t.Errorf("unexpected resolution: %+v", d)
	}
	if d.MatchConfidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", d.MatchConfidence)
	}
	c, _ := s.GetCandidate(ctx, "d1", "sku-2")
	if c == nil || c.Stage != product.StageVisualMatched || c.Verdict != product.VerdictCloseVariant {
		t.Errorf("candidate upsert not applied: %+v", c)
	}
}

func testCommitMissingCandidate(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))
	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))

	sim := 0.5
	err := s.Commit(ctx, "d1", []database.CandidateUpsert{
		{Key: "sku-1", Fields: database.CandidateFields{Stage: product.StageVisualMatched, Similarity: &sim}},
	}, &database.Resolution{ChosenKey: "ghost", Method: product.MethodAutoSelect, Confidence: 0.9})
	if !errors.Is(err, database.ErrCandidateNotFound) {
		t.Fatalf("expected ErrCandidateNotFound, got %v", err)
	}

	d, _ := s.GetDetection(ctx, "d1")
	if d.FullyResolved {
		t.Error("detection must stay unresolved")
	}
	c, _ := s.GetCandidate(ctx, "d1", "sku-1")
	if c.Stage != product.StageSearched || c.Similarity != nil {
		t.Errorf("failed commit must not apply its upserts, got %+v", c)
	}
}

func testSaveDetectionKeepsResolution(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))
	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))
	if err := s.Commit(ctx, "d1", nil, &database.Resolution{ChosenKey: "sku-1", Method: product.MethodAutoSelect, Confidence: 0.7}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	again := sampleDetection("d1")
	again.Attributes.Brand.Value = "Acme Foods"
	mustSave(t, s, again)

	d, _ := s.GetDetection(ctx, "d1")
	if !d.FullyResolved || d.ChosenKey != "sku-1" {
		t.Errorf("SaveDetection cleared resolution: %+v", d)
	}
	if d.Attributes.Brand.Value != "Acme Foods" {
		t.Errorf("SaveDetection did not update attributes: %+v", d.Attributes)
	}
}

func testCandidatesScoped(t *testing.T, s database.Store) {
	ctx := context.Background()
	mustSave(t, s, sampleDetection("d1"))
	mustSave(t, s, sampleDetection("d2"))
	mustUpsert(t, s, "d1", "sku-1", searched("Cola", 0))
	mustUpsert(t, s, "d2", "sku-1", searched("Cola", 0))

	for _, id := range []string{"d1", "d2"} {
		list, err := s.ListCandidates(ctx, id)
		if err != nil {
			t.Fatalf("ListCandidates(%s) failed: %v", id, err)
		}
		if len(list) != 1 {
			t.Errorf("expected one row for %s, got %d", id, len(list))
		}
	}
}
