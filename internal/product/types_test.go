package product

import "testing"

func TestStageOrdering(t *testing.T) {
	order := []Stage{StageSearched, StagePreFiltered, StageAIFiltered, StageVisualMatched}
	for i := 1; i < len(order); i++ {
		if !order[i-1].Before(order[i]) {
			t.Errorf("expected %s before %s", order[i-1], order[i])
		}
		if order[i].Before(order[i-1]) {
			t.Errorf("did not expect %s before %s", order[i], order[i-1])
		}
	}
}

func TestMaxStage(t *testing.T) {
	tests := []struct {
		a, b, want Stage
	}{
		{StageSearched, StagePreFiltered, StagePreFiltered},
		{StageVisualMatched, StagePreFiltered, StageVisualMatched},
		{StageNone, StageSearched, StageSearched},
		{StageAIFiltered, StageAIFiltered, StageAIFiltered},
	}
	for _, tt := range tests {
		if got := MaxStage(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxStage(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("ai_filtered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StageAIFiltered {
		t.Errorf("expected ai_filtered, got %s", s)
	}

	for _, bad := range []string{"", "matched", "SEARCHED"} {
		if _, err := ParseStage(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestAttributeUsable(t *testing.T) {
	tests := []struct {
		name string
		attr Attribute
		min  float64
		want bool
	}{
		{"present and confident", Attribute{Value: "Acme", Confidence: 0.9}, 0.3, true},
		{"blank", Attribute{Value: "  ", Confidence: 0.9}, 0.3, false},
		{"low confidence", Attribute{Value: "Acme", Confidence: 0.2}, 0.3, false},
		{"at threshold", Attribute{Value: "Acme", Confidence: 0.3}, 0.3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.attr.Usable(tt.min); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVisibilityAndVerdictValid(t *testing.T) {
	if !VisibilityPartial.Valid() || Visibility("blurry").Valid() {
		t.Error("unexpected visibility validity")
	}
	if !VerdictCloseVariant.Valid() || VerdictNone.Valid() {
		t.Error("unexpected verdict validity")
	}
}
