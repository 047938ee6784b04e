package model

import (
	"testing"
)

func TestCandidates_Sort(t *testing.T) {
	candidates := Candidates{
		{Code: "502.02", Score: 0.40},
		{Code: "502.01", Score: 0.91},
		{Code: "502.03", Score: 0.40},
	}

	candidates.Sort()

	want := []string{"502.01", "502.02", "502.03"}
	for i, code := range want {
		if candidates[i].Code != code {
			t.Errorf("position %d: got %s, want %s", i, candidates[i].Code, code)
		}
	}
}

func TestCandidates_TopN(t *testing.T) {
	candidates := Candidates{
		{Code: "601.01", Score: 0.2},
		{Code: "601.02", Score: 0.8},
		{Code: "601.03", Score: 0.5},
	}

	tests := []struct {
		name string
		want []string
		n    int
	}{
		{name: "zero", n: 0, want: []string{}},
		{name: "two", n: 2, want: []string{"601.02", "601.03"}},
		{name: "more than available", n: 10, want: []string{"601.02", "601.03", "601.01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidates.TopN(tt.n).Codes()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestCandidates_ApplyBoost(t *testing.T) {
	candidates := Candidates{
		{Code: "502.01", Score: 0.70},
		{Code: "502.02", Score: 0.60},
	}

	candidates.ApplyBoost(map[string]bool{"502.02": true}, 0.25)

	if candidates[0].Code != "502.02" {
		t.Fatalf("boosted candidate should rank first, got %s", candidates[0].Code)
	}
	if candidates[0].Score != 0.85 {
		t.Errorf("boosted score = %.2f, want 0.85", candidates[0].Score)
	}

	candidates.ApplyBoost(map[string]bool{"502.02": true}, 0.5)
	if candidates[0].Score != 1.0 {
		t.Errorf("boost should cap at 1.0, got %.2f", candidates[0].Score)
	}
}

func TestCandidates_Validate(t *testing.T) {
	if err := (Candidates{{Code: "601.01"}, {Code: "601.02"}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Candidates{{Code: "601.01"}, {Code: "601.01"}}).Validate(); err == nil {
		t.Error("expected duplicate error")
	}
	if err := (Candidates{{Name: "no code"}}).Validate(); err == nil {
		t.Error("expected missing code error")
	}
}
