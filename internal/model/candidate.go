package model

import (
	"fmt"
	"sort"
)

// CandidateAccount is one catalog account proposed for the account phase.
type CandidateAccount struct {
	Code        string
	Name        string
	PrefixHint  string
	Description string
	Score       float64
}

// Candidates is a ranked list of candidate accounts.
type Candidates []CandidateAccount

// Len implements sort.Interface.
func (c Candidates) Len() int {
	return len(c)
}

// Less implements sort.Interface - higher scores come first.
func (c Candidates) Less(i, j int) bool {
	if c[i].Score != c[j].Score {
		return c[i].Score > c[j].Score
	}
	return c[i].Code < c[j].Code
}

// Swap implements sort.Interface.
func (c Candidates) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
}

// Sort orders the candidates by score, best first.
func (c Candidates) Sort() {
	sort.Sort(c)
}

// Top returns the best candidate, or nil if the list is empty.
func (c Candidates) Top() *CandidateAccount {
	if len(c) == 0 {
		return nil
	}
	c.Sort()
	return &c[0]
}

// TopN returns the n best candidates.
func (c Candidates) TopN(n int) Candidates {
	if n <= 0 {
		return Candidates{}
	}
	c.Sort()
	if n > len(c) {
		n = len(c)
	}
	result := make(Candidates, n)
	copy(result, c[:n])
	return result
}

// Find returns the candidate with the given code.
func (c Candidates) Find(code string) (CandidateAccount, bool) {
	for _, candidate := range c {
		if candidate.Code == code {
			return candidate, true
		}
	}
	return CandidateAccount{}, false
}

// Codes lists the candidate codes in rank order.
func (c Candidates) Codes() []string {
	codes := make([]string, len(c))
	for i, candidate := range c {
		codes[i] = candidate.Code
	}
	return codes
}

// ApplyBoost raises the score of the listed codes, capped at 1.0, and re-sorts.
func (c Candidates) ApplyBoost(codes map[string]bool, boost float64) {
	for i := range c {
		if codes[c[i].Code] {
			c[i].Score = minFloat(c[i].Score+boost, 1.0)
		}
	}
	c.Sort()
}

// Validate ensures every candidate carries a code and an in-range score.
func (c Candidates) Validate() error {
	seen := make(map[string]bool, len(c))
	for i, candidate := range c {
		if candidate.Code == "" {
			return fmt.Errorf("candidate at index %d has no code", i)
		}
		if seen[candidate.Code] {
			return fmt.Errorf("duplicate candidate %q", candidate.Code)
		}
		seen[candidate.Code] = true
	}
	return nil
}

// minFloat returns the smaller of two float64 values.
func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
