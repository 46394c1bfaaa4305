package workflow

import (
	"fmt"
	"math"
	"sync"
	"testing"
)

func TestSimilarity_IdenticalTextsScore100(t *testing.T) {
	cases := []struct{ a, b string }{
		{"habari ya asubuhi", "habari ya asubuhi"},
		{"Habari ya Asubuhi", "habari ya asubuhi"},
		{"  habari ya asubuhi ", "habari ya asubuhi"},
	}
	for _, tc := range cases {
		if got := Similarity(tc.a, tc.b); got != 100 {
			t.Fatalf("Similarity(%q, %q) expected 100, got %v", tc.a, tc.b, got)
		}
	}
}

func TestSimilarity_EmptyInputScoresZero(t *testing.T) {
	if got := Similarity("", "habari"); got != 0 {
		t.Fatalf("expected 0 for empty left side, got %v", got)
	}
	if got := Similarity("habari", "   "); got != 0 {
		t.Fatalf("expected 0 for blank right side, got %v", got)
	}
	if got := Similarity("", ""); got != 0 {
		t.Fatalf("expected 0 for both empty, got %v", got)
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	pairs := []struct{ a, b string }{
		{"habari ya asubuhi", "habari za asubuhi"},
		{"karibu sana", "karibu tena"},
		{"mambo vipi", "shikamoo"},
		{"a", "abcdefgh"},
	}
	for _, p := range pairs {
		ab := Similarity(p.a, p.b)
		ba := Similarity(p.b, p.a)
		if ab != ba {
			t.Fatalf("Similarity(%q, %q)=%v but reversed=%v", p.a, p.b, ab, ba)
		}
		if ab < 0 || ab > 100 {
			t.Fatalf("Similarity(%q, %q)=%v out of range", p.a, p.b, ab)
		}
	}
}

func TestSimilarity_KnownDistance(t *testing.T) {
	// "kitten" -> "sitting": distance 3, max len 7.
	want := math.Round((1-3.0/7.0)*100*100) / 100
	if got := Similarity("kitten", "sitting"); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestComputeConsensus_UndecidableBelowRequired(t *testing.T) {
	if _, ok := ComputeConsensus([]string{"habari"}, 3); ok {
		t.Fatal("expected no consensus with a single annotation")
	}
	if _, ok := ComputeConsensus([]string{"habari", "habari"}, 3); ok {
		t.Fatal("expected no consensus below required count")
	}
}

func TestComputeConsensus_IdenticalTexts(t *testing.T) {
	comp, ok := ComputeConsensus([]string{"habari ya asubuhi", "habari ya asubuhi", "habari ya asubuhi"}, 3)
	if !ok {
		t.Fatal("expected consensus to be computable")
	}
	if comp.AverageScore != 100 {
		t.Fatalf("expected average 100, got %v", comp.AverageScore)
	}
	if comp.WinnerIndex != 0 {
		t.Fatalf("identical texts must elect the earliest submission, got index %d", comp.WinnerIndex)
	}
	if comp.FinalText != "habari ya asubuhi" {
		t.Fatalf("unexpected final text %q", comp.FinalText)
	}
}

func TestComputeConsensus_AverageEqualsMatrixMean(t *testing.T) {
	texts := []string{"habari ya asubuhi", "habari za asubuhi", "habari asubuhi", "jambo asubuhi"}
	comp, ok := ComputeConsensus(texts, 3)
	if !ok {
		t.Fatal("expected consensus to be computable")
	}

	n := len(texts)
	if wantLen := n * (n - 1) / 2; len(comp.Matrix) != wantLen {
		t.Fatalf("expected %d matrix entries, got %d", wantLen, len(comp.Matrix))
	}
	var sum float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s, found := comp.Matrix[fmt.Sprintf("%d-%d", i, j)]
			if !found {
				t.Fatalf("missing matrix key %d-%d", i, j)
			}
			sum += s
		}
	}
	want := math.Round(sum/float64(len(comp.Matrix))*100) / 100
	if comp.AverageScore != want {
		t.Fatalf("average %v does not match matrix mean %v", comp.AverageScore, want)
	}
}

func TestComputeConsensus_MajorityWins(t *testing.T) {
	// Two agreeing texts against one outlier: an agreeing text must win.
	texts := []string{"asante sana kwa msaada", "asante sana kwa msaada", "kitu kingine kabisa tofauti"}
	comp, ok := ComputeConsensus(texts, 3)
	if !ok {
		t.Fatal("expected consensus to be computable")
	}
	if comp.WinnerIndex != 0 {
		t.Fatalf("expected the earliest agreeing text to win, got index %d", comp.WinnerIndex)
	}
	if comp.Supports[0] <= comp.Supports[2] {
		t.Fatalf("agreeing text support %v should beat outlier support %v", comp.Supports[0], comp.Supports[2])
	}
}

func TestComputeConsensus_TieBreaksToEarliestSubmission(t *testing.T) {
	// Indices 0 and 2 are identical, so their supports tie exactly; the
	// earlier submission must win.
	texts := []string{"abab", "baba", "abab"}
	comp, ok := ComputeConsensus(texts, 3)
	if !ok {
		t.Fatal("expected consensus to be computable")
	}
	if comp.Supports[0] != comp.Supports[2] {
		t.Fatalf("expected tied supports, got %v and %v", comp.Supports[0], comp.Supports[2])
	}
	if comp.WinnerIndex != 0 {
		t.Fatalf("tied supports must elect the lowest index, got %d", comp.WinnerIndex)
	}
}

func TestComputeConsensus_DeterministicUnderConcurrency(t *testing.T) {
	texts := []string{"habari ya asubuhi", "habari za asubuhi", "habari asubuhi nzuri", "habari ya asubuhi"}

	base, ok := ComputeConsensus(texts, 3)
	if !ok {
		t.Fatal("expected consensus to be computable")
	}

	const runs = 100
	results := make([]ConsensusComputation, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			comp, ok := ComputeConsensus(texts, 3)
			if !ok {
				t.Errorf("run %d: consensus not computable", i)
				return
			}
			results[i] = comp
		}(i)
	}
	wg.Wait()

	for i, comp := range results {
		if comp.WinnerIndex != base.WinnerIndex || comp.FinalText != base.FinalText || comp.AverageScore != base.AverageScore {
			t.Fatalf("run %d diverged: got (%d, %q, %v), want (%d, %q, %v)",
				i, comp.WinnerIndex, comp.FinalText, comp.AverageScore,
				base.WinnerIndex, base.FinalText, base.AverageScore)
		}
	}
}
