package workflow

import (
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Similarity scores two transcriptions as a percentage (0-100) using
// normalized Levenshtein distance. Comparison is case-insensitive on trimmed
// text; either side empty scores 0. Rounded to 2 decimal places.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	distance := levenshtein.ComputeDistance(a, b)
	score := (1 - float64(distance)/float64(maxLen)) * 100
	return math.Round(score*100) / 100
}

// ConsensusComputation is the outcome of evaluating one clip's annotations.
// WinnerIndex refers to the position in the submission-ordered input slice.
type ConsensusComputation struct {
	WinnerIndex  int
	FinalText    string
	AverageScore float64
	Matrix       map[string]float64
	Supports     []float64
}

// ComputeConsensus builds the pairwise similarity matrix (keys "i-j", i < j),
// scores each annotation's support as its mean similarity against all others,
// and elects the highest-support text. Ties break to the lowest index, i.e.
// the earliest submission. Returns ok == false when fewer than required texts
// are present; the caller decides what the threshold means.
func ComputeConsensus(texts []string, required int) (ConsensusComputation, bool) {
	n := len(texts)
	if n < required || n < 2 {
		return ConsensusComputation{}, false
	}

	matrix := make(map[string]float64, n*(n-1)/2)
	sums := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := Similarity(texts[i], texts[j])
			matrix[fmt.Sprintf("%d-%d", i, j)] = s
			sums[i] += s
			sums[j] += s
		}
	}

	supports := make([]float64, n)
	winner := 0
	for i := 0; i < n; i++ {
		supports[i] = sums[i] / float64(n-1)
		if supports[i] > supports[winner] {
			winner = i
		}
	}

	var total float64
	for _, s := range matrix {
		total += s
	}
	avg := total / float64(len(matrix))

	return ConsensusComputation{
		WinnerIndex:  winner,
		FinalText:    texts[winner],
		AverageScore: math.Round(avg*100) / 100,
		Matrix:       matrix,
		Supports:     supports,
	}, true
}
