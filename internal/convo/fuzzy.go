package convo

import "strings"

// Similarity returns a normalized [0,1] similarity between two strings based
// on edit distance over the longer length. Case and surrounding whitespace
// are ignored.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

// editDistance is the classic two-row Levenshtein.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// BestMatch returns the index of the option most similar to input, along
// with the similarity score. Returns -1 when options is empty.
func BestMatch(input string, options []string) (int, float64) {
	best, bestScore := -1, 0.0
	for i, opt := range options {
		if s := Similarity(input, opt); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}
