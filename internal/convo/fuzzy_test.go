package convo

import "testing"

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"this week", "this week", 1, 1},
		{"This Week ", "this week", 1, 1},
		{"this wek", "this week", 0.8, 0.99},
		{"leads", "deals", 0.5, 0.7},
		{"", "anything", 0, 0},
		{"abc", "xyz", 0, 0.01},
	}
	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Similarity(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"monday", "mondya", 2},
	}
	for _, tt := range tests {
		if got := editDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBestMatch(t *testing.T) {
	options := []string{"today", "this week", "this month", "this quarter"}

	idx, score := BestMatch("this weeek", options)
	if idx != 1 {
		t.Errorf("BestMatch index = %d, want 1", idx)
	}
	if score < 0.72 {
		t.Errorf("score = %v, want >= 0.72 for a one-typo match", score)
	}

	if idx, _ := BestMatch("anything", nil); idx != -1 {
		t.Errorf("empty options should return -1, got %d", idx)
	}
}
