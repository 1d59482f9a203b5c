package digest

import "testing"

func testAnonymizer() *Anonymizer {
	return NewAnonymizer(defaultTables())
}

func TestEmployerClass(t *testing.T) {
	anon := testAnonymizer()
	tests := []struct {
		in   string
		want string
	}{
		{"Morgan Stanley Wealth Management", "wirehouse"},
		{"MERRILL LYNCH", "wirehouse"},
		{"Edward Jones", "regional broker-dealer"},
		{"Summit Wealth Partners", "RIA"},
		{"Unknown Shop LLC", "financial services firm"},
		{"", "financial services firm"},
	}
	for _, tt := range tests {
		if got := anon.EmployerClass(tt.in); got != tt.want {
			t.Errorf("EmployerClass(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmployerClassDeterministicOnOverlap(t *testing.T) {
	anon := testAnonymizer()
	// "morgan stanley wealth advisors" matches several substrings; repeated
	// calls must always pick the same class.
	first := anon.EmployerClass("Morgan Stanley Wealth Advisors")
	for i := 0; i < 50; i++ {
		if got := anon.EmployerClass("Morgan Stanley Wealth Advisors"); got != first {
			t.Fatalf("run %d: EmployerClass flapped from %q to %q", i, first, got)
		}
	}
}

func TestRoundAUM(t *testing.T) {
	anon := testAnonymizer()
	tests := []struct {
		millions float64
		want     string
	}{
		{10, "under $50M AUM"},
		{50, "$50M+ AUM"},
		{180, "$100M+ AUM"},
		{600, "$500M+ AUM"},
		{2400, "$1B+ AUM"},
	}
	for _, tt := range tests {
		if got := anon.RoundAUM(tt.millions); got != tt.want {
			t.Errorf("RoundAUM(%v) = %q, want %q", tt.millions, got, tt.want)
		}
	}
}

func TestIsInternal(t *testing.T) {
	anon := testAnonymizer()
	tests := []struct {
		note string
		want bool
	}{
		{"INTERNAL: do not forward", true},
		{"Confidential pipeline note", true},
		{"[int] verbal offer pending", true},
		{"Grew book 40% YoY", false},
	}
	for _, tt := range tests {
		if got := anon.IsInternal(tt.note); got != tt.want {
			t.Errorf("IsInternal(%q) = %v, want %v", tt.note, got, tt.want)
		}
	}
}

func TestMetroArea(t *testing.T) {
	anon := testAnonymizer()
	if got := anon.MetroArea("Brooklyn"); got != "New York metro" {
		t.Errorf("MetroArea(Brooklyn) = %q", got)
	}
	if got := anon.MetroArea("Boise"); got != "Boise" {
		t.Errorf("unmapped city should pass through, got %q", got)
	}
}

func TestNormalizeComp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"250k-300k OTE", "Target comp: $250k–$300k OTE"},
		{"$275,000", "Target comp: $275k OTE"},
		{"around 1.2m total", "Target comp: $1200k OTE"},
		{"300k", "Target comp: $300k OTE"},
		{"negotiable", ""},
		{"", ""},
		{"top 5% producer", ""}, // small numbers are noise, not comp
	}
	for _, tt := range tests {
		if got := NormalizeComp(tt.in); got != tt.want {
			t.Errorf("NormalizeComp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
