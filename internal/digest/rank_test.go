package digest

import (
	"reflect"
	"testing"
)

func TestScoreWeighting(t *testing.T) {
	growth := Candidate{Bullets: []string{"Grew book 40% YoY"}}
	financial := Candidate{Bullets: []string{"$250M AUM"}}
	credential := Candidate{Bullets: []string{"CFP, CFA"}}

	if Score(growth) <= Score(financial) {
		t.Errorf("growth (%d) should outrank financial (%d)", Score(growth), Score(financial))
	}
	if Score(financial) <= Score(credential) {
		t.Errorf("financial (%d) should outrank credentials (%d)", Score(financial), Score(credential))
	}
}

func TestScoreAchievementBonusIsCapped(t *testing.T) {
	many := Candidate{Bullets: []string{
		"Top ranked award winner", "President's club award", "Chairman award", "#1 ranked",
	}}
	few := Candidate{Bullets: []string{"award", "award", "award"}}
	if Score(many)-Score(few) > maxAchievementPts {
		t.Errorf("achievement bonus exceeded cap: many=%d few=%d", Score(many), Score(few))
	}
}

func TestRankDedupKeepsHighestConfidence(t *testing.T) {
	candidates := []Candidate{
		{ExternalID: "1", Metro: "Chicagoland", Employer: "wirehouse", Confidence: 0.6,
			Bullets: []string{"CFP"}},
		{ExternalID: "2", Metro: "Chicagoland", Employer: "wirehouse", Confidence: 0.9,
			Bullets: []string{"CFP"}},
		{ExternalID: "3", Metro: "Bay Area", Employer: "RIA", Confidence: 0.5,
			Bullets: []string{"CFP"}},
	}

	got := Rank(candidates)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 after dedup", len(got))
	}
	for _, c := range got {
		if c.Metro == "Chicagoland" && c.ExternalID != "2" {
			t.Errorf("dedup kept %s, want the higher-confidence candidate 2", c.ExternalID)
		}
	}
}

func TestRankDeterministicTieBreak(t *testing.T) {
	candidates := []Candidate{
		{ExternalID: "9", Metro: "A", Employer: "x", Bullets: []string{"CFP"}},
		{ExternalID: "3", Metro: "B", Employer: "y", Bullets: []string{"CFP"}},
		{ExternalID: "7", Metro: "C", Employer: "z", Bullets: []string{"CFP"}},
	}

	first := Rank(candidates)
	for i := 0; i < 20; i++ {
		if got := Rank(candidates); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: ranking not deterministic", i)
		}
	}
	// Equal scores break ties by external id ascending
	if first[0].ExternalID != "3" || first[1].ExternalID != "7" || first[2].ExternalID != "9" {
		t.Errorf("tie-break order = %s,%s,%s", first[0].ExternalID, first[1].ExternalID, first[2].ExternalID)
	}
}
