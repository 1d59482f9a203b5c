package digest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Candidate is one anonymized record ready for ranking.
type Candidate struct {
	ExternalID string
	Metro      string
	Employer   string // equivalence class, not the real name
	Bullets    []string
	Comp       string
	Confidence float64
}

// Scoring rubric: growth metrics outrank static metrics, financial magnitude
// outranks credential enumeration, achievement keywords earn a bounded
// bonus.
const (
	growthWeight      = 5
	financialWeight   = 3
	credentialWeight  = 1
	achievementBonus  = 2
	maxAchievementPts = 6
)

var (
	growthPattern      = regexp.MustCompile(`(?i)\b(grew|growth|increased|doubled|tripled|expanded|added|net new)\b`)
	financialPattern   = regexp.MustCompile(`(?i)(\$[\d,.]+\s*[mbk]?|aum|production|revenue|book of)`)
	credentialPattern  = regexp.MustCompile(`(?i)\b(cfp|cfa|cpa|chfc|cima|series \d+|mba)\b`)
	achievementPattern = regexp.MustCompile(`(?i)\b(award|top|president'?s club|chairman|ranked|#\d+)\b`)
)

// Score computes the ranking score for a candidate from its bullets.
func Score(c Candidate) int {
	score := 0
	achievement := 0
	for _, b := range c.Bullets {
		score += growthWeight * len(growthPattern.FindAllString(b, -1))
		score += financialWeight * len(financialPattern.FindAllString(b, -1))
		score += credentialWeight * len(credentialPattern.FindAllString(b, -1))
		achievement += achievementBonus * len(achievementPattern.FindAllString(b, -1))
	}
	if achievement > maxAchievementPts {
		achievement = maxAchievementPts
	}
	return score + achievement
}

// Rank orders candidates by score descending, collapsing duplicates (same
// metro, same employer class) down to the highest-confidence instance. Ties
// break on external id so output is deterministic for a fixed input set.
func Rank(candidates []Candidate) []Candidate {
	// Highest confidence first so UniqBy keeps the right duplicate
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	deduped := lo.UniqBy(sorted, func(c Candidate) string {
		return strings.ToLower(c.Metro) + "|" + strings.ToLower(c.Employer)
	})

	sort.SliceStable(deduped, func(i, j int) bool {
		si, sj := Score(deduped[i]), Score(deduped[j])
		if si != sj {
			return si > sj
		}
		return deduped[i].ExternalID < deduped[j].ExternalID
	})
	return deduped
}
