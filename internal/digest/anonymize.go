package digest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Anonymizer rewrites candidate attributes into shareable form using the
// lookup tables current at build time.
type Anonymizer struct {
	tables *Tables

	// employerKeys is sorted so substring matching is deterministic when
	// several patterns match the same employer name.
	employerKeys []string
}

// NewAnonymizer binds an anonymizer to one snapshot of the tables so a
// single digest build is internally consistent even across a hot reload.
func NewAnonymizer(t *Tables) *Anonymizer {
	keys := make([]string, 0, len(t.EmployerClasses))
	for k := range t.EmployerClasses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Anonymizer{tables: t, employerKeys: keys}
}

// EmployerClass maps an employer name onto its equivalence class. Unknown
// employers collapse into the generic class rather than leaking the name.
func (a *Anonymizer) EmployerClass(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return "financial services firm"
	}
	for _, substr := range a.employerKeys {
		if strings.Contains(lower, substr) {
			return a.tables.EmployerClasses[substr]
		}
	}
	return "financial services firm"
}

// RoundAUM maps an exact assets-under-management figure (in millions) onto
// its privacy bucket label.
func (a *Anonymizer) RoundAUM(millions float64) string {
	label := a.tables.AUMBuckets[0].Label
	for _, b := range a.tables.AUMBuckets {
		if millions >= b.Min {
			label = b.Label
		}
	}
	return label
}

// IsInternal reports whether an annotation matches the internal pattern set
// and must be withheld.
func (a *Anonymizer) IsInternal(note string) bool {
	lower := strings.ToLower(note)
	for _, p := range a.tables.InternalPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// MetroArea maps a city to its metro equivalence class; unmapped cities pass
// through title-cased.
func (a *Anonymizer) MetroArea(city string) string {
	lower := strings.ToLower(strings.TrimSpace(city))
	if metro, ok := a.tables.MetroAreas[lower]; ok {
		return metro
	}
	return strings.TrimSpace(city)
}

var compNumber = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([km])?`)

// NormalizeComp renders a free-form compensation string into the canonical
// "Target comp: $Xk–$Yk OTE" form. Strings with no parseable numbers return
// empty rather than passing raw text through.
func NormalizeComp(s string) string {
	lower := strings.ToLower(s)

	var thousands []int
	for _, m := range compNumber.FindAllStringSubmatch(lower, -1) {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "m":
			n *= 1000
		case "k":
			// already thousands
		default:
			if n >= 1000 {
				// raw dollars
				n /= 1000
			}
		}
		if n >= 10 { // ignore stray small numbers (percentages, years)
			thousands = append(thousands, int(n))
		}
	}

	switch len(thousands) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("Target comp: $%dk OTE", thousands[0])
	default:
		low, high := thousands[0], thousands[0]
		for _, n := range thousands[1:] {
			if n < low {
				low = n
			}
			if n > high {
				high = n
			}
		}
		if low == high {
			return fmt.Sprintf("Target comp: $%dk OTE", low)
		}
		return fmt.Sprintf("Target comp: $%dk–$%dk OTE", low, high)
	}
}
