// Package digest builds the per-recipient artifact: role-scoped filtering,
// anonymization, ranking, and deterministic rendering over the mirrored
// dataset.
package digest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/store"
)

// Builder materializes digest artifacts from the mirrored tables.
type Builder struct {
	Store   *store.Store
	Lookups *LookupStore

	// Window bounds how far back candidate records are considered.
	Window time.Duration

	// PrivilegedAudiences require an executive or admin role; other roles
	// receive an empty artifact rather than an error.
	PrivilegedAudiences map[string]bool
}

// Artifact is the rendered digest plus the metadata the dispatcher records.
type Artifact struct {
	Body         string
	ItemCount    int
	TableVersion int
}

// Build produces the artifact for a subscription as of a fixed time. For
// fixed inputs (subscription snapshot, asOf, store contents) the output is
// byte-identical; the scheduler relies on that for idempotent redelivery.
func (b *Builder) Build(ctx context.Context, sub store.Subscription, role store.Role, asOf time.Time) (*Artifact, error) {
	tables := b.Lookups.Current()

	if b.PrivilegedAudiences[sub.Audience] && !role.Privileged() {
		log.Warn().Stringer("subscription_id", sub.ID).Str("audience", sub.Audience).
			Str("role", string(role)).Msg("privileged audience requested by non-privileged role")
		return &Artifact{Body: b.renderEmpty(sub, asOf), TableVersion: tables.Version}, nil
	}

	window := b.Window
	if window == 0 {
		window = 14 * 24 * time.Hour
	}
	since := asOf.Add(-window)

	var records []store.Record
	for _, module := range []crm.Module{crm.ModuleLeads, crm.ModuleDeals} {
		batch, err := b.Store.ListRecordsModifiedSince(ctx, module, since, 500)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", module, err)
		}
		records = append(records, batch...)
	}

	anon := NewAnonymizer(tables)
	var candidates []Candidate
	for _, r := range records {
		c, ok := b.toCandidate(anon, r, sub.Filters)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
	}

	ranked := Rank(candidates)
	if len(ranked) > sub.MaxItems {
		ranked = ranked[:sub.MaxItems]
	}

	return &Artifact{
		Body:         b.render(sub, asOf, ranked),
		ItemCount:    len(ranked),
		TableVersion: tables.Version,
	}, nil
}

// toCandidate applies the subscription's filter predicates and the
// anonymization pipeline to one record. Returns ok=false when the record is
// filtered out.
func (b *Builder) toCandidate(anon *Anonymizer, r store.Record, filters map[string]any) (Candidate, bool) {
	payload := r.Payload

	city, _ := crm.GetString(payload, "City")
	metro := anon.MetroArea(city)
	if want, ok := crm.GetString(filters, "location"); ok && want != "" {
		if !strings.EqualFold(metro, want) && !strings.EqualFold(city, want) {
			return Candidate{}, false
		}
	}

	credentials, _ := crm.GetString(payload, "Designations")
	if want, ok := crm.GetString(filters, "credentials"); ok && want != "" {
		if !strings.Contains(strings.ToLower(credentials), strings.ToLower(want)) {
			return Candidate{}, false
		}
	}

	availability, _ := crm.GetString(payload, "Availability")
	if want, ok := crm.GetString(filters, "availability"); ok && want != "" {
		if !strings.EqualFold(availability, want) {
			return Candidate{}, false
		}
	}

	comp, _ := crm.GetString(payload, "Target_Comp")
	normalizedComp := NormalizeComp(comp)
	if minComp, ok := filterNumber(filters, "min_comp"); ok {
		if n, parsed := firstCompNumber(comp); !parsed || n < minComp {
			return Candidate{}, false
		}
	}

	employer, _ := crm.GetString(payload, "Company")
	if employer == "" {
		employer, _ = crm.GetString(payload, "Current_Employer")
	}

	var bullets []string
	if credentials != "" {
		bullets = append(bullets, credentials)
	}
	if aum, ok := payloadAUM(payload); ok {
		bullets = append(bullets, anon.RoundAUM(aum))
	}
	if notes, ok := crm.GetString(payload, "Description"); ok {
		for _, line := range strings.Split(notes, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || anon.IsInternal(line) {
				continue
			}
			bullets = append(bullets, line)
		}
	}

	confidence := 0.5
	if s, ok := crm.GetString(payload, "Confidence"); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			confidence = f
		}
	}

	return Candidate{
		ExternalID: r.ExternalID,
		Metro:      metro,
		Employer:   anon.EmployerClass(employer),
		Bullets:    bullets,
		Comp:       normalizedComp,
		Confidence: confidence,
	}, true
}

// payloadAUM reads assets-under-management in millions from the payload,
// tolerating numeric and string encodings.
func payloadAUM(payload map[string]any) (float64, bool) {
	switch v := payload["AUM"].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimPrefix(v, "$"), "M"), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func filterNumber(filters map[string]any, key string) (int, bool) {
	switch v := filters[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// firstCompNumber extracts the lowest comp figure in thousands from a raw
// compensation string.
func firstCompNumber(s string) (int, bool) {
	normalized := NormalizeComp(s)
	if normalized == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(normalized, "Target comp: $%dk", &n); err != nil {
		return 0, false
	}
	return n, true
}

func (b *Builder) render(sub store.Subscription, asOf time.Time, items []Candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate digest for %s\n", asOf.UTC().Format("Jan 2, 2006"))
	fmt.Fprintf(&sb, "Audience: %s · Cadence: %s\n\n", sub.Audience, sub.Cadence)

	if len(items) == 0 {
		sb.WriteString("No matching candidates in this window.\n")
		return sb.String()
	}

	for i, c := range items {
		fmt.Fprintf(&sb, "%d. %s | %s", i+1, c.Metro, c.Employer)
		if c.Comp != "" {
			fmt.Fprintf(&sb, " · %s", c.Comp)
		}
		sb.WriteByte('\n')
		for _, bullet := range c.Bullets {
			fmt.Fprintf(&sb, "   - %s\n", bullet)
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "%d candidate(s) shown.\n", len(items))
	return sb.String()
}

func (b *Builder) renderEmpty(sub store.Subscription, asOf time.Time) string {
	return b.render(sub, asOf, nil)
}
