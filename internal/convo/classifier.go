package convo

import (
	"context"
	"strings"
)

// IntentKind is a closed set of things the assistant can do with the
// mirrored dataset.
type IntentKind string

const (
	IntentSearchCandidates IntentKind = "search_candidates"
	IntentRecordLookup     IntentKind = "record_lookup"
	IntentSyncStatus       IntentKind = "sync_status"
	IntentDigestPreview    IntentKind = "digest_preview"
	IntentSmallTalk        IntentKind = "small_talk"
	IntentUnknown          IntentKind = "unknown"
)

// Intent is one classification result.
type Intent struct {
	Kind       IntentKind
	Confidence float64

	// Entities are the extracted slots (module, timeframe, location, name,
	// ...). Missing required slots drive clarification.
	Entities map[string]string
}

// Classifier turns a raw user message into an intent. The production
// implementation calls out to a model; the keyword classifier below is the
// mandated fallback and the test double.
type Classifier interface {
	Classify(ctx context.Context, userID, message string) (*Intent, error)
}

// KeywordClassifier is a deterministic heuristic classifier. It backstops
// the model-based classifier and never errors.
type KeywordClassifier struct{}

var moduleWords = map[string]string{
	"lead": "Leads", "leads": "Leads",
	"deal": "Deals", "deals": "Deals",
	"contact": "Contacts", "contacts": "Contacts",
	"account": "Accounts", "accounts": "Accounts",
	"candidate": "Leads", "candidates": "Leads",
}

var timeframeWords = []string{
	"today", "yesterday", "this week", "last week", "this month",
	"last month", "this quarter", "last quarter", "this year",
}

func (KeywordClassifier) Classify(_ context.Context, _, message string) (*Intent, error) {
	lower := strings.ToLower(message)
	entities := map[string]string{}

	for word, module := range moduleWords {
		if containsWord(lower, word) {
			entities["module"] = module
			break
		}
	}
	for _, tf := range timeframeWords {
		if strings.Contains(lower, tf) {
			entities["timeframe"] = tf
			break
		}
	}

	switch {
	case strings.Contains(lower, "sync") && (strings.Contains(lower, "status") || strings.Contains(lower, "health")):
		return &Intent{Kind: IntentSyncStatus, Confidence: 0.9, Entities: entities}, nil
	case strings.Contains(lower, "digest") || strings.Contains(lower, "newsletter"):
		return &Intent{Kind: IntentDigestPreview, Confidence: 0.85, Entities: entities}, nil
	case strings.Contains(lower, "find") || strings.Contains(lower, "search") || strings.Contains(lower, "show me") || strings.Contains(lower, "who"):
		conf := 0.6
		if entities["module"] != "" {
			conf = 0.85
		}
		return &Intent{Kind: IntentSearchCandidates, Confidence: conf, Entities: entities}, nil
	case entities["module"] != "":
		return &Intent{Kind: IntentRecordLookup, Confidence: 0.7, Entities: entities}, nil
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi ") || lower == "hi" || strings.Contains(lower, "thanks"):
		return &Intent{Kind: IntentSmallTalk, Confidence: 0.95, Entities: entities}, nil
	}
	return &Intent{Kind: IntentUnknown, Confidence: 0.2, Entities: entities}, nil
}

func containsWord(s, word string) bool {
	idx := strings.Index(s, word)
	for idx >= 0 {
		before := idx == 0 || !isLetter(s[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(s) || !isLetter(s[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
