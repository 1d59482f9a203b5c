// Package convo implements the assistant's conversation layer: intent
// classification, the clarification state machine, and answers rendered from
// the mirrored dataset.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/dedup"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// Engine is the per-message entry point. State lives in the store
// (clarification_sessions, conversation_memory), not in the struct, so any
// instance can serve any user.
type Engine struct {
	Store      *store.Store
	Cache      dedup.Cache
	Classifier Classifier
	Fallback   Classifier

	ConfidenceThreshold float64
	FuzzyThreshold      float64
	ClarifyTTL          time.Duration
	HotWindowTurns      int

	// MaxOptions caps how many choices a clarification prompt presents.
	MaxOptions int

	now func() time.Time
}

// New wires an engine with the keyword classifier as the mandated fallback.
func New(st *store.Store, cache dedup.Cache, classifier Classifier, confidence, fuzzy float64, clarifyTTL time.Duration, hotWindow int) *Engine {
	return &Engine{
		Store:               st,
		Cache:               cache,
		Classifier:          classifier,
		Fallback:            KeywordClassifier{},
		ConfidenceThreshold: confidence,
		FuzzyThreshold:      fuzzy,
		ClarifyTTL:          clarifyTTL,
		HotWindowTurns:      hotWindow,
		MaxOptions:          5,
		now:                 time.Now,
	}
}

// Reply is what goes back to the user for one inbound message.
type Reply struct {
	Text string

	// Clarifying is true when the reply is a question and a session is open.
	Clarifying bool
	SessionID  *uuid.UUID
}

const politeFallback = "Sorry, I couldn't make sense of that right now. Please try rephrasing, or ask about leads, deals, contacts, accounts, sync status, or your digest."

var cancelWords = map[string]bool{
	"cancel": true, "never mind": true, "nevermind": true, "stop": true, "forget it": true,
}

// HandleMessage runs one turn of the state machine. Memory writes happen
// after the transition is decided, never before.
func (e *Engine) HandleMessage(ctx context.Context, userID, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return &Reply{Text: politeFallback}, nil
	}

	session, err := e.Store.ActiveClarification(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load clarification: %w", err)
	}

	if session != nil {
		if session.Expired(e.now()) {
			// Expired sessions resolve nothing; drop back to idle and treat
			// the message as a fresh query.
			if err := e.Store.CancelClarification(ctx, session.ID); err != nil {
				log.Warn().Err(err).Stringer("session_id", session.ID).Msg("expired session cleanup failed")
			}
			session = nil
		} else {
			return e.handleClarifying(ctx, userID, message, session)
		}
	}

	return e.handleIdle(ctx, userID, message)
}

// handleIdle is idle → classifying → answering|clarifying.
func (e *Engine) handleIdle(ctx context.Context, userID, message string) (*Reply, error) {
	intent, err := e.classify(ctx, userID, message)
	if err != nil {
		// Both classifiers down: polite fallback, no state advance. The
		// inbound message is still remembered.
		log.Error().Err(err).Str("user_id", userID).Msg("classification failed twice")
		e.remember(ctx, userID, "user", message, "", 0)
		e.remember(ctx, userID, "assistant", politeFallback, "", 0)
		return &Reply{Text: politeFallback}, nil
	}

	if kind, slot, options, needed := e.needsClarification(intent, message); needed {
		return e.openClarification(ctx, userID, message, intent, kind, slot, options)
	}

	return e.answer(ctx, userID, message, intent)
}

// handleClarifying is clarifying → classifying (resolved) or a re-prompt.
func (e *Engine) handleClarifying(ctx context.Context, userID, message string, session *store.ClarificationSession) (*Reply, error) {
	if cancelWords[strings.ToLower(message)] {
		if err := e.Store.CancelClarification(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("cancel clarification: %w", err)
		}
		text := "Okay, cancelled. What else can I help with?"
		e.remember(ctx, userID, "user", message, "", 0)
		e.remember(ctx, userID, "assistant", text, "", 0)
		return &Reply{Text: text}, nil
	}

	idx, ok := e.resolveOption(message, session.Options)
	if !ok {
		text := "I didn't catch that. " + renderOptions(session.Kind, session.Options)
		e.remember(ctx, userID, "user", message, "", 0)
		e.remember(ctx, userID, "assistant", text, "", 0)
		return &Reply{Text: text, Clarifying: true, SessionID: &session.ID}, nil
	}

	chosen := session.Options[idx]
	if err := e.Store.ResolveClarification(ctx, session.ID, chosen); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Expired between the read and the resolve; start over.
			return e.handleIdle(ctx, userID, session.OriginalQuery+" "+message)
		}
		return nil, fmt.Errorf("resolve clarification: %w", err)
	}

	intent := intentFromPartial(session.PartialIntent)
	slot, _ := session.PartialIntent["slot"].(string)
	if slot != "" {
		intent.Entities[slot] = chosen
	}
	intent.Confidence = 1 // user confirmed the missing piece

	e.remember(ctx, userID, "user", message, string(intent.Kind), intent.Confidence)

	// Re-classify with the merged slot: the original ambiguity may not have
	// been the only one.
	if kind, nextSlot, options, needed := e.needsClarification(intent, session.OriginalQuery); needed {
		return e.openClarification(ctx, userID, session.OriginalQuery, intent, kind, nextSlot, options)
	}
	return e.answer(ctx, userID, session.OriginalQuery, intent)
}

// classify tries the primary classifier, then the keyword fallback.
func (e *Engine) classify(ctx context.Context, userID, message string) (*Intent, error) {
	intent, err := e.Classifier.Classify(ctx, userID, message)
	if err == nil {
		return intent, nil
	}
	log.Warn().Err(err).Msg("primary classifier failed, using keyword fallback")
	return e.Fallback.Classify(ctx, userID, message)
}

// needsClarification decides whether intent is answerable and, if not, which
// ambiguity to surface and what options to offer.
func (e *Engine) needsClarification(intent *Intent, message string) (store.AmbiguityKind, string, []string, bool) {
	if n := intentCues(message); n >= 2 && intent.Confidence < 1 {
		return store.AmbiguityMultipleIntents, "intent",
			[]string{"search candidates", "check sync status", "preview my digest"}, true
	}

	if intent.Kind == IntentUnknown {
		return store.AmbiguityAmbiguousQuery, "intent",
			[]string{"search candidates", "look up a record", "check sync status", "preview my digest"}, true
	}

	if intent.Kind == IntentSearchCandidates {
		if intent.Entities["module"] == "" {
			return store.AmbiguityMissingEntity, "module",
				[]string{"Leads", "Deals", "Contacts", "Accounts"}, true
		}
		if intent.Entities["timeframe"] == "" {
			return store.AmbiguityMissingTimeframe, "timeframe",
				[]string{"today", "this week", "this month", "this quarter"}, true
		}
		if intent.Confidence < e.ConfidenceThreshold {
			return store.AmbiguityVagueSearch, "module",
				[]string{"Leads", "Deals", "Contacts", "Accounts"}, true
		}
	}

	if intent.Kind == IntentRecordLookup && intent.Entities["name"] == "" && intent.Entities["module"] == "" {
		return store.AmbiguityMissingEntity, "module",
			[]string{"Leads", "Deals", "Contacts", "Accounts"}, true
	}

	if intent.Confidence < e.ConfidenceThreshold {
		return store.AmbiguityAmbiguousQuery, "intent",
			[]string{"search candidates", "look up a record", "check sync status", "preview my digest"}, true
	}

	return "", "", nil, false
}

// intentCues counts distinct intent families a message touches.
func intentCues(message string) int {
	lower := strings.ToLower(message)
	n := 0
	if strings.Contains(lower, "find") || strings.Contains(lower, "search") || strings.Contains(lower, "show me") {
		n++
	}
	if strings.Contains(lower, "sync") {
		n++
	}
	if strings.Contains(lower, "digest") {
		n++
	}
	return n
}

// openClarification is classifying → clarifying.
func (e *Engine) openClarification(ctx context.Context, userID, originalQuery string, intent *Intent, kind store.AmbiguityKind, slot string, options []string) (*Reply, error) {
	if len(options) > e.MaxOptions {
		options = options[:e.MaxOptions]
	}

	session := &store.ClarificationSession{
		ID:            uuid.New(),
		UserID:        userID,
		OriginalQuery: originalQuery,
		Kind:          kind,
		Options:       options,
		PartialIntent: partialFromIntent(intent, slot),
		ExpiresAt:     e.now().Add(e.ClarifyTTL),
	}
	if err := e.Store.CreateClarification(ctx, session); err != nil {
		return nil, fmt.Errorf("create clarification: %w", err)
	}
	metrics.ClarificationsOpened.WithLabelValues(string(kind)).Inc()

	text := renderOptions(kind, options)
	e.remember(ctx, userID, "user", originalQuery, string(intent.Kind), intent.Confidence)
	e.remember(ctx, userID, "assistant", text, "", 0)
	return &Reply{Text: text, Clarifying: true, SessionID: &session.ID}, nil
}

// resolveOption matches a clarification reply against the option list:
// a bare 1-based number, a "#n" token, or a fuzzy text match.
func (e *Engine) resolveOption(input string, options []string) (int, bool) {
	trimmed := strings.TrimSpace(input)
	numeric := strings.TrimPrefix(trimmed, "#")
	if n, err := strconv.Atoi(numeric); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, true
		}
		return 0, false
	}

	if idx, score := BestMatch(trimmed, options); idx >= 0 && score >= e.FuzzyThreshold {
		return idx, true
	}
	return 0, false
}

// answer is classifying → answering → idle.
func (e *Engine) answer(ctx context.Context, userID, message string, intent *Intent) (*Reply, error) {
	var text string
	var err error

	switch intent.Kind {
	case IntentSyncStatus:
		text, err = e.answerSyncStatus(ctx)
	case IntentSearchCandidates:
		text, err = e.answerSearch(ctx, intent)
	case IntentRecordLookup:
		var reply *Reply
		reply, err = e.answerLookup(ctx, userID, message, intent)
		if err == nil && reply != nil {
			return reply, nil
		}
	case IntentDigestPreview:
		text = "Digest previews are available at /admin/subscriptions/{id}/preview, or ask your administrator."
	case IntentSmallTalk:
		text = "Hi! Ask me about leads, deals, contacts, accounts, or sync status."
	default:
		text = politeFallback
	}
	if err != nil {
		return nil, err
	}

	e.remember(ctx, userID, "user", message, string(intent.Kind), intent.Confidence)
	e.remember(ctx, userID, "assistant", text, "", 0)
	return &Reply{Text: text}, nil
}

func (e *Engine) answerSyncStatus(ctx context.Context) (string, error) {
	statuses, err := e.Store.AllModuleStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("load sync status: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Sync status:\n")
	for _, st := range statuses {
		fmt.Fprintf(&sb, "- %s: %s", st.Module, st.Status)
		if st.LastSyncAt != nil {
			fmt.Fprintf(&sb, ", last sync %s", st.LastSyncAt.UTC().Format(time.RFC3339))
		}
		if st.LastError != nil {
			fmt.Fprintf(&sb, " (last error: %s)", *st.LastError)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (e *Engine) answerSearch(ctx context.Context, intent *Intent) (string, error) {
	module, err := crm.ParseModule(intent.Entities["module"])
	if err != nil {
		return "", err
	}
	since := e.now().Add(-timeframeWindow(intent.Entities["timeframe"]))

	records, err := e.Store.ListRecordsModifiedSince(ctx, module, since, 10)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", module, err)
	}
	if len(records) == 0 {
		return fmt.Sprintf("No %s changed %s.", strings.ToLower(string(module)), intent.Entities["timeframe"]), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s changed %s:\n", len(records), strings.ToLower(string(module)), intent.Entities["timeframe"])
	for _, r := range records {
		fmt.Fprintf(&sb, "- %s (modified %s)\n", displayName(r), r.ModifiedAt.UTC().Format("Jan 2 15:04"))
	}
	return sb.String(), nil
}

// answerLookup may itself open a multiple_matches clarification when the
// name is not unique.
func (e *Engine) answerLookup(ctx context.Context, userID, message string, intent *Intent) (*Reply, error) {
	module, err := crm.ParseModule(intent.Entities["module"])
	if err != nil {
		return nil, err
	}
	name := intent.Entities["name"]
	if name == "" {
		name = strings.TrimSpace(message)
	}

	matches, err := e.Store.SearchRecordsByName(ctx, module, name, e.MaxOptions+1)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", module, err)
	}

	switch len(matches) {
	case 0:
		text := fmt.Sprintf("No %s record matching %q.", strings.ToLower(string(module)), name)
		e.remember(ctx, userID, "user", message, string(intent.Kind), intent.Confidence)
		e.remember(ctx, userID, "assistant", text, "", 0)
		return &Reply{Text: text}, nil
	case 1:
		r := matches[0]
		text := fmt.Sprintf("%s (%s, owner %s, modified %s)", displayName(r), module,
			r.OwnerName, r.ModifiedAt.UTC().Format("Jan 2 15:04"))
		e.remember(ctx, userID, "user", message, string(intent.Kind), intent.Confidence)
		e.remember(ctx, userID, "assistant", text, "", 0)
		return &Reply{Text: text}, nil
	default:
		options := make([]string, 0, e.MaxOptions)
		for _, r := range matches {
			if len(options) == e.MaxOptions {
				break
			}
			options = append(options, displayName(r))
		}
		return e.openClarification(ctx, userID, message, intent,
			store.AmbiguityMultipleMatches, "name", options)
	}
}

// remember appends a turn to durable memory and the cache hot window. Memory
// failures degrade to a log line; they never fail the user's request.
func (e *Engine) remember(ctx context.Context, userID, role, content, intent string, confidence float64) {
	turn := &store.Turn{
		UserID:     userID,
		Role:       role,
		Content:    content,
		Intent:     intent,
		Confidence: confidence,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.Store.AppendTurn(ctx, turn); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("conversation memory write failed")
		return
	}
	if e.Cache == nil {
		return
	}
	raw, err := json.Marshal(turn)
	if err != nil {
		return
	}
	if err := e.Cache.PushTurn(ctx, userID, raw, e.HotWindowTurns); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("hot window push failed")
	}
}

func renderOptions(kind store.AmbiguityKind, options []string) string {
	var prompt string
	switch kind {
	case store.AmbiguityMissingTimeframe:
		prompt = "Which timeframe did you mean?"
	case store.AmbiguityMissingEntity:
		prompt = "Which records should I look at?"
	case store.AmbiguityVagueSearch:
		prompt = "Can you narrow that down?"
	case store.AmbiguityMultipleMatches:
		prompt = "I found more than one match. Which one?"
	case store.AmbiguityMultipleIntents:
		prompt = "That sounds like more than one request. Which first?"
	default:
		prompt = "What would you like to do?"
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteByte('\n')
	for i, opt := range options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
	}
	sb.WriteString("Reply with a number or the option text.")
	return sb.String()
}

func partialFromIntent(intent *Intent, slot string) map[string]any {
	entities := map[string]any{}
	for k, v := range intent.Entities {
		entities[k] = v
	}
	return map[string]any{
		"kind":       string(intent.Kind),
		"confidence": intent.Confidence,
		"entities":   entities,
		"slot":       slot,
	}
}

func intentFromPartial(partial map[string]any) *Intent {
	intent := &Intent{Kind: IntentUnknown, Entities: map[string]string{}}
	if kind, ok := partial["kind"].(string); ok {
		intent.Kind = IntentKind(kind)
	}
	if conf, ok := partial["confidence"].(float64); ok {
		intent.Confidence = conf
	}
	if entities, ok := partial["entities"].(map[string]any); ok {
		for k, v := range entities {
			if s, ok := v.(string); ok {
				intent.Entities[k] = s
			}
		}
	}
	return intent
}

func timeframeWindow(tf string) time.Duration {
	switch tf {
	case "today", "yesterday":
		return 24 * time.Hour
	case "this week", "last week":
		return 7 * 24 * time.Hour
	case "this month", "last month":
		return 30 * 24 * time.Hour
	case "this quarter", "last quarter":
		return 90 * 24 * time.Hour
	case "this year":
		return 365 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func displayName(r store.Record) string {
	for _, key := range []string{"Full_Name", "Deal_Name", "Account_Name"} {
		if name, ok := crm.GetString(r.Payload, key); ok && name != "" {
			return name
		}
	}
	return r.ExternalID
}
