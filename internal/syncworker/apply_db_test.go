package syncworker

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/db"
	"github.com/erauner12/crmsync/internal/store"
)

// These tests exercise the apply paths against a real Postgres. Set
// TEST_DATABASE_URL to run them; they migrate the schema on first use and
// key every record on a fresh id, so reruns against the same database are
// safe.

func testStore(t *testing.T) *store.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := db.Migrate(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := db.Open(context.Background(), url, db.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	return &store.Store{DB: pool}
}

var idSeq atomic.Int64

func freshID() string {
	return fmt.Sprintf("%d%04d", time.Now().UnixNano(), idSeq.Add(1))
}

func leadPayload(id string, modified time.Time) map[string]any {
	return map[string]any{
		"id":            id,
		"Full_Name":     "Dana Smith",
		"Modified_Time": modified.UTC().Format(time.RFC3339),
	}
}

func applyOne(t *testing.T, st *store.Store, a *Applier, kind crm.EventKind, payload map[string]any) Outcome {
	t.Helper()
	ctx := context.Background()
	tx, err := st.DB.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome, err := a.Apply(ctx, tx, crm.ModuleLeads, kind, payload)
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("apply: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return outcome
}

func findConflict(t *testing.T, st *store.Store, externalID string) *store.Conflict {
	t.Helper()
	conflicts, err := st.ListConflicts(context.Background(), "Leads", true, 200, 0)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	for i := range conflicts {
		if conflicts[i].ExternalID == externalID {
			return &conflicts[i]
		}
	}
	return nil
}

func TestApplierVersionMonotonicity(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)

	if got := applyOne(t, st, a, crm.EventCreate, leadPayload(id, t0)); got != OutcomeCreated {
		t.Fatalf("create outcome = %s", got)
	}
	if got := applyOne(t, st, a, crm.EventEdit, leadPayload(id, t0.Add(time.Minute))); got != OutcomeUpdated {
		t.Fatalf("edit outcome = %s", got)
	}
	if got := applyOne(t, st, a, crm.EventEdit, leadPayload(id, t0.Add(2*time.Minute))); got != OutcomeUpdated {
		t.Fatalf("second edit outcome = %s", got)
	}

	rec, err := st.GetRecord(context.Background(), crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.SyncVersion != 3 {
		t.Errorf("sync_version = %d, want 3 after create + two edits", rec.SyncVersion)
	}
	if !rec.ModifiedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("modified_at = %v, want the latest edit time", rec.ModifiedAt)
	}
}

func TestApplierRejectsStaleUpdate(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)

	applyOne(t, st, a, crm.EventCreate, leadPayload(id, t0))

	stale := leadPayload(id, t0.Add(-time.Hour))
	stale["Full_Name"] = "Old Name"
	if got := applyOne(t, st, a, crm.EventEdit, stale); got != OutcomeStale {
		t.Fatalf("stale edit outcome = %s, want %s", got, OutcomeStale)
	}

	rec, err := st.GetRecord(context.Background(), crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.SyncVersion != 1 {
		t.Errorf("sync_version = %d, a stale update must not bump it", rec.SyncVersion)
	}
	if rec.Payload["Full_Name"] != "Dana Smith" {
		t.Errorf("payload overwritten by stale update: %v", rec.Payload["Full_Name"])
	}

	c := findConflict(t, st, id)
	if c == nil {
		t.Fatal("no conflict row recorded for the stale update")
	}
	if c.Kind != store.ConflictStaleUpdate {
		t.Errorf("conflict kind = %s, want %s", c.Kind, store.ConflictStaleUpdate)
	}
}

func TestApplierEqualTimeIsNoopOnlyForPoller(t *testing.T) {
	st := testStore(t)
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)

	webhook := &Applier{Store: st, Source: "webhook"}
	applyOne(t, st, webhook, crm.EventCreate, leadPayload(id, t0))

	poller := &Applier{Store: st, Source: "poller", SkipEqual: true}
	if got := applyOne(t, st, poller, crm.EventEdit, leadPayload(id, t0)); got != OutcomeNoop {
		t.Errorf("poller equal-time outcome = %s, want %s", got, OutcomeNoop)
	}
	if got := applyOne(t, st, webhook, crm.EventEdit, leadPayload(id, t0)); got != OutcomeStale {
		t.Errorf("webhook equal-time outcome = %s, want %s", got, OutcomeStale)
	}
}

func TestApplierRecordsMissingRecordConflict(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()

	// Known id, no usable Modified_Time: structurally incomplete.
	outcome := applyOne(t, st, a, crm.EventEdit, map[string]any{"id": id})
	if outcome != OutcomeMissing {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeMissing)
	}
	c := findConflict(t, st, id)
	if c == nil {
		t.Fatal("no conflict row recorded")
	}
	if c.Kind != store.ConflictMissingRecord {
		t.Errorf("conflict kind = %s, want %s", c.Kind, store.ConflictMissingRecord)
	}
	if c.Strategy != store.ResolveManualReview {
		t.Errorf("strategy = %s, want %s", c.Strategy, store.ResolveManualReview)
	}
}

func TestApplierTombstonesExistingRecord(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)

	applyOne(t, st, a, crm.EventCreate, leadPayload(id, t0))
	if got := applyOne(t, st, a, crm.EventDelete, leadPayload(id, t0.Add(time.Minute))); got != OutcomeTombstoned {
		t.Fatalf("delete outcome = %s", got)
	}

	rec, err := st.GetRecord(context.Background(), crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Payload["deleted"] != true {
		t.Error("tombstone did not mark the payload deleted")
	}
	if rec.SyncVersion != 2 {
		t.Errorf("sync_version = %d, want 2 after tombstone", rec.SyncVersion)
	}

	visible, err := st.ListRecordsModifiedSince(context.Background(), crm.ModuleLeads, t0.Add(-time.Hour), 1000)
	if err != nil {
		t.Fatalf("ListRecordsModifiedSince: %v", err)
	}
	for _, r := range visible {
		if r.ExternalID == id {
			t.Error("tombstoned record still visible to read paths")
		}
	}
}

func TestApplierTombstonesUnmirroredRecord(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()

	outcome := applyOne(t, st, a, crm.EventDelete, leadPayload(id, time.Now().UTC()))
	if outcome != OutcomeTombstoned {
		t.Fatalf("delete of unmirrored record outcome = %s", outcome)
	}

	// The tombstone persists so an out-of-order create cannot resurrect it.
	rec, err := st.GetRecord(context.Background(), crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Payload["deleted"] != true {
		t.Error("unmirrored delete left no tombstone mark")
	}
}

// TestApplierRecoversFromConcurrentVersionBump replays the lost-CAS
// sequence: a competing committed writer bumps sync_version after our
// snapshot of it, the guarded update matches zero rows, and the retry path
// reloads and lands the write.
func TestApplierRecoversFromConcurrentVersionBump(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	applyOne(t, st, a, crm.EventCreate, leadPayload(id, t0))

	rec, err := st.GetRecord(ctx, crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	staleVersion := rec.SyncVersion

	// Competing writer lands first.
	applyOne(t, st, a, crm.EventEdit, leadPayload(id, t0.Add(time.Minute)))

	// A CAS against the pre-bump version must miss.
	tx, err := st.DB.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ext := crm.Extracted{ExternalID: id, ModifiedAt: t0.Add(2 * time.Minute), CreatedAt: t0}
	ok, err := st.UpdateRecordCAS(ctx, tx, crm.ModuleLeads, ext, leadPayload(id, t0.Add(2*time.Minute)), staleVersion)
	if err != nil {
		t.Fatalf("UpdateRecordCAS: %v", err)
	}
	if ok {
		t.Fatal("CAS with a stale version succeeded; the guard is not enforced")
	}
	tx.Rollback(ctx)

	// The full apply retries against the fresh version and wins.
	if got := applyOne(t, st, a, crm.EventEdit, leadPayload(id, t0.Add(2*time.Minute))); got != OutcomeUpdated {
		t.Fatalf("post-race edit outcome = %s, want %s", got, OutcomeUpdated)
	}
	rec, err = st.GetRecord(ctx, crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.SyncVersion != 3 {
		t.Errorf("sync_version = %d, want 3", rec.SyncVersion)
	}
}

// TestApplierInsertRaceFallsThroughToUpdate drives the primitive sequence
// behind the lost-insert branch: a committed competing insert, then
// InsertRecord returning ErrRecordExists, then reload and guarded update.
func TestApplierInsertRaceFallsThroughToUpdate(t *testing.T) {
	st := testStore(t)
	a := &Applier{Store: st, Source: "webhook"}
	id := freshID()
	t0 := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	applyOne(t, st, a, crm.EventCreate, leadPayload(id, t0))

	tx, err := st.DB.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	ext := crm.Extracted{ExternalID: id, ModifiedAt: t0.Add(time.Minute), CreatedAt: t0}
	if err := st.InsertRecord(ctx, tx, crm.ModuleLeads, ext, leadPayload(id, t0.Add(time.Minute))); err != store.ErrRecordExists {
		t.Fatalf("InsertRecord after competing insert = %v, want ErrRecordExists", err)
	}

	reloaded, err := st.GetRecordTx(ctx, tx, crm.ModuleLeads, id)
	if err != nil {
		t.Fatalf("reload after lost insert: %v", err)
	}
	ok, err := st.UpdateRecordCAS(ctx, tx, crm.ModuleLeads, ext, leadPayload(id, t0.Add(time.Minute)), reloaded.SyncVersion)
	if err != nil {
		t.Fatalf("UpdateRecordCAS: %v", err)
	}
	if !ok {
		t.Error("update against the reloaded version should win")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
