package workup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/operatorsync/internal/kvstore"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *manualClock) {
	t.Helper()
	clock := newManualClock()
	store, err := NewStore(kvstore.NewInMemoryStateBackend(), Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store, clock
}

func TestCreateMakesDirtyRecord(t *testing.T) {
	store, _ := newTestStore(t)
	record, err := store.Create(context.Background(), Fields{Patient: "Alice"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.ID == "" || record.RemoteID != "" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.LocallyChanged() || !record.AutoSyncable() {
		t.Fatalf("new record should be dirty and syncable: %+v", record)
	}
	got, err := store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Fields.Patient != "Alice" {
		t.Fatalf("unexpected stored record %+v", got)
	}
}

func TestEditFieldsBumpsLocalTimestampOnlyOnChange(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{Patient: "Alice"})
	created := record.LocalFieldsUpdatedAt

	clock.Advance(time.Minute)
	same, err := store.EditFields(ctx, record.ID, FieldValues{FieldPatient: "Alice"})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !same.LocalFieldsUpdatedAt.Equal(created) {
		t.Fatalf("identical value must not bump local timestamp")
	}

	clock.Advance(time.Minute)
	edited, err := store.EditFields(ctx, record.ID, FieldValues{FieldStatus: "Referral"})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !edited.LocalFieldsUpdatedAt.Equal(clock.Now()) || !edited.LastUpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected timestamps at %v, got %+v", clock.Now(), edited)
	}
	if edited.Fields.Status != "Referral" || edited.Fields.Patient != "Alice" {
		t.Fatalf("unexpected fields %+v", edited.Fields)
	}
}

func TestFieldsAreStoredTrimmed(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	record, err := store.Create(ctx, Fields{Patient: "  Alice ", Notes: "note\n"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.Fields.Patient != "Alice" || record.Fields.Notes != "note" {
		t.Fatalf("create kept surrounding whitespace: %+v", record.Fields)
	}
	created := record.LocalFieldsUpdatedAt

	clock.Advance(time.Minute)
	same, err := store.EditFields(ctx, record.ID, FieldValues{FieldPatient: "Alice  "})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if same.Fields.Patient != "Alice" || !same.LocalFieldsUpdatedAt.Equal(created) {
		t.Fatalf("whitespace-only edit must not dirty the record: %+v", same)
	}

	imported, _, err := store.ImportRemote(ctx, RemoteRecord{ID: "page-9", Fields: Fields{Patient: " Bob "}})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.Fields.Patient != "Bob" {
		t.Fatalf("import kept surrounding whitespace: %q", imported.Fields.Patient)
	}
}

func TestEditFieldsRejectsUnknownField(t *testing.T) {
	store, _ := newTestStore(t)
	record, _ := store.Create(context.Background(), Fields{})
	_, err := store.EditFields(context.Background(), record.ID, FieldValues{"bloodType": "O"})
	if !errors.Is(err, kvstore.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEditFieldsClearsStickyError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{})
	if _, err := store.Update(ctx, record.ID, func(r Record) (Record, error) {
		r.SyncError = "boom"
		return r, nil
	}, UpdateOptions{FromRemote: true}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	edited, err := store.EditFields(ctx, record.ID, FieldValues{FieldNotes: "call back"})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if edited.SyncError != "" {
		t.Fatalf("expected sticky error cleared, got %q", edited.SyncError)
	}
}

func TestRemoteUpdateDoesNotCountAsLocalEdit(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{Patient: "Alice"})
	before := record.LocalFieldsUpdatedAt
	clock.Advance(time.Minute)
	updated, err := store.Update(ctx, record.ID, func(r Record) (Record, error) {
		r.Fields.Patient = "Alicia"
		return r, nil
	}, UpdateOptions{FromRemote: true})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.LocalFieldsUpdatedAt.Equal(before) {
		t.Fatalf("remote change bumped local timestamp")
	}
}

func TestSectionEditsDoNotDirtyRecord(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{Patient: "Alice"})
	synced, err := store.Update(ctx, record.ID, func(r Record) (Record, error) {
		r.LastSyncedAt = clock.Now()
		return r, nil
	}, UpdateOptions{FromRemote: true})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if synced.LocallyChanged() {
		t.Fatalf("expected synced record")
	}

	clock.Advance(time.Minute)
	withSection, err := store.SetSection(ctx, record.ID, "history", Section{Content: "NYHA III"})
	if err != nil {
		t.Fatalf("set section failed: %v", err)
	}
	if withSection.LocallyChanged() {
		t.Fatalf("section edit made record dirty")
	}
	if withSection.CompletionPercentage != 13 {
		t.Fatalf("expected 1/8 sections = 13%%, got %d", withSection.CompletionPercentage)
	}
	if withSection.StructuredSections["history"].UpdatedAt.IsZero() {
		t.Fatalf("expected section timestamp")
	}
	if _, err := store.SetSection(ctx, record.ID, " ", Section{Content: "x"}); !errors.Is(err, kvstore.ErrInvalidInput) {
		t.Fatalf("expected blank key to be rejected, got %v", err)
	}
}

func TestApplyReportStoresOpaqueOutput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{})
	sections := map[string]Section{}
	for _, key := range StandardSections[:4] {
		sections[key] = Section{Content: key + " done"}
	}
	updated, err := store.ApplyReport(ctx, record.ID, Report{
		StructuredSections: sections,
		ExtractedData:      []byte(`{"lvef":55}`),
		Validation:         []byte(`{"missing":["frailty"]}`),
	})
	if err != nil {
		t.Fatalf("apply report failed: %v", err)
	}
	if updated.CompletionPercentage != 50 {
		t.Fatalf("expected 50%% completion, got %d", updated.CompletionPercentage)
	}
	if string(updated.ExtractedData) != `{"lvef":55}` {
		t.Fatalf("unexpected extracted data %s", updated.ExtractedData)
	}
}

func TestUpdateUnchangedSkipsWrite(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	record, _ := store.Create(ctx, Fields{})
	clock.Advance(time.Minute)
	got, err := store.Update(ctx, record.ID, func(r Record) (Record, error) {
		return r, ErrUnchanged
	}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !got.LastUpdatedAt.Equal(record.LastUpdatedAt) {
		t.Fatalf("unchanged update restamped record")
	}
}

func TestUpdateAndDeleteMissingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := store.EditFields(ctx, "missing", FieldValues{FieldNotes: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from edit, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	a, _ := store.Create(ctx, Fields{Patient: "A"})
	clock.Advance(time.Minute)
	b, _ := store.Create(ctx, Fields{Patient: "B"})
	clock.Advance(time.Minute)
	if _, err := store.EditFields(ctx, a.ID, FieldValues{FieldNotes: "touched"}); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("unexpected order %+v", list)
	}
	if err := store.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("unexpected list after delete %+v", list)
	}
}

func TestImportRemoteDeduplicates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	remote := RemoteRecord{
		ID:           "page-1",
		URL:          "https://notion.so/page-1",
		Fields:       Fields{Patient: "Remote"},
		LastEditedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	first, created, err := store.ImportRemote(ctx, remote)
	if err != nil || !created {
		t.Fatalf("expected import, got created=%v err=%v", created, err)
	}
	if first.LocallyChanged() || first.RemoteID != "page-1" || !first.RemoteLastEditedAt.Equal(remote.LastEditedAt) {
		t.Fatalf("imported record should be synced: %+v", first)
	}
	second, created, err := store.ImportRemote(ctx, remote)
	if err != nil || created {
		t.Fatalf("expected dedupe, got created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing record returned")
	}
	if _, _, err := store.ImportRemote(ctx, RemoteRecord{}); !errors.Is(err, kvstore.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank remote id, got %v", err)
	}
}

func TestCompletionPercentage(t *testing.T) {
	if got := CompletionPercentage(nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	all := map[string]Section{}
	for _, key := range StandardSections {
		all[key] = Section{Content: "x"}
	}
	all["extra"] = Section{Content: "ignored"}
	if got := CompletionPercentage(all); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	all["history"] = Section{Content: "   "}
	if got := CompletionPercentage(all); got != 88 {
		t.Fatalf("expected 88 with one blank section, got %d", got)
	}
}

func TestDiffFieldsOrder(t *testing.T) {
	a := Fields{Patient: "A", Notes: "x", Status: "s"}
	b := Fields{Patient: "B", Notes: "y", Status: "s"}
	diff := DiffFields(a, b)
	if len(diff) != 2 || diff[0] != FieldPatient || diff[1] != FieldNotes {
		t.Fatalf("unexpected diff %v", diff)
	}
	applied := ApplyValues(a, ValuesOf(b, diff))
	if len(DiffFields(applied, b)) != 0 {
		t.Fatalf("apply values did not converge: %+v", applied)
	}
}
