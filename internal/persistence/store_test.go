package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	store.Close()
}

func TestSaveQueueItem_Upsert(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	if err := store.EnsureSession(ctx, SessionRecord{ID: "s1", ProjectPath: "/work"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	queued := time.Now().UTC().Truncate(time.Second)
	item := QueueItem{
		TaskID:    "t1",
		SessionID: "s1",
		Prompt:    "create README.md",
		TaskType:  "implementation",
		Status:    "QUEUED",
		QueuedAt:  queued,
	}
	if err := store.SaveQueueItem(ctx, item); err != nil {
		t.Fatalf("save queued: %v", err)
	}

	started := queued.Add(time.Second)
	item.Status = "RUNNING"
	item.StartedAt = &started
	if err := store.SaveQueueItem(ctx, item); err != nil {
		t.Fatalf("save running: %v", err)
	}

	items, err := store.LoadQueueItems(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d, want 1 (upsert, not insert)", len(items))
	}
	got := items[0]
	if got.Status != "RUNNING" {
		t.Fatalf("status = %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not persisted")
	}
	if !got.QueuedAt.Equal(queued) {
		t.Fatalf("QueuedAt = %v, want %v", got.QueuedAt, queued)
	}
}

func TestSaveQueueItem_MovesToNewSession(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"old", "new"} {
		if err := store.EnsureSession(ctx, SessionRecord{ID: id}); err != nil {
			t.Fatalf("ensure session %s: %v", id, err)
		}
	}

	item := QueueItem{
		TaskID: "t1", SessionID: "old", Prompt: "a", TaskType: "implementation",
		Status: "RUNNING", QueuedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveQueueItem(ctx, item); err != nil {
		t.Fatalf("save under old session: %v", err)
	}

	// Recovery re-saves the item under the recovering session.
	item.SessionID = "new"
	item.Status = "QUEUED"
	if err := store.SaveQueueItem(ctx, item); err != nil {
		t.Fatalf("save under new session: %v", err)
	}

	if orphans, err := store.LoadQueueItems(ctx, "old"); err != nil || len(orphans) != 0 {
		t.Fatalf("old session items = %v (err %v), want none", orphans, err)
	}
	moved, err := store.LoadQueueItems(ctx, "new")
	if err != nil {
		t.Fatalf("load new session: %v", err)
	}
	if len(moved) != 1 || moved[0].TaskID != "t1" || moved[0].Status != "QUEUED" {
		t.Fatalf("moved items = %+v", moved)
	}
}

func TestDefaultDBPath_HonorsHomeOverride(t *testing.T) {
	t.Setenv("TASKSHELL_HOME", "/srv/taskshell")
	if got, want := DefaultDBPath(), filepath.Join("/srv/taskshell", "taskshell.db"); got != want {
		t.Fatalf("DefaultDBPath = %q, want %q", got, want)
	}

	t.Setenv("TASKSHELL_HOME", "")
	if got := DefaultDBPath(); filepath.Base(got) != "taskshell.db" || filepath.Base(filepath.Dir(got)) != ".taskshell" {
		t.Fatalf("DefaultDBPath without override = %q", got)
	}
}

func TestSaveQueueItem_ClarificationFields(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	if err := store.EnsureSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	item := QueueItem{
		TaskID:                "t1",
		SessionID:             "s1",
		Prompt:                "create the spec file",
		TaskType:              "implementation",
		Status:                "AWAITING_RESPONSE",
		ClarificationQuestion: "Where should the file be saved?",
		ClarificationContext:  "ambiguous path",
		QueuedAt:              time.Now().UTC(),
	}
	if err := store.SaveQueueItem(ctx, item); err != nil {
		t.Fatalf("save: %v", err)
	}

	items, err := store.LoadQueueItems(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if items[0].ClarificationQuestion != "Where should the file be saved?" {
		t.Fatalf("question = %q", items[0].ClarificationQuestion)
	}
	if items[0].ClarificationContext != "ambiguous path" {
		t.Fatalf("context = %q", items[0].ClarificationContext)
	}
}

func TestSaveQueueItem_RejectsUnknownStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()
	if err := store.EnsureSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	err := store.SaveQueueItem(ctx, QueueItem{
		TaskID: "t1", SessionID: "s1", Prompt: "x", TaskType: "implementation",
		Status: "DANCING", QueuedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestLoadQueueItems_SubmissionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()
	if err := store.EnsureSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"t1", "t2", "t3"} {
		item := QueueItem{
			TaskID: id, SessionID: "s1", Prompt: id, TaskType: "implementation",
			Status: "QUEUED", QueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveQueueItem(ctx, item); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	items, err := store.LoadQueueItems(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if items[i].TaskID != want {
			t.Fatalf("items[%d] = %s, want %s", i, items[i].TaskID, want)
		}
	}
}

func TestSessionPointers(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()
	if err := store.EnsureSession(ctx, SessionRecord{ID: "s1", Model: "default"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	if err := store.UpdateSessionPointers(ctx, "s1", "t1", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CurrentTaskID != "t1" || rec.LastTaskID != "" {
		t.Fatalf("pointers = %q/%q", rec.CurrentTaskID, rec.LastTaskID)
	}

	if err := store.UpdateSessionPointers(ctx, "s1", "", "t1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CurrentTaskID != "" || rec.LastTaskID != "t1" {
		t.Fatalf("pointers = %q/%q", rec.CurrentTaskID, rec.LastTaskID)
	}
}

func TestGetSession_Missing(t *testing.T) {
	store := openTestStore(t)
	rec, err := store.GetSession(t.Context(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil", rec)
	}
}

func TestTaskEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	for _, ev := range []TaskEvent{
		{TaskID: "t1", SessionID: "s1", EventType: "enqueued", StateTo: "QUEUED"},
		{TaskID: "t1", SessionID: "s1", EventType: "transition", StateFrom: "QUEUED", StateTo: "RUNNING"},
		{TaskID: "t1", SessionID: "s1", EventType: "transition", StateFrom: "RUNNING", StateTo: "COMPLETE", Payload: `{"files":["README.md"]}`},
	} {
		if err := store.AppendTaskEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.ListTaskEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d", len(events))
	}
	if events[0].EventType != "enqueued" || events[2].StateTo != "COMPLETE" {
		t.Fatalf("unexpected ordering: %+v", events)
	}

	tail, err := store.ListTaskEvents(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("len = %d, want 2", len(tail))
	}
	if tail[0].StateTo != "RUNNING" || tail[1].StateTo != "COMPLETE" {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	if !isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("busy error not detected")
	}
	if isSQLiteBusy(errors.New("syntax error")) {
		t.Fatal("false positive")
	}
	if isSQLiteBusy(nil) {
		t.Fatal("nil is not busy")
	}
}
