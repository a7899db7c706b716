package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sluiceio/sluice/internal/model"
)

func newTestCache(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func makeTestEntry(session, hash string) Entry {
	zero := 0
	return Entry{
		SessionID:  session,
		Hash:       hash,
		TaskID:     model.NewID(),
		Name:       "align",
		Status:     model.StatusCompleted,
		ExitCode:   &zero,
		WorkDir:    "/work/ab/cdef",
		DurationMS: 1500,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	e := makeTestEntry("sess-1", "aabb")

	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(ctx, "sess-1", "aabb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TaskID != e.TaskID {
		t.Errorf("TaskID = %q, want %q", got.TaskID, e.TaskID)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if got.WorkDir != e.WorkDir {
		t.Errorf("WorkDir = %q, want %q", got.WorkDir, e.WorkDir)
	}
	if got.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", got.DurationMS)
	}
}

func TestGetNotFound(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), "sess-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestGetScopedToSession(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, makeTestEntry("sess-1", "aabb")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The same fingerprint under a different session is a miss.
	_, err := c.Get(ctx, "sess-2", "aabb")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestPutUpsertsByKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	first := makeTestEntry("sess-1", "aabb")
	first.Status = model.StatusFailed
	nine := 9
	first.ExitCode = &nine
	if err := c.Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := makeTestEntry("sess-1", "aabb")
	if err := c.Put(ctx, second); err != nil {
		t.Fatalf("Put (upsert): %v", err)
	}

	got, err := c.Get(ctx, "sess-1", "aabb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want the replacing run's %q", got.Status, model.StatusCompleted)
	}
	if got.TaskID != second.TaskID {
		t.Errorf("TaskID = %q, want %q", got.TaskID, second.TaskID)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d after upsert, want 1", stats.Total)
	}
}

func TestNullExitCode(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	e := makeTestEntry("sess-1", "aabb")
	e.Status = model.StatusFailed
	e.ExitCode = nil
	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(ctx, "sess-1", "aabb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil", *got.ExitCode)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	completed1 := makeTestEntry("sess-1", "h1")
	completed1.DurationMS = 100
	completed2 := makeTestEntry("sess-1", "h2")
	completed2.DurationMS = 200
	failed := makeTestEntry("sess-2", "h3")
	failed.Status = model.StatusFailed
	failed.DurationMS = 0

	for _, e := range []Entry{completed1, completed2, failed} {
		if err := c.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", stats.CountByStatus[model.StatusFailed])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestStatsEmpty(t *testing.T) {
	c := newTestCache(t)

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.Sessions != 0 {
		t.Errorf("stats = %+v, want zero totals", stats)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestClearSession(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, e := range []Entry{
		makeTestEntry("sess-1", "h1"),
		makeTestEntry("sess-1", "h2"),
		makeTestEntry("sess-2", "h3"),
	} {
		if err := c.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n, err := c.Clear(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("Clear removed %d rows, want 2", n)
	}

	if _, err := c.Get(ctx, "sess-1", "h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("sess-1 entry survived clear: %v", err)
	}
	if _, err := c.Get(ctx, "sess-2", "h3"); err != nil {
		t.Errorf("sess-2 entry lost: %v", err)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	c := newTestCache(t)
	// CREATE TABLE IF NOT EXISTS must be re-runnable on the same database.
	if _, err := c.db.Exec(createTaskRunsTable); err != nil {
		t.Fatalf("second migration: %v", err)
	}
}
