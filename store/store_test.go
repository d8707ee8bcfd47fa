package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	if err := s.Set(ctx, AreaSync, map[string]any{"a": []int{1, 2}, "b": "x"}); err != nil {
		t.Fatal(err)
	}

	vals, err := s.Get(ctx, AreaSync, "a", "b", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if string(vals["a"]) != "[1,2]" {
		t.Errorf("a: got %s", vals["a"])
	}
	if string(vals["b"]) != `"x"` {
		t.Errorf("b: got %s", vals["b"])
	}
	if _, ok := vals["missing"]; ok {
		t.Error("missing key reported present")
	}
}

func TestAreasAreSeparate(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	if err := s.Set(ctx, AreaLocal, map[string]any{"k": 1}); err != nil {
		t.Fatal(err)
	}
	var v int
	ok, err := s.GetJSON(ctx, AreaSync, "k", &v)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("local key visible in sync area")
	}
	ok, err = s.GetJSON(ctx, AreaLocal, "k", &v)
	if err != nil || !ok || v != 1 {
		t.Fatalf("GetJSON local: ok=%v v=%d err=%v", ok, v, err)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	s.Set(ctx, AreaSync, map[string]any{"k": "old"})
	s.Set(ctx, AreaSync, map[string]any{"k": "new"})

	var v string
	if _, err := s.GetJSON(ctx, AreaSync, "k", &v); err != nil {
		t.Fatal(err)
	}
	if v != "new" {
		t.Fatalf("got %q, want new", v)
	}
}

func TestRemove(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	s.Set(ctx, AreaLocal, map[string]any{"a": 1, "b": 2, "c": 3})
	if err := s.Remove(ctx, AreaLocal, "a", "b"); err != nil {
		t.Fatal(err)
	}
	vals, _ := s.Get(ctx, AreaLocal, "a", "b", "c")
	if len(vals) != 1 {
		t.Fatalf("got %d keys after remove, want 1", len(vals))
	}
}

func TestSubscribe(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Change
	cancel := s.Subscribe(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	s.Set(ctx, AreaSync, map[string]any{"k": 1})
	s.Remove(ctx, AreaSync, "k")
	cancel()
	s.Set(ctx, AreaSync, map[string]any{"k": 2})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d changes, want 2", len(got))
	}
	if got[0].Area != AreaSync || len(got[0].Keys) != 1 || got[0].Keys[0] != "k" || got[0].External {
		t.Errorf("change[0]: %+v", got[0])
	}
}

func TestCheckExternal(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	// Own writes are never reported as external.
	s.Set(ctx, AreaSync, map[string]any{"k": 1})
	if changes := s.CheckExternal(ctx); len(changes) != 0 {
		t.Fatalf("own write reported external: %+v", changes)
	}

	// Simulate another process writing the same file.
	if _, err := s.DB().Exec(`UPDATE kv_rev SET rev = rev + 1 WHERE area = 'sync'`); err != nil {
		t.Fatal(err)
	}

	var notified []Change
	s.Subscribe(func(c Change) { notified = append(notified, c) })

	changes := s.CheckExternal(ctx)
	if len(changes) != 1 || changes[0].Area != AreaSync || !changes[0].External {
		t.Fatalf("CheckExternal: got %+v", changes)
	}
	if len(notified) != 1 {
		t.Fatalf("subscribers notified %d times, want 1", len(notified))
	}
	if again := s.CheckExternal(ctx); len(again) != 0 {
		t.Fatalf("change reported twice: %+v", again)
	}
}

func TestWatch_ReportsExternalChange(t *testing.T) {
	s := OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Change, 4)
	s.Subscribe(func(c Change) { ch <- c })

	go s.Watch(ctx, WatchOptions{Interval: 10 * time.Millisecond, Debounce: 20 * time.Millisecond})

	if _, err := s.DB().Exec(`INSERT INTO kv_rev (area, rev) VALUES ('local', 5)`); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-ch:
		if c.Area != AreaLocal || !c.External {
			t.Fatalf("got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("external change not reported")
	}
}

func TestIsBusy(t *testing.T) {
	if IsBusy(nil) || IsBusy(errors.New("database is locked")) {
		t.Fatal("only SQLite result codes count as busy")
	}
}

func TestWrite_RetriesThenGivesUpWhileLocked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	holder, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	writer, err := Open(path+"?_pragma=busy_timeout(0)", WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	var notified int
	writer.Subscribe(func(Change) { notified++ })

	tx, err := holder.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv (area, key, value, updated_at) VALUES ('local','lock','1',0)`); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = writer.Set(ctx, AreaSync, map[string]any{"a": 1})
	if !IsBusy(err) {
		t.Fatalf("got %v, want a busy error", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Errorf("gave up after %v without backing off", time.Since(start))
	}
	if notified != 0 {
		t.Fatal("failed write notified subscribers")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := writer.Set(ctx, AreaSync, map[string]any{"a": 1}); err != nil {
		t.Fatalf("write after unlock: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

func TestWrite_RollbackOnError(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	before, err := s.revisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var notified bool
	s.Subscribe(func(Change) { notified = true })

	boom := errors.New("boom")
	err = s.write(ctx, AreaSync, []string{"x"}, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (area, key, value, updated_at) VALUES ('sync','x','1',0)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	vals, _ := s.Get(ctx, AreaSync, "x")
	if len(vals) != 0 {
		t.Fatal("rolled back row is visible")
	}
	after, err := s.revisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after[AreaSync] != before[AreaSync] {
		t.Fatalf("revision moved from %d to %d", before[AreaSync], after[AreaSync])
	}
	if notified {
		t.Fatal("rolled back write notified subscribers")
	}
}
