package durable

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/bdobrica/Aibou/internal/aibou/store"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "sessions/p1/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	docs := map[string]string{
		"sessions/p1/s1":       `{"id":"s1"}`,
		"sessions/p1/s1/turns": `[]`,
		"sessions/p1/s10":      `{"id":"s10"}`,
		"sessions/p2/s2":       `{"id":"s2"}`,
		"templates/p1":         `{"personalityPrompt":"P"}`,
	}
	for p, v := range docs {
		if err := s.Set(ctx, p, []byte(v)); err != nil {
			t.Fatalf("Set %s: %v", p, err)
		}
	}

	got, err := s.Get(ctx, "/sessions/p1/s1/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"id":"s1"}` {
		t.Errorf("expected s1 document, got %s", got)
	}

	if err := s.Set(ctx, "sessions/p1/s1", []byte(`{"id":"s1","v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "sessions/p1/s1")
	if string(got) != `{"id":"s1","v":2}` {
		t.Errorf("expected overwritten document, got %s", got)
	}

	list, err := s.List(ctx, "sessions")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"sessions/p1/s1", "sessions/p1/s1/turns", "sessions/p1/s10", "sessions/p2/s2"}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("List: expected %v, got %v", want, list)
	}

	// Deleting the turns sub-path keeps the metadata record.
	if err := s.Delete(ctx, "sessions/p1/s1/turns"); err != nil {
		t.Fatalf("Delete turns: %v", err)
	}
	if _, err := s.Get(ctx, "sessions/p1/s1"); err != nil {
		t.Errorf("expected metadata to survive turns deletion, got %v", err)
	}

	// Deleting a record removes descendants but not siblings sharing a prefix.
	if err := s.Set(ctx, "sessions/p1/s1/turns", []byte(`[]`)); err != nil {
		t.Fatalf("Set turns: %v", err)
	}
	if err := s.Delete(ctx, "sessions/p1/s1"); err != nil {
		t.Fatalf("Delete record: %v", err)
	}
	list, _ = s.List(ctx, "sessions/p1")
	if !reflect.DeepEqual(list, []string{"sessions/p1/s10"}) {
		t.Errorf("expected only s10 to remain under p1, got %v", list)
	}

	if err := s.Delete(ctx, "sessions/p9/never"); err != nil {
		t.Errorf("deleting a missing path should succeed, got %v", err)
	}
	if err := s.Set(ctx, "sessions//bad", []byte("x")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "durable.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewSQLite(st.DB())
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, s)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("AIBOU_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AIBOU_TEST_REDIS_ADDR not set")
	}
	prefix := "aibou-test-" + uuid.NewString() + ":"
	r := NewRedis(RedisConfig{Addr: addr, KeyPrefix: prefix})
	t.Cleanup(func() {
		ctx := context.Background()
		for _, root := range []string{"sessions", "templates"} {
			r.Delete(ctx, root)
		}
		r.Close()
	})
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, r)
}

func TestJoinAndClean(t *testing.T) {
	p, err := Join("sessions", "anime-kawaii", "abc")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p != "sessions/anime-kawaii/abc" {
		t.Errorf("unexpected path %q", p)
	}
	if _, err := Join("sessions", "a/b"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for embedded slash, got %v", err)
	}
	for _, bad := range []string{"", "/", "a/../b", "a/./b"} {
		if _, err := Clean(bad); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Clean(%q): expected ErrInvalidPath, got %v", bad, err)
		}
	}
	if Base("sessions/p1/s1/turns") != "turns" || Depth("sessions/p1/s1") != 3 {
		t.Error("unexpected Base/Depth result")
	}
}

func TestGlobEscape(t *testing.T) {
	if got := globEscape(`a*b?[c]\`); got != `a\*b\?\[c\]\\` {
		t.Errorf("unexpected escape %q", got)
	}
}
