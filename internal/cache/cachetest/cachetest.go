// Package cachetest holds behaviour checks shared by every cache.Storage implementation.
package cachetest

import (
	"context"
	"net/http"
	"reflect"
	"testing"

	"offlinegate/internal/cache"
)

// RunStorageTests exercises a fresh storage returned by newStorage.
func RunStorageTests(t *testing.T, newStorage func(t *testing.T) cache.Storage) {
	t.Run("OpenCreatesAndKeepsOrder", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		for _, name := range []string{"solo-todo-v1", "todo-v1", "todo-v2"} {
			if _, err := s.Open(ctx, name); err != nil {
				t.Fatalf("Open(%s): %v", name, err)
			}
		}
		// reopening must not create a duplicate or move it
		if _, err := s.Open(ctx, "solo-todo-v1"); err != nil {
			t.Fatalf("reopen: %v", err)
		}

		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		want := []string{"solo-todo-v1", "todo-v1", "todo-v2"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("Keys = %v, want %v", keys, want)
		}
	})

	t.Run("PutMatch", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		c, err := s.Open(ctx, "todo-v2")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		key := cache.Key(http.MethodGet, "/today/")
		entry := &cache.Entry{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/html"}},
			Body:   []byte("<h1>Today</h1>"),
		}
		if err := c.Put(ctx, key, entry); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, ok, err := c.Match(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Match = %v, %v", ok, err)
		}
		if got.Status != http.StatusOK || string(got.Body) != "<h1>Today</h1>" {
			t.Errorf("Match = %d %q", got.Status, got.Body)
		}
		if got.Header.Get("Content-Type") != "text/html" {
			t.Errorf("Content-Type = %q", got.Header.Get("Content-Type"))
		}
		if got.StoredAt.IsZero() {
			t.Error("StoredAt not set")
		}

		// returned entries are copies
		got.Body[0] = 'X'
		again, _, _ := c.Match(ctx, key)
		if string(again.Body) != "<h1>Today</h1>" {
			t.Errorf("stored body mutated through Match result: %q", again.Body)
		}

		if _, ok, _ := c.Match(ctx, cache.Key(http.MethodGet, "/inbox/")); ok {
			t.Error("unexpected hit for /inbox/")
		}
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		c, _ := s.Open(ctx, "todo-v2")
		key := cache.Key(http.MethodGet, "/done/")

		_ = c.Put(ctx, key, &cache.Entry{Status: 200, Body: []byte("a")})
		_ = c.Put(ctx, key, &cache.Entry{Status: 200, Body: []byte("b")})

		got, ok, err := c.Match(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Match = %v, %v", ok, err)
		}
		if string(got.Body) != "b" {
			t.Errorf("body = %q, want b", got.Body)
		}
		keys, _ := c.Keys(ctx)
		if len(keys) != 1 {
			t.Errorf("keys = %v, want one", keys)
		}
	})

	t.Run("PinStaysOnReplace", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		c, _ := s.Open(ctx, "todo-v2")
		key := cache.Key(http.MethodGet, "/")

		_ = c.Put(ctx, key, &cache.Entry{Status: 200, Body: []byte("a"), Pinned: true})
		_ = c.Put(ctx, key, &cache.Entry{Status: 200, Body: []byte("b")})

		got, ok, err := c.Match(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Match = %v, %v", ok, err)
		}
		if string(got.Body) != "b" || !got.Pinned {
			t.Errorf("entry = %q pinned=%v, want b pinned", got.Body, got.Pinned)
		}

		unpinned := cache.Key(http.MethodGet, "/today/")
		_ = c.Put(ctx, unpinned, &cache.Entry{Status: 200})
		if got, _, _ := c.Match(ctx, unpinned); got == nil || got.Pinned {
			t.Errorf("plain entry reported pinned: %+v", got)
		}
	})

	t.Run("CachesAreIsolated", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		a, _ := s.Open(ctx, "todo-v1")
		b, _ := s.Open(ctx, "todo-v2")
		key := cache.Key(http.MethodGet, "/")

		_ = a.Put(ctx, key, &cache.Entry{Status: 200, Body: []byte("old")})

		if _, ok, _ := b.Match(ctx, key); ok {
			t.Error("entry leaked across caches")
		}
	})

	t.Run("DeleteCache", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		c, _ := s.Open(ctx, "todo-v1")
		_ = c.Put(ctx, cache.Key(http.MethodGet, "/"), &cache.Entry{Status: 200, Body: []byte("x")})

		deleted, err := s.Delete(ctx, "todo-v1")
		if err != nil || !deleted {
			t.Fatalf("Delete = %v, %v", deleted, err)
		}
		if has, _ := s.Has(ctx, "todo-v1"); has {
			t.Error("cache still present after Delete")
		}
		deleted, err = s.Delete(ctx, "todo-v1")
		if err != nil || deleted {
			t.Errorf("second Delete = %v, %v, want false", deleted, err)
		}

		// recreated cache starts empty
		c, _ = s.Open(ctx, "todo-v1")
		if _, ok, _ := c.Match(ctx, cache.Key(http.MethodGet, "/")); ok {
			t.Error("entries survived cache deletion")
		}
	})

	t.Run("DeleteEntry", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		c, _ := s.Open(ctx, "todo-v2")
		key := cache.Key(http.MethodGet, "/upcoming/")
		_ = c.Put(ctx, key, &cache.Entry{Status: 200})

		removed, err := c.Delete(ctx, key)
		if err != nil || !removed {
			t.Fatalf("Delete = %v, %v", removed, err)
		}
		if _, ok, _ := c.Match(ctx, key); ok {
			t.Error("entry present after Delete")
		}
	})

	t.Run("Describe", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		c, _ := s.Open(ctx, "todo-v2")
		_ = c.Put(ctx, cache.Key(http.MethodGet, "/"), &cache.Entry{Status: 200, Body: []byte("1234")})
		_ = c.Put(ctx, cache.Key(http.MethodGet, "/today/"), &cache.Entry{Status: 200, Body: []byte("56")})

		stats, err := cache.Describe(ctx, s)
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if len(stats) != 1 {
			t.Fatalf("stats = %+v", stats)
		}
		if stats[0].Entries != 2 || stats[0].Bytes != 6 {
			t.Errorf("stats = %+v, want 2 entries / 6 bytes", stats[0])
		}
	})
}
