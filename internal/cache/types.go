package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is a stored response snapshot
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	// Pinned entries are never evicted; once a key is pinned it stays pinned
	// until deleted
	Pinned bool
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     body,
		StoredAt: e.StoredAt,
		Pinned:   e.Pinned,
	}
}

// Size returns the number of body bytes held by the entry
func (e *Entry) Size() int {
	return len(e.Body)
}

// Cache is a single named cache of request identity -> response snapshot.
// Implementations are safe for concurrent use; writes are atomic per key.
type Cache interface {
	// Name returns the cache name
	Name() string

	// Match returns a copy of the stored entry for key
	Match(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores a copy of entry under key, replacing any previous value
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes key and reports whether it was present
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all stored keys
	Keys(ctx context.Context) ([]string, error)
}

// Storage is the process-wide registry of named caches.
// This interface allows for different implementations (in-memory, SQLite, etc.)
type Storage interface {
	// Open returns the named cache, creating it if absent
	Open(ctx context.Context, name string) (Cache, error)

	// Has reports whether the named cache exists
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named cache with all its entries and reports whether it existed
	Delete(ctx context.Context, name string) (bool, error)

	// Keys returns the names of all caches in creation order
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the storage
	Close() error
}

// Stats summarises one named cache
type Stats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Describe collects Stats for every cache in storage
func Describe(ctx context.Context, s Storage) ([]Stats, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		c, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		st := Stats{Name: name, Entries: len(keys)}
		for _, k := range keys {
			e, ok, err := c.Match(ctx, k)
			if err != nil {
				return nil, err
			}
			if ok {
				st.Bytes += int64(e.Size())
			}
		}
		out = append(out, st)
	}
	return out, nil
}
