package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"offlinegate/internal/cache"
	"offlinegate/internal/exchange"
)

var errUnreachable = errors.New("dial tcp: connection refused")

// mockNetwork answers from a route table and counts calls per request identity
type mockNetwork struct {
	mu      sync.Mutex
	routes  map[string]*exchange.Response
	offline bool
	calls   map[string]int
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		routes: make(map[string]*exchange.Response),
		calls:  make(map[string]int),
	}
}

func (m *mockNetwork) set(url string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := exchange.NewResponse(status, []byte(body))
	resp.Header.Set("Content-Type", "text/html")
	m.routes[url] = resp
}

func (m *mockNetwork) setOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *mockNetwork) callCount(req *exchange.Request) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[req.Key()]
}

func (m *mockNetwork) Fetch(ctx context.Context, req *exchange.Request) (*exchange.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.Key()]++
	if m.offline {
		return nil, errUnreachable
	}
	if resp, ok := m.routes[req.URL]; ok {
		return resp.Clone(), nil
	}
	return exchange.NewResponse(http.StatusNotFound, []byte("not found")), nil
}

// failingStorage wraps a storage whose caches reject writes
type failingStorage struct {
	cache.Storage
}

func (f failingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := f.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingCache{c}, nil
}

type failingCache struct {
	cache.Cache
}

func (failingCache) Put(context.Context, string, *cache.Entry) error {
	return errors.New("quota exceeded")
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Notify(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

var testRoutes = []string{"/", "/inbox/", "/today/", "/upcoming/", "/done/", "/projects/"}

func newNetworkWithRoutes() *mockNetwork {
	n := newMockNetwork()
	for _, r := range testRoutes {
		n.set(r, http.StatusOK, "page "+r)
	}
	return n
}

func newTestWorker(t *testing.T, storage cache.Storage, network *mockNetwork, sink EventSink) *Worker {
	t.Helper()
	if storage == nil {
		s, err := cache.NewMemoryStorage(100)
		if err != nil {
			t.Fatalf("NewMemoryStorage: %v", err)
		}
		storage = s
	}
	w, err := New(Config{
		CacheName:     "todo-v2",
		StalePatterns: []string{"solo-todo-*", "todo-v1"},
		Routes:        testRoutes,
		FallbackRoute: "/",
		Storage:       storage,
		Network:       network,
		Events:        sink,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func installed(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestWorker_InstallCachesAllRoutes(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	w := newTestWorker(t, storage, network, nil)

	installed(t, w)

	if w.State() != StateActivated {
		t.Errorf("state = %s, want activated", w.State())
	}
	ctx := context.Background()
	c, _ := storage.Open(ctx, "todo-v2")
	for _, route := range testRoutes {
		e, ok, err := c.Match(ctx, cache.Key(http.MethodGet, route))
		if err != nil || !ok {
			t.Fatalf("route %s not cached: %v", route, err)
		}
		if !e.Pinned {
			t.Errorf("route %s not pinned", route)
		}
		if e.Status != http.StatusOK || string(e.Body) != "page "+route {
			t.Errorf("route %s = %d %q", route, e.Status, e.Body)
		}
	}
}

func TestWorker_InstallDeletesStaleCaches(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	ctx := context.Background()
	for _, name := range []string{"solo-todo-v1", "solo-todo-static", "todo-v1", "other-app-v1"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}
	sink := &recordingSink{}
	w := newTestWorker(t, storage, newNetworkWithRoutes(), sink)

	installed(t, w)

	names, _ := storage.Keys(ctx)
	for _, name := range names {
		if name == "solo-todo-v1" || name == "solo-todo-static" || name == "todo-v1" {
			t.Errorf("stale cache %s still present", name)
		}
	}
	if has, _ := storage.Has(ctx, "other-app-v1"); !has {
		t.Error("unrelated cache was deleted")
	}
	if has, _ := storage.Has(ctx, "todo-v2"); !has {
		t.Error("current cache missing")
	}

	deletedEvents := 0
	for _, typ := range sink.types() {
		if typ == EventStaleDeleted {
			deletedEvents++
		}
	}
	if deletedEvents != 3 {
		t.Errorf("stale-deleted events = %d, want 3", deletedEvents)
	}
}

func TestWorker_InstallKeepsCurrentEvenIfPatternMatches(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	w, err := New(Config{
		CacheName:     "todo-v2",
		StalePatterns: []string{"todo-*"},
		Routes:        []string{"/"},
		Storage:       storage,
		Network:       newNetworkWithRoutes(),
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	c, _ := storage.Open(ctx, "todo-v2")
	_ = c.Put(ctx, cache.Key(http.MethodGet, "/kept/"), &cache.Entry{Status: 200})

	installed(t, w)

	c, _ = storage.Open(ctx, "todo-v2")
	if _, ok, _ := c.Match(ctx, cache.Key(http.MethodGet, "/kept/")); !ok {
		t.Error("current cache was wiped during install")
	}
}

func TestWorker_InstallFailsAsAWhole(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	network.set("/projects/", http.StatusInternalServerError, "boom")
	sink := &recordingSink{}
	w := newTestWorker(t, storage, network, sink)

	err := w.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if w.State() != StateRedundant {
		t.Errorf("state = %s, want redundant", w.State())
	}
	if w.Active() {
		t.Error("worker must not activate after failed install")
	}

	if has, _ := storage.Has(context.Background(), "todo-v2"); has {
		t.Error("failed install must not leave the cache behind")
	}

	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != EventInstallFailed {
		t.Errorf("events = %v, want trailing install-failed", types)
	}
}

func TestWorker_InstallFailsWhenOffline(t *testing.T) {
	network := newNetworkWithRoutes()
	network.setOffline(true)
	w := newTestWorker(t, nil, network, nil)

	if err := w.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
}

func TestWorker_FailedReinstallKeepsServing(t *testing.T) {
	network := newNetworkWithRoutes()
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)

	network.setOffline(true)
	if err := w.Install(context.Background()); err == nil {
		t.Fatal("expected reinstall to fail")
	}
	if w.State() != StateActivated || !w.Active() {
		t.Errorf("state = %s active = %v, want previous version still active", w.State(), w.Active())
	}
	resp, result, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodGet, "/today/"))
	if err != nil || result != ResultHit || string(resp.Body) != "page /today/" {
		t.Errorf("Fetch = %v %s %v", resp, result, err)
	}
}

func TestWorker_NonGetBypassesCache(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	network.set("/tasks/7/snooze/", http.StatusFound, "")
	w := newTestWorker(t, storage, network, nil)
	installed(t, w)

	ctx := context.Background()
	c, _ := storage.Open(ctx, "todo-v2")
	before, _ := c.Keys(ctx)

	req := &exchange.Request{
		Method: http.MethodPost,
		URL:    "/tasks/7/snooze/",
		Header: http.Header{},
		Body:   []byte("csrfmiddlewaretoken=t&minutes=30"),
	}
	resp, result, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result != ResultBypass || resp.Status != http.StatusFound {
		t.Errorf("Fetch = %d %s, want 302 bypass", resp.Status, result)
	}

	after, _ := c.Keys(ctx)
	if len(after) != len(before) {
		t.Errorf("cache changed by POST: %v -> %v", before, after)
	}
}

func TestWorker_NonGetPropagatesNetworkError(t *testing.T) {
	network := newNetworkWithRoutes()
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)
	network.setOffline(true)

	// "/" is cached but must not be used as fallback for a POST
	_, result, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodPost, "/focus/start/"))
	if !errors.Is(err, errUnreachable) {
		t.Fatalf("err = %v, want network error unchanged", err)
	}
	if result != ResultBypass {
		t.Errorf("result = %s", result)
	}
}

func TestWorker_CachedGetSkipsNetwork(t *testing.T) {
	network := newNetworkWithRoutes()
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)

	req := exchange.NewRequest(http.MethodGet, "/inbox/")
	before := network.callCount(req)

	resp, result, err := w.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result != ResultHit || string(resp.Body) != "page /inbox/" {
		t.Errorf("Fetch = %q %s", resp.Body, result)
	}
	if network.callCount(req) != before {
		t.Error("cache hit went to the network")
	}
}

func TestWorker_MissStoresOKResponse(t *testing.T) {
	network := newNetworkWithRoutes()
	network.set("/tasks/42/", http.StatusOK, "task 42")
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)
	ctx := context.Background()

	req := exchange.NewRequest(http.MethodGet, "/tasks/42/")
	resp, result, err := w.Fetch(ctx, req)
	if err != nil || result != ResultMiss || string(resp.Body) != "task 42" {
		t.Fatalf("first Fetch = %v %s %v", resp, result, err)
	}

	resp, result, err = w.Fetch(ctx, req)
	if err != nil || result != ResultHit || string(resp.Body) != "task 42" {
		t.Fatalf("second Fetch = %v %s %v", resp, result, err)
	}
	if network.callCount(req) != 1 {
		t.Errorf("network calls = %d, want 1", network.callCount(req))
	}
}

func TestWorker_MissDoesNotStoreNonOK(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	w := newTestWorker(t, storage, network, nil)
	installed(t, w)
	ctx := context.Background()

	req := exchange.NewRequest(http.MethodGet, "/missing/")
	resp, result, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != http.StatusNotFound || result != ResultMiss {
		t.Errorf("Fetch = %d %s, want 404 miss", resp.Status, result)
	}

	c, _ := storage.Open(ctx, "todo-v2")
	if _, ok, _ := c.Match(ctx, req.Key()); ok {
		t.Error("404 response was cached")
	}
}

func TestWorker_NetworkFailureFallsBackToRoot(t *testing.T) {
	network := newNetworkWithRoutes()
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)
	network.setOffline(true)

	resp, result, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodGet, "/tasks/99/"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result != ResultFallback || string(resp.Body) != "page /" {
		t.Errorf("Fetch = %q %s, want root fallback", resp.Body, result)
	}
}

func TestWorker_NetworkFailureWithoutFallbackIsOffline(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	w := newTestWorker(t, storage, network, nil)
	installed(t, w)

	ctx := context.Background()
	c, _ := storage.Open(ctx, "todo-v2")
	_, _ = c.Delete(ctx, cache.Key(http.MethodGet, "/"))
	network.setOffline(true)

	_, result, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, "/tasks/99/"))
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if !errors.Is(err, errUnreachable) {
		t.Errorf("err = %v, should wrap the network error", err)
	}
	if result != ResultOffline {
		t.Errorf("result = %s", result)
	}
}

func TestWorker_CacheWriteFailureIsSwallowed(t *testing.T) {
	mem, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	network.set("/tasks/1/", http.StatusOK, "task 1")

	w := newTestWorker(t, failingStorage{mem}, network, nil)
	// install would fail on the failing store, so activate over the plain one
	w.storage = mem
	installed(t, w)
	failing, _ := failingStorage{mem}.Open(context.Background(), "todo-v2")
	w.current.Store(&failing)

	resp, result, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodGet, "/tasks/1/"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result != ResultMiss || string(resp.Body) != "task 1" {
		t.Errorf("Fetch = %q %s", resp.Body, result)
	}
}

func TestWorker_PassthroughBeforeInstall(t *testing.T) {
	storage, _ := cache.NewMemoryStorage(100)
	network := newNetworkWithRoutes()
	w := newTestWorker(t, storage, network, nil)

	resp, result, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodGet, "/today/"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result != ResultPassthrough || string(resp.Body) != "page /today/" {
		t.Errorf("Fetch = %q %s", resp.Body, result)
	}
	if has, _ := storage.Has(context.Background(), "todo-v2"); has {
		t.Error("passthrough must not create the cache")
	}
}

// GET /today/ on an empty cache, then again with the network down
func TestWorker_TodayScenario(t *testing.T) {
	network := newMockNetwork()
	network.set("/", http.StatusOK, "root")
	w, err := New(Config{
		CacheName: "todo-v2",
		Routes:    []string{"/"},
		Storage:   mustMemory(t),
		Network:   network,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	installed(t, w)
	network.set("/today/", http.StatusOK, "B")
	ctx := context.Background()

	resp, _, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, "/today/"))
	if err != nil || string(resp.Body) != "B" {
		t.Fatalf("online Fetch = %v %v", resp, err)
	}

	network.setOffline(true)
	resp, result, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, "/today/"))
	if err != nil {
		t.Fatalf("offline Fetch: %v", err)
	}
	if string(resp.Body) != "B" || result != ResultHit {
		t.Errorf("offline Fetch = %q %s, want cached B", resp.Body, result)
	}
}

func TestWorker_ConcurrentFetches(t *testing.T) {
	network := newNetworkWithRoutes()
	for i := 0; i < 20; i++ {
		network.set("/tasks/"+string(rune('a'+i))+"/", http.StatusOK, "t")
	}
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := "/tasks/" + string(rune('a'+i)) + "/"
			for j := 0; j < 5; j++ {
				if _, _, err := w.Fetch(context.Background(), exchange.NewRequest(http.MethodGet, url)); err != nil {
					t.Errorf("Fetch %s: %v", url, err)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestWorker_RoutesSurviveLaterFetches(t *testing.T) {
	storage, err := cache.NewMemoryStorage(len(testRoutes) + 2)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	network := newNetworkWithRoutes()
	for i := 0; i < 10; i++ {
		network.set(fmt.Sprintf("/tasks/%d/", i), http.StatusOK, "task")
	}
	w := newTestWorker(t, storage, network, nil)
	installed(t, w)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, _, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, fmt.Sprintf("/tasks/%d/", i))); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}

	network.setOffline(true)
	for _, route := range testRoutes {
		resp, result, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, route))
		if err != nil || result != ResultHit || string(resp.Body) != "page "+route {
			t.Errorf("route %s offline = %v %s %v", route, resp, result, err)
		}
	}
	resp, result, err := w.Fetch(ctx, exchange.NewRequest(http.MethodGet, "/other/"))
	if err != nil || result != ResultFallback || string(resp.Body) != "page /" {
		t.Errorf("unknown page offline = %v %s %v, want root fallback", resp, result, err)
	}
}

func withCookie(url, cookie string) *exchange.Request {
	req := exchange.NewRequest(http.MethodGet, url)
	req.Header.Set("Cookie", cookie)
	return req
}

func TestWorker_ClientsDoNotShareEntries(t *testing.T) {
	network := newNetworkWithRoutes()
	network.set("/tasks/1/", http.StatusOK, "task 1")
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)
	ctx := context.Background()

	alice := withCookie("/tasks/1/", "sessionid=alice")
	bob := withCookie("/tasks/1/", "sessionid=bob")

	if _, result, _ := w.Fetch(ctx, alice); result != ResultMiss {
		t.Fatalf("alice first fetch = %s, want miss", result)
	}
	if _, result, _ := w.Fetch(ctx, alice); result != ResultHit {
		t.Errorf("alice second fetch = %s, want hit", result)
	}
	if _, result, _ := w.Fetch(ctx, bob); result != ResultMiss {
		t.Errorf("bob fetch = %s, want miss", result)
	}
	if network.callCount(bob) != 1 {
		t.Errorf("bob network calls = %d, want 1", network.callCount(bob))
	}

	network.set("/tasks/2/", http.StatusOK, "task 2")
	if _, _, err := w.Fetch(ctx, withCookie("/tasks/2/", "sessionid=alice")); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	network.setOffline(true)
	resp, result, err := w.Fetch(ctx, withCookie("/tasks/2/", "sessionid=bob"))
	if err != nil || result != ResultFallback || string(resp.Body) != "page /" {
		t.Errorf("bob offline = %v %s %v, want shared root", resp, result, err)
	}
}

func TestWorker_ScopedFallbackUsesSharedCopy(t *testing.T) {
	network := newNetworkWithRoutes()
	w := newTestWorker(t, nil, network, nil)
	installed(t, w)
	network.setOffline(true)
	ctx := context.Background()

	resp, result, err := w.Fetch(ctx, withCookie("/today/", "sessionid=alice"))
	if err != nil || result != ResultFallback || string(resp.Body) != "page /today/" {
		t.Errorf("Fetch = %v %s %v, want installed /today/", resp, result, err)
	}
}

func TestWorker_SetCookieResponseNotStored(t *testing.T) {
	storage := mustMemory(t)
	network := newNetworkWithRoutes()
	w := newTestWorker(t, storage, network, nil)
	installed(t, w)

	network.mu.Lock()
	login := exchange.NewResponse(http.StatusOK, []byte("welcome"))
	login.Header.Set("Set-Cookie", "csrftoken=tok")
	network.routes["/accounts/login/"] = login
	network.mu.Unlock()

	ctx := context.Background()
	req := exchange.NewRequest(http.MethodGet, "/accounts/login/")
	if _, result, _ := w.Fetch(ctx, req); result != ResultMiss {
		t.Fatalf("result = %s, want miss", result)
	}
	c, _ := storage.Open(ctx, "todo-v2")
	if _, ok, _ := c.Match(ctx, req.Key()); ok {
		t.Error("response with Set-Cookie was cached")
	}
}

func mustMemory(t *testing.T) cache.Storage {
	t.Helper()
	s, err := cache.NewMemoryStorage(100)
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	return s
}
