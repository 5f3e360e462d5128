package worker

import (
	"errors"
	"time"
)

// ErrInstallFailed is returned when a worker version cannot install
var ErrInstallFailed = errors.New("install failed")

// ErrOffline is returned when a GET misses the cache, the network fails,
// and the fallback route is not cached either
var ErrOffline = errors.New("offline and not cached")

// State is the worker lifecycle state
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventInstalling    EventType = "installing"
	EventStaleDeleted  EventType = "stale-deleted"
	EventRoutesCached  EventType = "routes-cached"
	EventActivated     EventType = "activated"
	EventInstallFailed EventType = "install-failed"
)

// Event is broadcast on lifecycle transitions
type Event struct {
	Type   EventType `json:"type"`
	Cache  string    `json:"cache"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// EventSink receives lifecycle events
type EventSink interface {
	Notify(Event)
}

// Result labels how a fetch was answered
type Result string

const (
	ResultHit         Result = "hit"
	ResultMiss        Result = "miss"
	ResultBypass      Result = "bypass"
	ResultFallback    Result = "fallback"
	ResultOffline     Result = "offline"
	ResultPassthrough Result = "passthrough"
)

// Recorder observes fetch results, cache writes and installs
type Recorder interface {
	ObserveFetch(result Result)
	ObserveCacheWrite(ok bool)
	ObserveInstall(ok bool)
	ObserveStaleDeleted(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(Result)     {}
func (nopRecorder) ObserveCacheWrite(bool)  {}
func (nopRecorder) ObserveInstall(bool)     {}
func (nopRecorder) ObserveStaleDeleted(int) {}

type nopSink struct{}

func (nopSink) Notify(Event) {}
