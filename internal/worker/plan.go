package worker

import (
	"fmt"

	"offlinegate/internal/exchange"
)

// Action is what a fetch must do next
type Action int

const (
	// ActionBypass forwards to the network without touching the cache
	ActionBypass Action = iota
	// ActionServeCached answers from the cache
	ActionServeCached
	// ActionFetch goes to the network and settles the result
	ActionFetch
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case ActionBypass:
		return "bypass"
	case ActionServeCached:
		return "serve-cached"
	case ActionFetch:
		return "fetch"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of Plan
type Decision struct {
	Action   Action
	Response *exchange.Response // set for ActionServeCached
}

// Mutation is a cache write requested by Settle
type Mutation struct {
	Key      string
	Response *exchange.Response
}

// Outcome is the final answer of a fetch
type Outcome struct {
	Response *exchange.Response
	Store    *Mutation
	Result   Result
	Err      error
}

// Plan decides how to answer req given the cached response for its identity.
// cached must be nil on a miss and is ignored for non-GET requests.
func Plan(req *exchange.Request, cached *exchange.Response) Decision {
	if !req.IsGet() {
		return Decision{Action: ActionBypass}
	}
	if cached != nil {
		return Decision{Action: ActionServeCached, Response: cached}
	}
	return Decision{Action: ActionFetch}
}

// Settle turns a network result for a GET miss into the answer.
// fallback is the cached fallback response, or nil if absent. Only
// responses safe to replay to the request's scope are stored.
func Settle(req *exchange.Request, resp *exchange.Response, netErr error, fallback *exchange.Response) Outcome {
	if netErr != nil {
		if fallback != nil {
			return Outcome{Response: fallback, Result: ResultFallback}
		}
		return Outcome{
			Result: ResultOffline,
			Err:    fmt.Errorf("%w: %s: %w", ErrOffline, req.URL, netErr),
		}
	}

	out := Outcome{Response: resp, Result: ResultMiss}
	if resp.Storable(req.Scope() != "") {
		out.Store = &Mutation{Key: req.Key(), Response: resp.Clone()}
	}
	return out
}
