package evengine

import (
	"context"

	"github.com/randalmurphal/evengine/pkg/evengine/pool"
)

// Dispatch is the aggregate handle returned by Push: a future for the
// scheduling task whose value is one future per scheduled invocation.
type Dispatch struct {
	// EventType is the type name the event was dispatched under.
	EventType string

	sched *pool.Future[[]*pool.Future[any]]
}

func emptyDispatch(eventType string) *Dispatch {
	return &Dispatch{EventType: eventType, sched: pool.Resolved[[]*pool.Future[any]](nil, nil)}
}

// Handles waits for scheduling to finish and returns the invocation
// futures in dispatch order. A failed invocation resolves its future with
// an *InvocationError.
func (d *Dispatch) Handles(ctx context.Context) ([]*pool.Future[any], error) {
	return d.sched.Wait(ctx)
}

// Await waits for every invocation and returns their results in dispatch
// order. Void callbacks and failed invocations yield nil entries; listener
// failures are never returned as an error. The error is non-nil only if
// ctx ends first or the scheduling task itself failed.
func (d *Dispatch) Await(ctx context.Context) ([]any, error) {
	handles, err := d.Handles(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(handles))
	for i, h := range handles {
		v, err := h.Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		results[i] = v
	}
	return results, nil
}
