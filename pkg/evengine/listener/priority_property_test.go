//go:build property
// +build property

package listener_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/randalmurphal/evengine/pkg/evengine/listener"
)

// TestBindingOrderProperty checks that bindings come back sorted by priority
// descending with registration order preserved among equal priorities.
func TestBindingOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	noop := func(context.Context, orderPlaced) error { return nil }

	properties.Property("bindings are ordered by priority then registration", prop.ForAll(
		func(priorities []int) bool {
			reg := listener.NewRegistry()
			for i, p := range priorities {
				errs := reg.Register(listener.Registration{
					Listener:  fmt.Sprintf("l%03d", i),
					Callbacks: []listener.CallbackSpec{{Callback: listener.Action("on", noop), Priority: p}},
				})
				if len(errs) > 0 {
					return false
				}
			}

			bindings := reg.BindingsFor(orderType)
			if len(bindings) != len(priorities) {
				return false
			}
			for i := 1; i < len(bindings); i++ {
				prev, cur := bindings[i-1], bindings[i]
				if prev.Priority < cur.Priority {
					return false
				}
				if prev.Priority == cur.Priority && prev.Listener > cur.Listener {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-5, 5)),
	))

	properties.Property("every registered callback is bound exactly once", prop.ForAll(
		func(n int) bool {
			reg := listener.NewRegistry()
			specs := make([]listener.CallbackSpec, n)
			for i := range specs {
				specs[i] = listener.CallbackSpec{Callback: listener.Action(fmt.Sprintf("cb%d", i), noop), Priority: i % 3}
			}
			if errs := reg.Register(listener.Registration{Listener: "multi", Callbacks: specs}); len(errs) > 0 {
				return false
			}
			seen := make(map[string]bool)
			for _, b := range reg.BindingsFor(orderType) {
				if seen[b.Callback] {
					return false
				}
				seen[b.Callback] = true
			}
			return len(seen) == n
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
