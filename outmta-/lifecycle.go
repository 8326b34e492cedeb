package outmta

import (
	"context"
)

// Shutdown is canceled when a graceful shutdown is initiated. Periodic
// processes (delivery sweeps, pool eviction) check this before starting new
// work. If this context is canceled, no new operation should start.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled shortly
// after Shutdown, aborting active operations. Operations typically add their
// own timeouts on top, e.g. 30s for a single relay submission.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}
