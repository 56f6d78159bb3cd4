// Package shutdown turns termination signals into context cancellation.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Watch calls cancel on the first termination signal. It stops watching
// once ctx is done.
func Watch(ctx context.Context, cancel func()) {
	sig := make(chan os.Signal, 1)
	Notify(sig)
	go func() {
		defer signal.Stop(sig)
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
}
