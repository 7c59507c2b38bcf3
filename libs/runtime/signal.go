package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is cancelled on the first SIGINT or SIGTERM. A second signal
// exits at once, so a shutdown stuck on a draining consumer can be cut short.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			return
		}
		<-ch
		os.Exit(1)
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
