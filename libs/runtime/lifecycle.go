package runtime

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
)

func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Closer is a named shutdown step run by Shutdown in registration order.
type Closer struct {
	Name  string
	Close func(context.Context) error
}

// Shutdown runs every closer against one shared deadline and logs failures.
// A failing closer does not stop the remaining ones.
func Shutdown(logger *slog.Logger, timeout time.Duration, closers ...Closer) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, c := range closers {
		if c.Close == nil {
			continue
		}
		if err := c.Close(ctx); err != nil {
			logger.Error("shutdown step failed", "step", c.Name, "err", err)
			continue
		}
		logger.Info("shutdown step done", "step", c.Name)
	}
}
