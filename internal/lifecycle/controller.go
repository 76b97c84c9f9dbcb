// Package lifecycle provides the process-wide shutdown token.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Controller is the process-wide stop flag. Every long-lived component receives the same
// Controller and checks it at its suspension points.
type Controller struct {
	Logger zerolog.Logger

	once sync.Once
	done chan struct{}
}

// NewController creates a running Controller.
func NewController(logger zerolog.Logger) *Controller {
	return &Controller{
		Logger: logger,
		done:   make(chan struct{}),
	}
}

// ForceStop sets the stop flag. It is safe to call any number of times from any goroutine.
func (c *Controller) ForceStop() {
	c.once.Do(func() {
		c.Logger.Info().Msg("Stop requested")
		close(c.done)
	})
}

// Stopping reports whether ForceStop has been called.
func (c *Controller) Stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed by the first ForceStop.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Watch consumes signals until ctx ends or the controller stops. SIGINT and SIGTERM stop the
// controller; SIGHUP calls reload when it is set.
func (c *Controller) Watch(ctx context.Context, signals <-chan os.Signal, reload func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				c.Logger.Info().Msg("Received SIGHUP, reloading configuration")
				if reload != nil {
					reload()
				}
			default:
				c.Logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
				c.ForceStop()
				return
			}
		}
	}
}

// HandleSignals subscribes to the process signals and runs Watch in the background.
func (c *Controller) HandleSignals(ctx context.Context, reload func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(signals)
		c.Watch(ctx, signals, reload)
	}()
}
