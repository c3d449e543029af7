// Package orchestrator runs one monitor per printer and stops them together.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/zorkian/chibichonk/internal/monitor"
	"github.com/zorkian/chibichonk/internal/transport"
)

// Runner is the part of monitor.Monitor the orchestrator drives.
type Runner interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Done() <-chan struct{}
}

type Option func(*Orchestrator)

// WithShutdownTimeout bounds how long Run waits for monitors after stopping
// them. Zero waits indefinitely.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger for start and stop messages.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type Orchestrator struct {
	runners         []Runner
	shutdownTimeout time.Duration
	logger          *log.Logger
}

func New(runners []Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runners:         append([]Runner(nil), runners...),
		shutdownTimeout: 10 * time.Second,
		logger:          log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FromDevices builds one monitor per device sharing tr and notifier.
// perDevice supplies device-specific options such as a prefixed logger.
func FromDevices(devices []monitor.Device, tr transport.Transport, notifier monitor.Notifier, perDevice func(monitor.Device) []monitor.Option, opts ...Option) *Orchestrator {
	runners := make([]Runner, 0, len(devices))
	for _, dev := range devices {
		var mopts []monitor.Option
		if perDevice != nil {
			mopts = perDevice(dev)
		}
		runners = append(runners, monitor.New(dev, tr, notifier, mopts...))
	}
	return New(runners, opts...)
}

// Run starts every monitor, blocks until ctx is done, then stops them all and
// waits for each to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.runners) == 0 {
		return errors.New("no printers to monitor")
	}

	// Monitors get their own context so shutdown always goes through Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	for _, r := range o.runners {
		o.logger.Printf("starting monitor for %s", r.Name())
		r.Start(runCtx)
	}

	<-ctx.Done()
	o.logger.Printf("stopping %d monitors", len(o.runners))
	for _, r := range o.runners {
		r.Stop()
	}

	var timeout <-chan time.Time
	if o.shutdownTimeout > 0 {
		timer := time.NewTimer(o.shutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for _, r := range o.runners {
		select {
		case <-r.Done():
		case <-timeout:
			o.logger.Printf("shutdown timed out after %s waiting for %s", o.shutdownTimeout, r.Name())
			return nil
		}
	}
	o.logger.Printf("all monitors stopped")
	return nil
}
