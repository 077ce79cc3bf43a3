// Package timer drives the kernel's periodic tick: either from the wall clock or from a
// virtual clock that fires ticks back to back.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/kernsched/internal/logging"
)

// Handler is the tick callback registered with a clock.
type Handler interface {
	Tick() error
}

// ErrStop is returned by a Handler to end the clock after the current tick. Start
// then returns nil.
var ErrStop = errors.New("timer: stop")

// HandlerFunc adapts a function to Handler.
type HandlerFunc func() error

// Tick calls f().
func (f HandlerFunc) Tick() error { return f() }

// Clock fires ticks at a Handler until it is told to stop.
type Clock interface {
	// Start fires ticks. Blocks until ctx is cancelled, Stop is called, the tick limit is
	// reached, or the handler fails.
	Start(ctx context.Context) error

	// Stop ends Start and waits for the tick in progress to finish.
	Stop() error

	// Ticks returns the number of ticks fired so far.
	Ticks() uint64
}

// Config holds clock configuration.
type Config struct {
	// Period between ticks. Zero selects the virtual clock.
	Period time.Duration
	// MaxTicks stops the clock after that many ticks. Zero runs until stopped.
	MaxTicks uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Period: 10 * time.Millisecond}
}

// New returns the wall-clock Driver when cfg.Period is set and a Virtual clock otherwise.
func New(h Handler, cfg Config, logger *slog.Logger) Clock {
	if cfg.Period > 0 {
		return NewDriver(h, cfg, logger)
	}
	return NewVirtual(h, cfg.MaxTicks, logger)
}

type stopper struct {
	once   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

func newStopper() *stopper {
	return &stopper{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (s *stopper) stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Driver fires ticks from a time.Ticker, the way a periodic timer interrupt would.
type Driver struct {
	handler Handler
	config  Config
	logger  *slog.Logger
	*stopper
	ticks atomic.Uint64
}

// NewDriver creates a wall-clock tick driver.
func NewDriver(h Handler, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		handler: h,
		config:  cfg,
		logger:  logging.Component(logger, "timer"),
		stopper: newStopper(),
	}
}

// Start implements Clock.
func (d *Driver) Start(ctx context.Context) error {
	defer close(d.doneCh)
	d.logger.Info("timer started", "period", d.config.Period, "max_ticks", d.config.MaxTicks)
	ticker := time.NewTicker(d.config.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("timer stopping (context cancelled)")
			return ctx.Err()
		case <-d.stopCh:
			d.logger.Info("timer stopping (stop called)")
			return nil
		case <-ticker.C:
			n := d.ticks.Add(1)
			err := d.handler.Tick()
			if errors.Is(err, ErrStop) {
				d.logger.Info("timer stopping (handler done)", "ticks", n)
				return nil
			}
			if err != nil {
				d.logger.Error("tick failed", "tick", n, logging.ErrAttr(err))
				return fmt.Errorf("tick %d: %w", n, err)
			}
			if d.config.MaxTicks > 0 && n >= d.config.MaxTicks {
				d.logger.Info("timer stopping (tick limit)", "ticks", n)
				return nil
			}
		}
	}
}

// Stop implements Clock. It must only be called while Start is running or after it
// returned.
func (d *Driver) Stop() error {
	d.stop()
	return nil
}

// Ticks implements Clock.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Virtual fires ticks back to back with no delay. Simulated time is the tick count.
type Virtual struct {
	handler  Handler
	maxTicks uint64
	logger   *slog.Logger
	*stopper
	ticks atomic.Uint64
}

// NewVirtual creates a virtual clock that stops after maxTicks (zero: until stopped).
func NewVirtual(h Handler, maxTicks uint64, logger *slog.Logger) *Virtual {
	return &Virtual{
		handler:  h,
		maxTicks: maxTicks,
		logger:   logging.Component(logger, "timer"),
		stopper:  newStopper(),
	}
}

// Start implements Clock.
func (v *Virtual) Start(ctx context.Context) error {
	defer close(v.doneCh)
	v.logger.Debug("virtual clock started", "max_ticks", v.maxTicks)
	for v.maxTicks == 0 || v.ticks.Load() < v.maxTicks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.stopCh:
			return nil
		default:
		}
		n := v.ticks.Add(1)
		err := v.handler.Tick()
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tick %d: %w", n, err)
		}
	}
	return nil
}

// Advance fires n ticks synchronously. It is meant for tests and step-by-step
// simulation and must not run concurrently with Start.
func (v *Virtual) Advance(n uint64) error {
	for i := uint64(0); i < n; i++ {
		t := v.ticks.Add(1)
		if err := v.handler.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", t, err)
		}
	}
	return nil
}

// Stop implements Clock.
func (v *Virtual) Stop() error {
	v.stop()
	return nil
}

// Ticks implements Clock.
func (v *Virtual) Ticks() uint64 { return v.ticks.Load() }
