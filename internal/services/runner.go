package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/marketstate"
	"github.com/stopbot/gostop/internal/protection"
	"github.com/stopbot/gostop/internal/risk"
)

var log = logrus.WithField("component", "services")

const commandBuffer = 256

// EngineRunner is the single writer of engine state. Venue callbacks,
// the tick timer and control-plane requests are all funneled through one
// command channel and drained by one goroutine, so the engine itself
// never needs locks.
type EngineRunner struct {
	engine  *protection.Engine
	board   *marketstate.QuoteBoard
	breaker *risk.CircuitBreaker

	tickInterval time.Duration
	cmdC         chan func(ctx context.Context)

	startOnce sync.Once
	cancel    context.CancelFunc
	doneC     chan struct{}
}

func NewEngineRunner(engine *protection.Engine, board *marketstate.QuoteBoard, breaker *risk.CircuitBreaker, tickInterval time.Duration) *EngineRunner {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &EngineRunner{
		engine:       engine,
		board:        board,
		breaker:      breaker,
		tickInterval: tickInterval,
		cmdC:         make(chan func(ctx context.Context), commandBuffer),
		doneC:        make(chan struct{}),
	}
}

// Start launches the run loop. Safe to call more than once.
func (r *EngineRunner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.run(loopCtx)
	})
}

// Stop terminates the run loop and waits for the in-flight command, if
// any, to finish.
func (r *EngineRunner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.doneC
}

func (r *EngineRunner) run(ctx context.Context) {
	defer close(r.doneC)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	log.WithField("tickInterval", r.tickInterval).Info("engine runner started")
	for {
		select {
		case <-ctx.Done():
			log.Info("engine runner stopped")
			return

		case cmd := <-r.cmdC:
			cmd(ctx)

		case now := <-ticker.C:
			r.engine.OnTick(ctx, r.tickQuotes(), now)
		}
	}
}

// tickQuotes snapshots the board for every instrument the engine still
// cares about: pending synthetic work plus open sessions.
func (r *EngineRunner) tickQuotes() map[string]domain.Quote {
	symbols := r.engine.SyntheticSymbols()
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	for _, sv := range r.engine.Sessions() {
		if _, ok := seen[sv.Symbol]; !ok {
			seen[sv.Symbol] = struct{}{}
			symbols = append(symbols, sv.Symbol)
		}
	}
	return r.board.Snapshot(symbols)
}

// do runs fn on the engine goroutine and waits for it to complete.
func (r *EngineRunner) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(done)
		fn(c)
	}
	select {
	case r.cmdC <- wrapped:
	case <-r.doneC:
		return errors.New("engine runner is not running")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue engine command")
	}
	select {
	case <-done:
		return nil
	case <-r.doneC:
		return errors.New("engine runner stopped before command ran")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for engine command")
	}
}

// OnOrderUpdate implements ports.OrderUpdateHandler. Events are applied
// on the engine goroutine in arrival order.
func (r *EngineRunner) OnOrderUpdate(ctx context.Context, update *events.OrderUpdate) error {
	if update == nil {
		return nil
	}
	return r.do(ctx, func(c context.Context) {
		r.engine.OnOrderEvent(c, update)
	})
}

// OnQuote implements ports.QuoteHandler. Quotes only touch the board,
// which is internally synchronized, so there is no need to hop onto the
// engine goroutine per tick.
func (r *EngineRunner) OnQuote(_ context.Context, tick *events.QuoteTick) error {
	if tick == nil {
		return nil
	}
	r.board.Apply(tick.Quote)
	return nil
}

// Track admits a new instrument into protection. Entry admission is
// gated by the circuit breaker; protection of existing positions never
// is.
func (r *EngineRunner) Track(ctx context.Context, symbol string, entryTarget, stopTarget, quantity decimal.Decimal) error {
	if r.breaker != nil {
		if err := r.breaker.AllowEntries(); err != nil {
			return errors.Wrapf(err, "track %s", symbol)
		}
	}
	var trackErr error
	err := r.do(ctx, func(c context.Context) {
		trackErr = r.engine.Track(c, symbol, entryTarget, stopTarget, quantity, time.Now())
	})
	if err != nil {
		return err
	}
	if r.breaker != nil {
		if trackErr != nil {
			r.breaker.OnError()
		} else {
			r.breaker.OnSuccess()
		}
	}
	return trackErr
}

// Remove drops an instrument from protection, liquidating any open
// position first.
func (r *EngineRunner) Remove(ctx context.Context, symbol string) error {
	return r.do(ctx, func(c context.Context) {
		r.engine.Remove(c, symbol, time.Now())
	})
}

// CancelProtection cancels every live protective order and pending
// synthetic request for symbol without touching the position.
func (r *EngineRunner) CancelProtection(ctx context.Context, symbol string) error {
	return r.do(ctx, func(c context.Context) {
		r.engine.CancelAllProtection(c, symbol, time.Now())
	})
}

// Sessions returns a point-in-time view of every tracked instrument.
func (r *EngineRunner) Sessions(ctx context.Context) ([]protection.SessionView, error) {
	var out []protection.SessionView
	err := r.do(ctx, func(context.Context) {
		out = r.engine.Sessions()
	})
	return out, err
}

// Requests returns the pending synthetic entry and stop registries.
func (r *EngineRunner) Requests(ctx context.Context) (protection.RequestsView, error) {
	var out protection.RequestsView
	err := r.do(ctx, func(context.Context) {
		out = r.engine.Requests()
	})
	return out, err
}
