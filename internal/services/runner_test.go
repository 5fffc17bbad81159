package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/marketstate"
	"github.com/stopbot/gostop/internal/protection"
	"github.com/stopbot/gostop/internal/risk"
	"github.com/stopbot/gostop/internal/venue/paper"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newRunner(t *testing.T, breaker *risk.CircuitBreaker, vcfg paper.Config) (*EngineRunner, *paper.Venue) {
	t.Helper()
	venue := paper.New(vcfg)
	engine := protection.NewEngine(venue, nil, protection.DefaultConfig(), nil)
	board := marketstate.NewQuoteBoard()

	r := NewEngineRunner(engine, board, breaker, 10*time.Millisecond)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	t.Cleanup(venue.Close)

	// Order events flow back through the runner like in production.
	venue.OnOrderUpdate(r)
	return r, venue
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTrackThroughRunner(t *testing.T) {
	ctx := context.Background()
	r, _ := newRunner(t, nil, paper.Config{})

	if err := r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5")); err != nil {
		t.Fatalf("track: %v", err)
	}

	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Symbol != "TQQQ" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestFillDrivesProtectionThroughRunner(t *testing.T) {
	ctx := context.Background()
	r, venue := newRunner(t, nil, paper.Config{})

	if err := r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5")); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Last trades through the entry trigger; the paper venue fills the
	// stop and the runner routes the event into the engine, which places
	// the protective order.
	venue.SetQuote(ctx, domain.Quote{Symbol: "TQQQ", Last: d("10.05"), Bid: d("10.04"), Ask: d("10.06")})

	var sess protection.SessionView
	waitFor(t, func() bool {
		sessions, err := r.Sessions(ctx)
		if err != nil || len(sessions) != 1 {
			return false
		}
		sess = sessions[0]
		return sess.ProtectiveID != ""
	}, "protective order not created after entry fill")
	if !sess.CoveredQuantity.Equal(d("-5")) {
		t.Fatalf("covered quantity = %s, want -5", sess.CoveredQuantity)
	}
}

func TestSpreadRejectionThroughRunnerRegistersSynthetic(t *testing.T) {
	ctx := context.Background()
	r, venue := newRunner(t, nil, paper.Config{RejectStopsInSpread: true})

	// Buy trigger at 10 with the ask above it: the venue rejects the
	// entry. The rejection event routes back through the runner, so
	// Track itself must return instead of waiting on its own event.
	venue.SetQuote(ctx, domain.Quote{Symbol: "TQQQ", Last: d("9.90"), Bid: d("9.88"), Ask: d("10.05")})

	trackDone := make(chan error, 1)
	go func() {
		trackDone <- r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5"))
	}()
	select {
	case err := <-trackDone:
		if err != nil {
			t.Fatalf("track: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Track did not return after a spread rejection")
	}

	waitFor(t, func() bool {
		reqs, err := r.Requests(ctx)
		if err != nil {
			return false
		}
		return len(reqs.Entries) == 1 && reqs.Entries[0].Symbol == "TQQQ"
	}, "rejection did not register a synthetic entry")
}

func TestBreakerGatesTrack(t *testing.T) {
	ctx := context.Background()
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 1})
	r, _ := newRunner(t, breaker, paper.Config{})

	breaker.Halt()
	if err := r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5")); err == nil {
		t.Fatalf("halted breaker must reject new entries")
	}

	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("gated track created a session")
	}

	breaker.Resume()
	if err := r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5")); err != nil {
		t.Fatalf("track after resume: %v", err)
	}
}

func TestOnQuoteFeedsBoard(t *testing.T) {
	r, _ := newRunner(t, nil, paper.Config{})

	err := r.OnQuote(context.Background(), &events.QuoteTick{
		Quote: domain.Quote{Symbol: "TQQQ", Last: d("10"), Bid: d("9.99"), Ask: d("10.01")},
	})
	if err != nil {
		t.Fatalf("on quote: %v", err)
	}

	q, ok := r.board.Load("TQQQ")
	if !ok || !q.Last.Equal(d("10")) {
		t.Fatalf("quote not stored: %+v ok=%v", q, ok)
	}
}

func TestPaperQuoteFeedMirrorsVenueAndBoard(t *testing.T) {
	ctx := context.Background()
	r, venue := newRunner(t, nil, paper.Config{})
	feed := &PaperQuoteFeed{Venue: venue, Runner: r}

	err := feed.PushQuote(ctx, domain.Quote{Symbol: "TQQQ", Last: d("10"), Bid: d("9.99"), Ask: d("10.01")})
	if err != nil {
		t.Fatalf("push quote: %v", err)
	}

	if q, ok := r.board.Load("TQQQ"); !ok || !q.Ask.Equal(d("10.01")) {
		t.Fatalf("quote missing from board: %+v ok=%v", q, ok)
	}
	if q, ok := venue.Quote("TQQQ"); !ok || !q.Ask.Equal(d("10.01")) {
		t.Fatalf("quote missing from venue: %+v ok=%v", q, ok)
	}
}

// Dry-run path end to end: rejection, synthetic entry, re-placement
// once the ask re-enters tolerance, fill, protective coverage. Quotes
// arrive only through the paper feed, the way the injection endpoint
// delivers them.
func TestDryRunSyntheticEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	r, venue := newRunner(t, nil, paper.Config{RejectStopsInSpread: true})
	feed := &PaperQuoteFeed{Venue: venue, Runner: r}

	push := func(last, bid, ask string) {
		t.Helper()
		if err := feed.PushQuote(ctx, domain.Quote{Symbol: "TQQQ", Last: d(last), Bid: d(bid), Ask: d(ask)}); err != nil {
			t.Fatalf("push quote: %v", err)
		}
	}

	// Wide market, ask above the entry trigger: the entry is condemned
	// either up front or by the venue rejection.
	push("9.90", "9.88", "10.05")
	if err := r.Track(ctx, "TQQQ", d("10"), d("9.5"), d("5")); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, func() bool {
		reqs, err := r.Requests(ctx)
		return err == nil && len(reqs.Entries) == 1
	}, "synthetic entry not registered")

	// Ask drops below the target: the monitor re-places a real entry
	// stop, clamped up to the target, and drops the request.
	push("9.95", "9.96", "9.98")
	waitFor(t, func() bool {
		sessions, err := r.Sessions(ctx)
		if err != nil || len(sessions) != 1 {
			return false
		}
		reqs, rerr := r.Requests(ctx)
		return rerr == nil && len(reqs.Entries) == 0 && sessions[0].EntryOrderID != ""
	}, "synthetic entry not converted to a resting stop")

	// Last trades through the trigger: entry fills, protective follows.
	push("10.02", "10.01", "10.03")
	waitFor(t, func() bool {
		sessions, err := r.Sessions(ctx)
		if err != nil || len(sessions) != 1 {
			return false
		}
		return sessions[0].ProtectiveID != "" && sessions[0].CoveredQuantity.Equal(d("-5"))
	}, "protective coverage not established after fill")
}

func TestStopRejectsCommands(t *testing.T) {
	venue := paper.New(paper.Config{})
	t.Cleanup(venue.Close)
	engine := protection.NewEngine(venue, nil, protection.DefaultConfig(), nil)
	r := NewEngineRunner(engine, marketstate.NewQuoteBoard(), nil, time.Second)
	r.Start(context.Background())
	r.Stop()

	if err := r.Track(context.Background(), "TQQQ", d("10"), d("9.5"), d("5")); err == nil {
		t.Fatalf("stopped runner must reject commands")
	}
	if _, err := r.Sessions(context.Background()); err == nil {
		t.Fatalf("stopped runner must reject reads")
	}
}
