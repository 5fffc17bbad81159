package services

import (
	"context"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/venue/paper"
)

// PaperQuoteFeed stands in for a market data stream when the simulated
// venue is active. Every injected quote drives the venue's resting
// orders and lands on the quote board, so the tick monitors see the
// same market the venue fills against.
type PaperQuoteFeed struct {
	Venue  *paper.Venue
	Runner *EngineRunner
}

func (f *PaperQuoteFeed) PushQuote(ctx context.Context, q domain.Quote) error {
	f.Venue.SetQuote(ctx, q)
	return f.Runner.OnQuote(ctx, &events.QuoteTick{Quote: q})
}
