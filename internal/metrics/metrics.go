package metrics

import "expvar"

// Protection-engine counters, served from /debug/vars.
var (
	SyntheticEntriesRegistered = expvar.NewInt("synthetic_entries_registered")
	SyntheticStopsRegistered   = expvar.NewInt("synthetic_stops_registered")
	StopReplacements           = expvar.NewInt("stop_replacements")
	MarketFallbacksCross       = expvar.NewInt("market_fallbacks_cross")
	MarketFallbacksTimeout     = expvar.NewInt("market_fallbacks_timeout")
	DeadQuoteDrops             = expvar.NewInt("dead_quote_drops")
	ResizeFailures             = expvar.NewInt("resize_failures")
	BackupsPlaced              = expvar.NewInt("backups_placed")
	BackupsRejected            = expvar.NewInt("backups_rejected")
	RemaindersFlattened        = expvar.NewInt("remainders_flattened")
	Reversals                  = expvar.NewInt("reversals")
	OtherRejections            = expvar.NewInt("other_rejections")
	ReconcileRuns              = expvar.NewInt("reconcile_runs")
	JournalAppends             = expvar.NewInt("journal_appends")
	SnapshotSaves              = expvar.NewInt("snapshot_saves")
)
