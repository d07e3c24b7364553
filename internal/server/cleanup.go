package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/ledger"
)

type CleanupResult struct {
	Signals  int64
	Sessions int64
}

// Cleanup drops processed signals older than the retention and finishes the
// sessions nobody ended within the stale horizon.
func Cleanup(ctx context.Context, stores *core.Stores, conf config.SignalingConfig, now time.Time) (CleanupResult, error) {
	var res CleanupResult

	deleted, err := stores.Signals.DeleteProcessed(ctx, now.Add(-conf.Retention))
	if err != nil {
		return res, err
	}
	res.Signals = deleted

	// expiry announces nothing, a local bus is enough
	bus := eventbus.NewLocalBus()
	defer bus.Close()

	expired, err := ledger.New(stores.Calls, bus, 0).ExpireStale(ctx, conf.StaleAfter)
	if err != nil {
		return res, err
	}
	res.Sessions = expired

	log.Info().Str("service", "cleanup").Int64("signals", res.Signals).Int64("sessions", res.Sessions).Msg("done")

	return res, nil
}
