package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cargoport/internal/observability/metrics"
)

type dependencyPinger interface {
	Ping(ctx context.Context) error
}

type probeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) probeTicker

// startHealthProbe periodically pings the datastore and publishes the result
// as the storage dependency-health gauge. The returned stop function blocks
// until the probe goroutine exits.
func startHealthProbe(ctx context.Context, logger *slog.Logger, store dependencyPinger, recorder *metrics.Recorder, interval time.Duration) func() {
	return startHealthProbeWithTicker(ctx, logger, store, recorder, interval, func(d time.Duration) probeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startHealthProbeWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store dependencyPinger,
	recorder *metrics.Recorder,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || recorder == nil || interval <= 0 {
		return func() {}
	}
	probeCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		probe := func() {
			pingCtx, pingCancel := context.WithTimeout(probeCtx, 5*time.Second)
			defer pingCancel()
			if err := store.Ping(pingCtx); err != nil {
				recorder.SetDependencyHealth("storage", "degraded")
				if logger != nil {
					logger.Warn("datastore ping failed", "error", err)
				}
				return
			}
			recorder.SetDependencyHealth("storage", "healthy")
		}
		probe()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C():
				probe()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
