package protocol

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ReconnectConfig parametrizes the shared reconnect/backoff loop with
// exponential backoff and jitter.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectConfig returns the default backoff schedule: 1s initial
// delay, 300s cap, doubling each attempt, ±10% jitter.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
	}
}

func (c ReconnectConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0 // retried forever; only ctx cancellation or a fatal error stops the loop
	return b
}

// RunWithReconnect drives a Client through connect → subscribe/poll → on
// failure, disconnect cleanly → sleep → retry, forever, until ctx is
// cancelled or the client reports a FatalConfigError.
//
// onStatus is invoked after every state transition with the current Status
// snapshot; it must not block.
func RunWithReconnect(ctx context.Context, client Client, cfg ReconnectConfig, logger *zap.Logger, onStatus func(Status)) {
	name := client.SourceName()
	status := Status{}
	bo := cfg.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout(client.ProtocolType()))
		err := client.Connect(connectCtx)
		cancel()

		if err == nil {
			status.Connected = true
			status.LastConnectMs = time.Now().UnixMilli()
			status.ReconnectAttempts = 0
			status.LastError = ""
			if onStatus != nil {
				onStatus(status)
			}
			bo.Reset()

			logger.Info("protocol client connected", zap.String("source", name))
			err = client.SubscribeOrPoll(ctx)
		}

		_ = safeDisconnect(ctx, client, logger, name)

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			// SubscribeOrPoll returned cleanly (should only happen on
			// cancellation, handled above) — loop back and reconnect.
			continue
		}

		status.Connected = false
		status.LastDisconnectMs = time.Now().UnixMilli()
		status.LastError = err.Error()

		if IsFatal(err) {
			status.ReconnectAttempts = 0
			if onStatus != nil {
				onStatus(status)
			}
			logger.Error("fatal configuration error, giving up on source",
				zap.String("source", name), zap.Error(err))
			return
		}

		status.ReconnectAttempts++
		if onStatus != nil {
			onStatus(status)
		}

		delay := bo.NextBackOff()
		logger.Warn("protocol client error, reconnecting",
			zap.String("source", name), zap.Error(err), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func safeDisconnect(ctx context.Context, client Client, logger *zap.Logger, name string) error {
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(dctx); err != nil {
		logger.Debug("disconnect error (ignored)", zap.String("source", name), zap.Error(err))
		return err
	}
	_ = ctx
	return nil
}
