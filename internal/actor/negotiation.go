package actor

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/relaygate/internal/cancel"
	"github.com/kuuji/relaygate/internal/config"
	"github.com/kuuji/relaygate/internal/keyexchange"
	"github.com/kuuji/relaygate/internal/relay"
	"github.com/kuuji/relaygate/internal/retry"
)

// negotiationRunner is the keyexchange.Negotiator of one connection
// attempt. Each negotiation runs on its own goroutine under the retry
// strategy and is cancelled together with the attempt's chain.
type negotiationRunner struct {
	negotiator KeyNegotiator
	strategy   retry.Strategy
	chain      *cancel.Chain
	ctx        context.Context
	attempt    uint64
	options    keyexchange.Options
	submit     func(queuedCommand)
	log        *slog.Logger
}

// StartNegotiation implements keyexchange.Negotiator.
func (r *negotiationRunner) StartNegotiation(rl relay.Relay, devicePrivateKey config.Key) {
	token := &cancel.Deferred{}
	unlink := r.chain.Link(token.Cancel)

	ctx, stop := context.WithCancel(r.ctx)
	token.Connect(stop)

	go func() {
		defer unlink()
		defer stop()

		var psk, ephemeral config.Key
		err := retry.Do(ctx, r.strategy, func(ctx context.Context) error {
			var err error
			psk, ephemeral, err = r.negotiator.Negotiate(ctx, rl, devicePrivateKey, r.options)
			return err
		}, func(err error, attempt int, wait time.Duration) {
			r.log.Warn("key negotiation failed, retrying",
				"relay", rl.Hostname, "attempt", attempt, "wait", wait, "error", err)
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.Error("key negotiation failed", "relay", rl.Hostname, "error", err)
			r.submit(queuedCommand{cmd: ErrorCommand{Reason: ReasonKeyExchangeFailed}, attempt: r.attempt})
			return
		}
		r.submit(queuedCommand{
			cmd:     ReplaceDevicePrivateKey{PresharedKey: psk, EphemeralKey: ephemeral},
			attempt: r.attempt,
		})
	}()
}
