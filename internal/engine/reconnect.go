package engine

import (
	"context"

	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/store"
)

// startRedial launches the reconnect loop unless one is already running.
func (e *Engine) startRedial(ep store.Endpoint) {
	e.mu.Lock()
	if e.closed || e.redial != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.redial = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.redialLoop(ctx, ep)
	}()
}

// stopRedial cancels the reconnect loop and reports whether one was running.
func (e *Engine) stopRedial() bool {
	e.mu.Lock()
	cancel := e.redial
	e.redial = nil
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// redialLoop dials ep with exponential back-off until it connects or ctx
// ends.
func (e *Engine) redialLoop(ctx context.Context, ep store.Endpoint) {
	log := e.log.With("addr", ep.Address, "port", ep.Port)
	backoff := e.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		log.Info("reconnecting", "attempt", attempt, "in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(backoff):
		}

		_, err := e.link.Connect(ctx, ep.Address, ep.Port)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("reconnected", "attempt", attempt)
			e.finishRedial(ctx)
			e.connected(ep)
			// The link may have dropped again before the loop unregistered.
			if out, ok := e.link.Outbound(); ok && out.State == peerlink.StateFailed && !out.ConnectedAt.IsZero() {
				e.startRedial(ep)
			}
			return
		}
		log.Warn("reconnect failed", "attempt", attempt, "err", err)
		backoff = min(backoff*2, e.cfg.ReconnectMax)
	}
}

// finishRedial clears the loop's registration if it is still the current
// one.
func (e *Engine) finishRedial(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.redial != nil && ctx.Err() == nil {
		e.redial()
		e.redial = nil
	}
}
