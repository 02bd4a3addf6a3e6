package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// gatewayDialTimeout bounds the websocket handshake of an outward dial.
const gatewayDialTimeout = 15 * time.Second

// RunKeeper maintains one outward gateway stream: dial, authenticate, pump
// until it drops, wait out the reconnect interval, redial. It returns when
// ctx is done. Service role only; gateway nodes never dial.
func (n *Node) RunKeeper(ctx context.Context, gatewayURL string) {
	log := n.log.With("gateway", gatewayURL)
	dialer := &websocket.Dialer{
		HandshakeTimeout: gatewayDialTimeout,
		ReadBufferSize:   n.cfg.WSReceiveBuffer,
		WriteBufferSize:  n.cfg.WSReceiveBuffer,
	}

	var failures float64
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := dialer.DialContext(ctx, gatewayURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			failures++
			metrics.GatewayFailedAttempts.WithLabelValues(gatewayURL).Set(failures)
			log.Warn("gateway dial failed", "attempts", failures, "error", err)
		} else {
			s := newOutwardSocket(conn, n.codec, n.clk, n.stats, gatewayURL)
			log.Debug("gateway dialed, waiting for welcome")
			n.runStream(ctx, s, false)

			if s.State() == StateGatewayAuth {
				// The handshake behavior zeroed the gauge when the stream
				// authenticated; a dropped stream is not a failed attempt.
				failures = 0
				log.Info("gateway stream ended")
			} else {
				failures++
				metrics.GatewayFailedAttempts.WithLabelValues(gatewayURL).Set(failures)
				log.Warn("gateway stream ended before authentication", "attempts", failures)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-n.clk.After(n.cfg.ReconnectInterval):
		}
	}
}

// livenessLoop keeps an outward gateway stream honest: when nothing has
// arrived for two ping intervals, send a ping. A peer that stays silent
// eventually fails the write or the read side and the keeper redials.
func (n *Node) livenessLoop(ctx context.Context, s *Socket, stop <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateGatewayAuth {
				continue
			}
			if n.clk.Now().Sub(s.LastReceived()) < 2*n.cfg.PingInterval {
				continue
			}
			ping := envelope.New(envelope.TypePing, n.cfg.InstanceID, s.ClientID())
			if err := s.Write(ping, envelope.PlainText); err != nil {
				n.log.Debug("gateway ping failed", "gateway", s.GatewayURL(), "error", err)
				return
			}
		}
	}
}
