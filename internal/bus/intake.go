package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/metrics"
	"github.com/relaymesh/relaymesh/internal/relay"
)

// controlReplyExpiry is how long a control response stays valid on the bus.
const controlReplyExpiry = time.Minute

// maxDailyJitter spreads the daily purge across replicas so they do not all
// hit the state store at the same instant.
const maxDailyJitter = 30 * time.Second

// ControlRelay is the slice of the relay engine the control intake needs.
type ControlRelay interface {
	HandleControl(ctx context.Context, req relay.ControlCommandRequest) relay.ControlCommandResponse
}

// SubscribeControl starts answering AgentControlCommandRequest conversations.
// Each request runs in its own goroutine because relaying can block for the
// full control timeout, and the broker router must keep moving.
func (b *Bus) SubscribeControl(ctx context.Context, node ControlRelay) error {
	return b.subscribe(b.topic(topicControlRequest), func(_ mqtt.Client, m mqtt.Message) {
		var env Envelope
		if err := json.Unmarshal(m.Payload(), &env); err != nil {
			b.log.Debug("control request discarded", "err", err)
			return
		}
		if b.expired(env) {
			metrics.BusRequests.WithLabelValues(convControl, "expired").Inc()
			return
		}
		go b.answerControl(ctx, node, env)
	})
}

// answerControl resolves one control request and replies on the envelope's
// reply topic. The conversation always gets an answer; failures fold into
// success=false.
func (b *Bus) answerControl(ctx context.Context, node ControlRelay, env Envelope) {
	resp := b.controlResponse(ctx, node, env)
	if env.ReplyTo == "" {
		b.log.Warn("control request carries no reply topic", "id", env.ID)
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("control response marshal failed", "id", env.ID, "err", err)
		return
	}
	reply := Envelope{
		ID:      env.ID,
		Expires: b.clk.Now().Add(controlReplyExpiry),
		Body:    raw,
	}
	if err := b.send(env.ReplyTo, reply, false); err != nil {
		metrics.BusRequests.WithLabelValues(convControl, "error").Inc()
		b.log.Error("control response publish failed", "id", env.ID, "err", err)
		return
	}
	metrics.BusRequests.WithLabelValues(convControl, "ok").Inc()
}

func (b *Bus) controlResponse(ctx context.Context, node ControlRelay, env Envelope) (resp relay.ControlCommandResponse) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("control intake panicked", "id", env.ID, "panic", r)
			resp.Success = false
			resp.Message = fmt.Sprintf("control intake failed: %v", r)
		}
	}()
	var req relay.ControlCommandRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return relay.ControlCommandResponse{Message: "malformed control request"}
	}
	return node.HandleControl(ctx, req)
}

// SubscribeDaily runs purge once per DailyMessage tick, after a random jitter.
func (b *Bus) SubscribeDaily(ctx context.Context, purge func()) error {
	return b.subscribe(b.topic(topicDaily), func(_ mqtt.Client, m mqtt.Message) {
		var env Envelope
		if err := json.Unmarshal(m.Payload(), &env); err == nil && b.expired(env) {
			metrics.BusRequests.WithLabelValues(convDaily, "expired").Inc()
			return
		}
		go b.runDaily(ctx, purge)
	})
}

func (b *Bus) runDaily(ctx context.Context, purge func()) {
	jitter := rand.N(maxDailyJitter)
	b.log.Info("daily purge scheduled", "jitter", jitter)
	if err := clock.SleepCtx(ctx, b.clk, jitter); err != nil {
		return
	}
	purge()
	metrics.BusRequests.WithLabelValues(convDaily, "ok").Inc()
}
