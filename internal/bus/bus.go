// Package bus is the MQTT realization of the message-bus port: request/reply
// conversations with the backend (token validation, control intake), plus
// publish-only announcements (agent activity, node public key) and the daily
// maintenance tick. Every message travels inside a small JSON envelope with an
// optional expiry; consumers drop expired messages so that replays after a
// broker outage cannot trigger stale work.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// busOpTimeout bounds broker round trips: connect, subscribe, and the ack of
// a single publish.
const busOpTimeout = 10 * time.Second

const qosAtLeastOnce byte = 1

// Conversation names, used as the metric label for bus round trips.
const (
	convValidateAgent   = "ValidateAgentRequestToken"
	convValidateConnect = "ValidateConnectRequestToken"
	convControl         = "AgentControlCommandRequest"
	convActivity        = "AgentActivityMessage"
	convPublicKey       = "PublicKey"
	convDaily           = "DailyMessage"
)

// Topic suffixes below the configured prefix.
const (
	topicValidateAgent   = "validate/agent"
	topicValidateConnect = "validate/connect"
	topicControlRequest  = "control/request"
	topicAgentActivity   = "agent/activity"
	topicPublicKey       = "publickey"
	topicDaily           = "daily"
)

// Envelope frames every bus message. Body carries the conversation payload;
// ReplyTo names the topic a response should go to; a zero Expires means the
// message never goes stale.
type Envelope struct {
	ID      string          `json:"id"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Expires time.Time       `json:"expires,omitzero"`
	Body    json.RawMessage `json:"body"`
}

// Options configure the broker session.
type Options struct {
	URL        string
	Username   string
	Password   string
	Prefix     string // topic prefix, default "relay"
	InstanceID string // doubles as the MQTT client id
	Log        *logging.Logger
	Clock      clock.Clock
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

// Bus is one node's session on the message broker. All methods are safe for
// concurrent use.
type Bus struct {
	client     mqtt.Client
	log        *logging.Logger
	clk        clock.Clock
	prefix     string
	instanceID string

	mu      sync.Mutex
	pending map[string]chan Envelope
	subs    []subscription
}

// Connect dials the broker and installs the reply-topic subscription used by
// request/reply conversations. The session is durable: the broker queues
// QoS 1 messages across reconnects, and envelope expiry discards whatever
// queued up for too long.
func Connect(opts Options) (*Bus, error) {
	if opts.URL == "" {
		return nil, errors.New("bus: no broker URL configured")
	}
	b := newBus(nil, opts)

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.InstanceID).
		SetConnectTimeout(busOpTimeout).
		SetWriteTimeout(busOpTimeout).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOnConnectHandler(func(mqtt.Client) { b.resubscribe() })
	if opts.Username != "" {
		mqttOpts.SetUsername(opts.Username)
		mqttOpts.SetPassword(opts.Password)
	}

	b.client = mqtt.NewClient(mqttOpts)
	tok := b.client.Connect()
	if !tok.WaitTimeout(busOpTimeout) {
		return nil, fmt.Errorf("bus: connect to %s: timeout", opts.URL)
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", opts.URL, tok.Error())
	}
	if err := b.subscribeReplies(); err != nil {
		b.client.Disconnect(250)
		return nil, err
	}
	b.log.Info("message bus connected", "broker", opts.URL, "prefix", b.prefix)
	return b, nil
}

// newBus builds the session state around an already-constructed client.
func newBus(client mqtt.Client, opts Options) *Bus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "relay"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := opts.Log
	if log == nil {
		log = logging.New(false, "info")
	}
	return &Bus{
		client:     client,
		log:        log,
		clk:        clk,
		prefix:     prefix,
		instanceID: opts.InstanceID,
		pending:    make(map[string]chan Envelope),
	}
}

// Close disconnects from the broker. In-flight requests fail with a timeout.
func (b *Bus) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *Bus) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bus) replyTopic(correlationID string) string {
	return fmt.Sprintf("%s/reply/%s/%s", b.prefix, b.instanceID, correlationID)
}

// expired reports whether env carries an expiry in the past.
func (b *Bus) expired(env Envelope) bool {
	return !env.Expires.IsZero() && b.clk.Now().After(env.Expires)
}

// ---------------------------------------------------------------------------
// Request/reply

// request publishes body on topic and waits for the correlated reply. The
// envelope expiry mirrors the wait so responders can skip questions nobody is
// listening for anymore.
func (b *Bus) request(ctx context.Context, conversation, topic string, body any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s: %w", conversation, err)
	}
	id := uuid.NewString()
	env := Envelope{
		ID:      id,
		ReplyTo: b.replyTopic(id),
		Expires: b.clk.Now().Add(timeout),
		Body:    raw,
	}

	ch := make(chan Envelope, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.send(b.topic(topic), env, false); err != nil {
		metrics.BusRequests.WithLabelValues(conversation, "error").Inc()
		return nil, err
	}

	select {
	case reply := <-ch:
		metrics.BusRequests.WithLabelValues(conversation, "ok").Inc()
		return reply.Body, nil
	case <-b.clk.After(timeout):
		metrics.BusRequests.WithLabelValues(conversation, "timeout").Inc()
		return nil, fmt.Errorf("bus: %s: no reply within %s", conversation, timeout)
	case <-ctx.Done():
		metrics.BusRequests.WithLabelValues(conversation, "error").Inc()
		return nil, fmt.Errorf("bus: %s: %w", conversation, ctx.Err())
	}
}

// subscribeReplies routes everything under this node's reply prefix back to
// the waiting request by the correlation id in the last topic segment.
func (b *Bus) subscribeReplies() error {
	return b.subscribe(b.replyTopic("+"), b.routeReply)
}

func (b *Bus) routeReply(_ mqtt.Client, m mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		b.log.Debug("bus reply discarded", "topic", m.Topic(), "err", err)
		return
	}
	if b.expired(env) {
		b.log.Debug("bus reply expired in transit", "topic", m.Topic())
		return
	}
	topic := m.Topic()
	correlationID := topic[strings.LastIndexByte(topic, '/')+1:]

	b.mu.Lock()
	ch, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Debug("bus reply has no waiter", "topic", topic)
		return
	}
	ch <- env
}

// ---------------------------------------------------------------------------
// Publish / subscribe plumbing

// publishBody wraps body in a fresh envelope and publishes it. expiry of zero
// means the message never goes stale.
func (b *Bus) publishBody(conversation, topic string, body any, retained bool, expiry time.Duration) error {
	raw, err := json.Marshal(body)
	if err != nil {
		metrics.BusRequests.WithLabelValues(conversation, "error").Inc()
		return fmt.Errorf("bus: marshal %s: %w", conversation, err)
	}
	env := Envelope{ID: uuid.NewString(), Body: raw}
	if expiry > 0 {
		env.Expires = b.clk.Now().Add(expiry)
	}
	if err := b.send(b.topic(topic), env, retained); err != nil {
		metrics.BusRequests.WithLabelValues(conversation, "error").Inc()
		return err
	}
	metrics.BusRequests.WithLabelValues(conversation, "ok").Inc()
	return nil
}

func (b *Bus) send(topic string, env Envelope, retained bool) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	tok := b.client.Publish(topic, qosAtLeastOnce, retained, body)
	if !tok.WaitTimeout(busOpTimeout) {
		return fmt.Errorf("bus: publish %s: timeout", topic)
	}
	if tok.Error() != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, tok.Error())
	}
	return nil
}

// subscribe registers handler for topic and remembers the pair so that
// resubscribe can replay it after a reconnect.
func (b *Bus) subscribe(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{topic: topic, handler: handler})
	b.mu.Unlock()
	return b.subscribeClient(topic, handler)
}

func (b *Bus) subscribeClient(topic string, handler mqtt.MessageHandler) error {
	tok := b.client.Subscribe(topic, qosAtLeastOnce, handler)
	if !tok.WaitTimeout(busOpTimeout) {
		return fmt.Errorf("bus: subscribe %s: timeout", topic)
	}
	if tok.Error() != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, tok.Error())
	}
	return nil
}

// resubscribe replays every registered subscription. Runs on each (re)connect
// in case the broker lost the durable session.
func (b *Bus) resubscribe() {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		if err := b.subscribeClient(s.topic, s.handler); err != nil {
			b.log.Error("bus resubscribe failed", "topic", s.topic, "err", err)
		}
	}
}
