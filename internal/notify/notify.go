package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Publisher delivers a message to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// OrderEvent is published on Topic(symbol) whenever a trade settles.
type OrderEvent struct {
	TradeID        string          `json:"trade_id"`
	UserID         string          `json:"user_id"`
	ConnectionID   string          `json:"connection_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	State          string          `json:"state"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
}

const orderTopicPrefix = "orders."

func Topic(symbol string) string {
	return orderTopicPrefix + strings.ToUpper(symbol)
}

// Message is what hub subscribers receive.
type Message struct {
	Topic   string
	Payload []byte
}

// Hub is an in-process fan-out. Slow subscribers lose messages rather
// than block publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Message
	nextID int
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]map[int]chan Message),
		buffer: buffer,
	}
}

// Subscribe returns a channel for topic and a function that closes it.
func (h *Hub) Subscribe(topic string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Message, h.buffer)
	id := h.nextID
	h.nextID++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]chan Message)
	}
	h.subs[topic][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
			log.Warn().Str("topic", topic).Msg("subscriber buffer full, dropping message")
		}
	}
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte) error { return nil }
