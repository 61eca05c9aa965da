package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/internal/keygen"
	"github.com/quillhaven/keycast/internal/metrics"
)

// DefaultTick is how often the broadcaster recomputes the key. Recomputing
// is cheap; actual fan-out only happens when the value changes.
const DefaultTick = 1 * time.Second

// Broadcaster runs the key generator on a fixed tick and pushes new-key
// messages to all authenticated subscribers, at most once per value change.
type Broadcaster struct {
	gen      *keygen.Generator
	registry *Registry
	metrics  *metrics.Metrics
	log      *logrus.Logger

	// lastKey is touched only by the tick loop.
	lastKey string
}

func NewBroadcaster(gen *keygen.Generator, registry *Registry, m *metrics.Metrics, log *logrus.Logger) *Broadcaster {
	if log == nil {
		log = logrus.New()
	}
	return &Broadcaster{
		gen:      gen,
		registry: registry,
		metrics:  m,
		log:      log,
	}
}

// Run ticks until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick recomputes the key and fans out only when it changed since the last
// broadcast. Ticks that produce the same value generate no traffic.
func (b *Broadcaster) Tick() {
	key := b.gen.Key()
	if key == b.lastKey {
		return
	}
	b.lastKey = key

	if b.metrics != nil {
		b.metrics.KeyRotationsTotal.Inc()
	}

	message := newKeyMessage(key)
	subs := b.registry.Authenticated()
	for _, sub := range subs {
		b.send(sub, message)
	}

	if b.metrics != nil {
		b.metrics.BroadcastsTotal.Inc()
	}
	b.log.WithFields(logrus.Fields{
		"subscribers": len(subs),
	}).Info("broadcast new key")
}

// SendCurrent pushes the present key to a single subscriber, used right
// after a successful auth so new joiners never wait for the next rotation.
func (b *Broadcaster) SendCurrent(sub *Subscriber) {
	b.send(sub, newKeyMessage(b.gen.Key()))
}

// send is fire-and-forget: a failing subscriber is logged and left for its
// own read loop to tear down, it never stalls the broadcast to others.
func (b *Broadcaster) send(sub *Subscriber, message domain.ServerMessage) {
	go func() {
		if err := sub.Send(message); err != nil {
			if b.metrics != nil {
				b.metrics.SendFailuresTotal.Inc()
			}
			b.log.WithError(err).WithField("subscriber", sub.ID).Warn("failed to push key")
		}
	}()
}

func newKeyMessage(key string) domain.ServerMessage {
	return domain.ServerMessage{
		Type: domain.TypeNewKey,
		Data: &domain.KeyPayload{
			Key:       key,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}
