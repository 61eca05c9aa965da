// Package relay republishes rotated keys into external chat channels. Each
// destination holds one pinned message that gets edited in place; the relay
// never posts new messages, so a missing handle is skipped, not created.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/internal/metrics"
	"github.com/quillhaven/keycast/internal/realtime"
)

const editTimeout = 10 * time.Second

// Relay consumes key events and fans the value out to every configured
// destination.
type Relay struct {
	targets *Targets
	editor  MessageEditor
	metrics *metrics.Metrics
	log     *logrus.Logger
}

func New(targets *Targets, editor MessageEditor, m *metrics.Metrics, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.New()
	}
	return &Relay{
		targets: targets,
		editor:  editor,
		metrics: m,
		log:     log,
	}
}

// Run consumes the channel's event stream until the context ends or the
// channel reports a terminal condition.
func (r *Relay) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case realtime.EventConnected:
				r.log.Info("relay connected to key feed")
			case realtime.EventNewKey:
				r.HandleKey(ctx, ev.Key)
			case realtime.EventAuthFailed:
				return fmt.Errorf("key feed authentication failed: %s", ev.Message)
			case realtime.EventReconnectFailed:
				return fmt.Errorf("key feed unreachable: %s", ev.Message)
			case realtime.EventDisconnected:
				r.log.WithError(ev.Err).Warn("key feed dropped, reconnect pending")
			case realtime.EventError:
				r.log.WithField("message", ev.Message).Warn("key feed error")
			}
		}
	}
}

// HandleKey pushes one key change to all destinations concurrently and logs
// a single summary line instead of per-destination noise.
func (r *Relay) HandleKey(ctx context.Context, key *domain.KeyPayload) {
	if key == nil {
		return
	}
	content := formatKeyMessage(key)

	var updated, failed, skipped atomic.Int64
	var wg sync.WaitGroup

	for destination, target := range r.targets.Snapshot() {
		if target.ChannelID == "" || target.MessageID == "" {
			// No handle cached for this destination; creating one here
			// would spam the channel, so leave it to an operator.
			skipped.Add(1)
			r.countEdit("skipped")
			r.log.WithField("destination", destination).Warn("no message handle for destination, skipping")
			continue
		}

		wg.Add(1)
		go func(destination string, target Target) {
			defer wg.Done()

			editCtx, cancel := context.WithTimeout(ctx, editTimeout)
			defer cancel()

			if err := r.editor.EditMessage(editCtx, target.ChannelID, target.MessageID, content); err != nil {
				failed.Add(1)
				r.countEdit("failed")
				r.log.WithError(err).WithField("destination", destination).Warn("failed to update destination")
				return
			}
			updated.Add(1)
			r.countEdit("updated")
		}(destination, target)
	}
	wg.Wait()

	r.log.WithFields(logrus.Fields{
		"updated": updated.Load(),
		"failed":  failed.Load(),
		"skipped": skipped.Load(),
	}).Info("key relayed")
}

func (r *Relay) countEdit(outcome string) {
	if r.metrics != nil {
		r.metrics.RelayEditsTotal.WithLabelValues(outcome).Inc()
	}
}

func formatKeyMessage(key *domain.KeyPayload) string {
	updated := time.UnixMilli(key.Timestamp).UTC().Format(time.RFC3339)
	return fmt.Sprintf("Current access key: %s\nUpdated: %s", key.Key, updated)
}
