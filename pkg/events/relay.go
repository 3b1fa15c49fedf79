package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/rs/zerolog"
)

// Publisher posts events to the cluster
type Publisher interface {
	Publish(p Payload) error
}

// Bus publishes events by appending them to the replicated outbox. Every
// process sees them through its Relay, including the publisher itself.
type Bus struct {
	store  storage.Store
	origin string
}

// NewBus creates a Bus writing to store on behalf of origin (the node ID)
func NewBus(store storage.Store, origin string) *Bus {
	return &Bus{store: store, origin: origin}
}

// Publish appends p to the outbox
func (b *Bus) Publish(p Payload) error {
	ce, err := Encode(p, b.origin)
	if err != nil {
		return err
	}
	if _, err := b.store.AppendEvent(ce); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", p.EventType(), err)
	}
	return nil
}

const (
	defaultRelayInterval = 500 * time.Millisecond
	relayBatchSize       = 100
)

// Relay polls the outbox and forwards new events to the local broker.
// Events are delivered at least once; a restarted relay resumes from the
// outbox head, so handlers must tolerate both replays and gaps.
type Relay struct {
	store    storage.Store
	broker   *Broker
	interval time.Duration
	lastSeq  uint64
	logger   zerolog.Logger
}

// NewRelay creates a relay feeding broker from store
func NewRelay(store storage.Store, broker *Broker) *Relay {
	return &Relay{
		store:    store,
		broker:   broker,
		interval: defaultRelayInterval,
		logger:   log.WithComponent("event-relay"),
	}
}

// Run relays events until ctx is done. Only events appended after Run
// starts are delivered.
func (r *Relay) Run(ctx context.Context) {
	seq, err := r.store.LastEventSeq()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read event outbox head")
	}
	r.lastSeq = seq

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.poll(); err != nil {
				r.logger.Error().Err(err).Msg("Event relay poll failed")
			}
		}
	}
}

func (r *Relay) poll() error {
	for {
		batch, err := r.store.ListEventsSince(r.lastSeq, relayBatchSize)
		if err != nil {
			return err
		}
		for _, ce := range batch {
			r.lastSeq = ce.Seq
			evt, err := Decode(ce)
			if err != nil {
				r.logger.Warn().Err(err).Uint64("seq", ce.Seq).Msg("Skipping undecodable event")
				continue
			}
			metrics.EventsRelayed.WithLabelValues(string(evt.Type)).Inc()
			r.broker.Publish(evt)
		}
		if len(batch) < relayBatchSize {
			return nil
		}
	}
}
