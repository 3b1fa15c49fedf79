package events

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{ID: "1", Type: EventCertificateAuthorityChanged, Payload: CertificateAuthorityChanged{}})

	for _, sub := range []Subscriber{a, b} {
		select {
		case evt := <-sub:
			assert.Equal(t, "1", evt.ID)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	broker.Unsubscribe(a)
	broker.Unsubscribe(a)
	assert.Equal(t, 1, broker.SubscriberCount())
}

func TestBrokerFiltersByType(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	signed := broker.Subscribe(EventCertificateSigned)
	all := broker.Subscribe()

	broker.Publish(&Event{ID: "ca", Type: EventCertificateAuthorityChanged, Payload: CertificateAuthorityChanged{}})
	broker.Publish(&Event{ID: "signed", Type: EventCertificateSigned, Payload: CertificateSigned{NodeID: "n1"}})

	select {
	case evt := <-signed:
		assert.Equal(t, "signed", evt.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	var got []string
	for len(got) < 2 {
		select {
		case evt := <-all:
			got = append(got, evt.ID)
		case <-time.After(time.Second):
			t.Fatalf("only %v delivered", got)
		}
	}
	assert.Equal(t, []string{"ca", "signed"}, got)
	assert.Empty(t, signed)
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe()

	for i := 0; i < subscriberBuffer+3; i++ {
		broker.deliver(&Event{ID: "e", Type: EventDataNodeLifecycle})
	}
	assert.Len(t, sub, subscriberBuffer)

	broker.Stop()
	done := make(chan struct{})
	go func() {
		broker.Publish(&Event{Type: EventDataNodeLifecycle})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}

func TestEncodeDecode(t *testing.T) {
	payloads := []Payload{
		CertificateSigningRequest{NodeID: "n1", CSR: "pem"},
		CertificateSigned{NodeID: "n1", CertificateChain: []string{"leaf", "ca"}},
		ProvisioningStateChanged{NodeID: "n1", From: types.StateCSR, State: types.StateSigned},
		DataNodeLifecycle{NodeID: "n1", Trigger: TriggerStart},
		CertificateAuthorityChanged{Fingerprint: "ab:cd"},
	}
	for _, p := range payloads {
		ce, err := Encode(p, "origin")
		require.NoError(t, err)
		assert.NotEmpty(t, ce.ID)

		evt, err := Decode(ce)
		require.NoError(t, err)
		assert.Equal(t, p.EventType(), evt.Type)
		assert.Equal(t, p, evt.Payload)
		assert.Equal(t, "origin", evt.Origin)
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode(&types.ClusterEvent{Type: "nope"})
	assert.Error(t, err)

	_, err = Decode(&types.ClusterEvent{Type: string(EventCertificateSigned), Data: []byte("{")})
	assert.Error(t, err)
}

func TestRelayDeliversNewEvents(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	bus := NewBus(store, "server-1")
	require.NoError(t, bus.Publish(CertificateAuthorityChanged{}))

	broker := NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	relay := NewRelay(store, broker)
	relay.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	// give the relay time to read the outbox head so the old event is skipped
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Publish(CertificateSigned{NodeID: "n1", CertificateChain: []string{"x"}}))

	select {
	case evt := <-sub:
		require.Equal(t, EventCertificateSigned, evt.Type)
		signed := evt.Payload.(CertificateSigned)
		assert.Equal(t, "n1", signed.NodeID)
		assert.Equal(t, uint64(2), evt.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver the event")
	}
}
