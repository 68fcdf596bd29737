package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	id := uuid.New()
	bus.Publish(Event{Kind: SessionStarted, AssocID: id})

	ev := <-ch
	require.Equal(t, SessionStarted, ev.Kind)
	require.Equal(t, id, ev.AssocID)
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: SessionStarted})
	bus.Publish(Event{Kind: SessionEnded}) // dropped, buffer full

	ev := <-ch
	require.Equal(t, SessionStarted, ev.Kind)
	select {
	case <-ch:
		t.Fatal("expected no more events")
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe(1)
	cancel()
	require.Equal(t, 0, bus.SubscriberCount())
	_, ok := <-ch
	require.False(t, ok)
}
