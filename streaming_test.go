package ges_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ges "github.com/mickamy/go-event-sourcing"
)

func newTestEvent(aggregateID, aggregateType, eventType string) ges.Event {
	return ges.Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
	}
}

func TestStreamer_FanOutWithFilter(t *testing.T) {
	streamer := ges.NewStreamer(8)

	userSub := streamer.Subscribe(ges.NewSubscriptionBuilder().FilterByAggregateType("User").Build())
	orderSub := streamer.Subscribe(ges.NewSubscriptionBuilder().FilterByAggregateType("Order").Build())
	defer userSub.Close()
	defer orderSub.Close()

	require.NoError(t, streamer.PublishEvent(newTestEvent("u1", "User", "UserRegistered"), 1, 1))
	require.NoError(t, streamer.PublishEvent(newTestEvent("o1", "Order", "OrderPlaced"), 1, 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	userEv, err := userSub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "User", userEv.Event.AggregateType)
	assert.Equal(t, int64(1), userEv.GlobalPosition)

	orderEv, err := orderSub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Order", orderEv.Event.AggregateType)
	assert.Equal(t, int64(2), orderEv.GlobalPosition)
}

func TestStreamer_LaggedOnOverflow(t *testing.T) {
	streamer := ges.NewStreamer(2)
	sub := streamer.Subscribe(ges.NewSubscriptionBuilder().Build())
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, streamer.PublishEvent(newTestEvent("a1", "Thing", "Touched"), int64(i+1), int64(i+1)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sub.Recv(ctx)
	require.ErrorIs(t, err, ges.ErrLagged)

	// After the lag signal, the receiver drains whatever is still queued.
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.NotZero(t, ev.GlobalPosition)
}

func TestStreamer_UnsubscribeEndsDelivery(t *testing.T) {
	streamer := ges.NewStreamer(8)
	sub := streamer.Subscribe(ges.NewSubscriptionBuilder().Build())

	require.NoError(t, streamer.PublishEvent(newTestEvent("a1", "Thing", "Touched"), 1, 1))
	sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Already-queued event still drains before EOF.
	_, err := sub.Recv(ctx)
	require.NoError(t, err)

	_, err = sub.Recv(ctx)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestStreamer_Positions(t *testing.T) {
	streamer := ges.NewStreamer(8)

	require.NoError(t, streamer.PublishEvent(newTestEvent("a1", "Thing", "Touched"), 1, 1))
	require.NoError(t, streamer.PublishEvent(newTestEvent("a1", "Thing", "Touched"), 2, 2))

	pos, ok := streamer.GetStreamPosition("a1")
	require.True(t, ok)
	assert.Equal(t, int64(2), pos)
	assert.Equal(t, int64(2), streamer.GetGlobalPosition())

	_, ok = streamer.GetStreamPosition("unknown")
	assert.False(t, ok)
}
