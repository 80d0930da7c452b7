package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(LoadEvent{Type: EventLoaded, Path: "/img/a.png"})

	assert.Equal(t, "/img/a.png", (<-a).Path)
	assert.Equal(t, EventLoaded, (<-b).Type)

	bus.Unsubscribe(a)
	bus.Unsubscribe(a)
	assert.Equal(t, 1, bus.Subscribers())
	_, open := <-a
	assert.False(t, open)
}

func TestEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(LoadEvent{Type: EventInvalidated})
	}
	assert.Len(t, ch, cap(ch))
}
