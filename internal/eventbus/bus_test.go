package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, TypeDispatchDone)
	defer unsubDone()

	b.Publish(Event{Type: TypeSweepDone})
	b.Publish(Event{Type: TypeDispatchDone, Data: 3})

	require.Len(t, all, 2)
	require.Len(t, done, 1)
	ev := <-done
	assert.Equal(t, 3, ev.Data)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())

	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	assert.Equal(t, uint64(1), b.Dropped())
}
