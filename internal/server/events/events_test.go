package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishAssignsSequence(t *testing.T) {
	bus := NewBus(10)
	first := bus.Publish(Event{Type: JobAdmitted, JobID: "a"})
	second := bus.Publish(Event{Type: JobStarted, JobID: "a"})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, int64(2), bus.LastSeq())
}

func TestBusSince(t *testing.T) {
	bus := NewBus(10)
	for i := 0; i < 4; i++ {
		bus.Publish(Event{Type: JobAdmitted, JobID: fmt.Sprintf("j%d", i)})
	}

	got := bus.Since(2)
	require.Len(t, got, 2)
	assert.Equal(t, "j2", got[0].JobID)
	assert.Equal(t, "j3", got[1].JobID)
	assert.Empty(t, bus.Since(4))
}

func TestBusIsBounded(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{JobID: fmt.Sprintf("j%d", i)})
	}

	got := bus.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(5), got[2].Seq)
}

func TestBusSinceForUser(t *testing.T) {
	bus := NewBus(0)
	bus.Notify(Event{UserID: "alice", JobID: "1"})
	bus.Notify(Event{UserID: "bob", JobID: "2"})
	bus.Notify(Event{UserID: "alice", JobID: "3"})

	got := bus.SinceForUser("alice", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].JobID)
	assert.Equal(t, "3", got[1].JobID)

	got = bus.SinceForUser("alice", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].JobID)
}

func TestMultiFansOut(t *testing.T) {
	var seen []string
	a := ObserverFunc(func(e Event) { seen = append(seen, "a:"+e.JobID) })
	b := ObserverFunc(func(e Event) { seen = append(seen, "b:"+e.JobID) })

	Multi{a, nil, b}.Notify(Event{JobID: "x"})
	assert.Equal(t, []string{"a:x", "b:x"}, seen)
}

func TestBusSubscribe(t *testing.T) {
	bus := NewBus(10)
	bus.Publish(Event{Type: JobAdmitted, JobID: "old", UserID: "alice"})
	bus.Publish(Event{Type: JobAdmitted, JobID: "other", UserID: "bob"})

	backlog, ch, cancel := bus.Subscribe("alice", 0, 4)
	require.Len(t, backlog, 1)
	assert.Equal(t, "old", backlog[0].JobID)

	bus.Publish(Event{Type: JobStarted, JobID: "skip", UserID: "bob"})
	bus.Publish(Event{Type: JobStarted, JobID: "live", UserID: "alice"})

	got := <-ch
	assert.Equal(t, "live", got.JobID)
	assert.Equal(t, int64(4), got.Seq)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(Event{Type: JobCompleted, JobID: "live", UserID: "alice"})
}

func TestBusSubscribeDropsWhenFull(t *testing.T) {
	bus := NewBus(10)
	_, ch, cancel := bus.Subscribe("", 0, 1)
	defer cancel()

	bus.Publish(Event{JobID: "a"})
	bus.Publish(Event{JobID: "b"})

	assert.Equal(t, "a", (<-ch).JobID)
	assert.Len(t, bus.Since(0), 2)
}
