package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeed(t *testing.T) {
	feed := NewFeed[string](false)
	require.NotNil(t, feed)
	assert.Equal(t, 0, feed.ListenerCount())
	_, ok := feed.Last()
	assert.False(t, ok)
}

func TestFeed_ListenPublish(t *testing.T) {
	feed := NewFeed[string](false)

	ch := make(chan string, 10)
	unlisten := feed.Listen(ch)
	assert.Equal(t, 1, feed.ListenerCount())

	feed.Publish("a")
	feed.Publish("b")

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)

	unlisten()
	unlisten()
	assert.Equal(t, 0, feed.ListenerCount())

	feed.Publish("c")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unlisten: %s", val)
	default:
	}

	last, ok := feed.Last()
	assert.True(t, ok)
	assert.Equal(t, "c", last)
}

func TestFeed_Replay(t *testing.T) {
	feed := NewFeed[int](true)

	early := make(chan int, 10)
	feed.Listen(early)
	select {
	case val := <-early:
		t.Errorf("Unexpected replay before publish: %d", val)
	default:
	}

	feed.Publish(7)
	assert.Equal(t, 7, <-early)

	late := make(chan int, 10)
	feed.Listen(late)
	select {
	case val := <-late:
		assert.Equal(t, 7, val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for replayed value")
	}
}

func TestFeed_NoReplay(t *testing.T) {
	feed := NewFeed[int](false)
	feed.Publish(1)

	ch := make(chan int, 10)
	feed.Listen(ch)
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received: %d", val)
	default:
	}
}

func TestFeed_FullChannelSkipped(t *testing.T) {
	feed := NewFeed[string](false)
	ch := make(chan string, 1)
	feed.Listen(ch)

	ch <- "blocking"
	feed.Publish("dropped")
	assert.Equal(t, 1, len(ch))
	assert.Equal(t, "blocking", <-ch)

	feed.Publish("next")
	assert.Equal(t, "next", <-ch)
}

func TestFeed_NilChannelPanics(t *testing.T) {
	feed := NewFeed[string](false)
	assert.Panics(t, func() {
		feed.Listen(nil)
	})
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	feed := NewFeed[int](false)
	channels := make([]chan int, 10)
	for i := range channels {
		channels[i] = make(chan int, 100)
		feed.Listen(channels[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			feed.Publish(v)
		}(i)
	}
	wg.Wait()

	for i, ch := range channels {
		assert.Equal(t, 5, len(ch), "channel %d", i)
	}
}

func TestSignal_RaiseInOrder(t *testing.T) {
	sig := NewSignal[string]()
	var calls []string
	sig.Connect(func(v string) { calls = append(calls, "first:"+v) })
	disconnect := sig.Connect(func(v string) { calls = append(calls, "second:"+v) })
	assert.Equal(t, 2, sig.HandlerCount())

	sig.Raise("x")
	assert.Equal(t, []string{"first:x", "second:x"}, calls)

	disconnect()
	sig.Raise("y")
	assert.Equal(t, []string{"first:x", "second:x", "first:y"}, calls)
}

func TestSignal_NilHandlerPanics(t *testing.T) {
	sig := NewSignal[int]()
	assert.Panics(t, func() {
		sig.Connect(nil)
	})
}
