package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversInEmissionOrder(t *testing.T) {
	var hub Hub[int]
	var got []int

	sub := hub.Subscribe(func(v int) { got = append(got, v) })
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		hub.Publish(i)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestHubDeliversInSubscriptionOrder(t *testing.T) {
	var hub Hub[string]
	var got []string

	first := hub.Subscribe(func(v string) { got = append(got, "a:"+v) })
	second := hub.Subscribe(func(v string) { got = append(got, "b:"+v) })
	defer first.Close()
	defer second.Close()

	hub.Publish("x")

	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestSubscriptionClose(t *testing.T) {
	var hub Hub[int]
	var calls int

	sub := hub.Subscribe(func(int) { calls++ })
	hub.Publish(1)
	sub.Close()
	hub.Publish(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, hub.Len())

	// second Close is a no-op
	sub.Close()
}

func TestCloseOneSubscriptionKeepsOthers(t *testing.T) {
	var hub Hub[int]
	var first, second int

	a := hub.Subscribe(func(int) { first++ })
	b := hub.Subscribe(func(int) { second++ })
	defer b.Close()

	a.Close()
	hub.Publish(1)

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestHubClose(t *testing.T) {
	var hub Hub[int]
	var calls int

	hub.Subscribe(func(int) { calls++ })
	hub.Close()
	hub.Publish(1)

	assert.Equal(t, 0, calls)

	sub := hub.Subscribe(func(int) { calls++ })
	require.NotNil(t, sub)
	hub.Publish(2)

	assert.Equal(t, 0, calls)
	sub.Close()
}

func TestHubConcurrentPublish(t *testing.T) {
	var hub Hub[int]
	var mu sync.Mutex
	seen := 0

	sub := hub.Subscribe(func(int) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hub.Publish(j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, seen)
}
