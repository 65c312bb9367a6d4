package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Bus_PublishSubscribe(t *testing.T) {
	b := New[int](nil)

	// No subscribers: the event is dropped
	require.Zero(t, b.Publish(1))

	var got1, got2 []int
	unsubscribe1 := b.Subscribe(func(ev int) { got1 = append(got1, ev) })
	unsubscribe2 := b.Subscribe(func(ev int) { got2 = append(got2, ev) })
	require.Equal(t, 2, b.Subscribers())

	require.Equal(t, 2, b.Publish(2))
	require.Equal(t, 2, b.Publish(3))

	unsubscribe1()
	unsubscribe1()
	require.Equal(t, 1, b.Subscribers())
	require.Equal(t, 1, b.Publish(4))

	// Late subscriber misses the earlier events
	var got3 []int
	b.Subscribe(func(ev int) { got3 = append(got3, ev) })
	require.Equal(t, 2, b.Publish(5))

	unsubscribe2()

	require.Equal(t, []int{2, 3}, got1)
	require.Equal(t, []int{2, 3, 4, 5}, got2)
	require.Equal(t, []int{5}, got3)
}

func Test_Bus_HandlerPanic(t *testing.T) {
	b := New[string](nil)

	var got []string
	b.Subscribe(func(ev string) { panic("boom") })
	b.Subscribe(func(ev string) { got = append(got, ev) })

	require.Equal(t, 1, b.Publish("a"))
	require.Equal(t, []string{"a"}, got)
}

func Test_Bus_UnsubscribeFromHandler(t *testing.T) {
	b := New[int](nil)

	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe(func(ev int) {
		calls++
		unsubscribe()
	})

	b.Publish(1)
	b.Publish(2)
	require.Equal(t, 1, calls)
	require.Zero(t, b.Subscribers())
}

func Test_Bus_Concurrent(t *testing.T) {
	b := New[int](nil)

	mu := sync.Mutex{}
	sum := 0
	b.Subscribe(func(ev int) {
		mu.Lock()
		sum += ev
		mu.Unlock()
	})

	wg := sync.WaitGroup{}
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			b.Publish(v)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5050, sum)
}
