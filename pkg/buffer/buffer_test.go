package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	b := New[int](8)
	for i := 0; i < 5; i++ {
		require.True(t, b.Push(i, 0))
	}
	assert.Equal(t, 5, b.Available())
	for i := 0; i < 5; i++ {
		v, ok := b.Pop(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, b.Available())
}

func TestPushFullReturnsFalse(t *testing.T) {
	b := New[string](2)
	assert.True(t, b.Push("a", 0))
	assert.True(t, b.Push("b", 0))
	assert.False(t, b.Push("c", time.Second))
	assert.Equal(t, 2, b.Available())

	v, ok := b.Pop(0)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, b.Push("c", 0))
}

func TestPopEmptyTimesOut(t *testing.T) {
	b := New[int](4)
	start := time.Now()
	_, ok := b.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPopWakesOnPush(t *testing.T) {
	b := New[int](4)
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Push(42, 0)
	}()
	start := time.Now()
	v, ok := b.Pop(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClear(t *testing.T) {
	b := New[int](4)
	b.Push(1, 0)
	b.Push(2, 0)
	b.Clear()
	assert.Equal(t, 0, b.Available())
	_, ok := b.Pop(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New[byte](0).Cap())
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const producers, perProducer = 4, 200
	b := New[int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Push(i, 0)
			}
		}()
	}

	got := make(chan int, producers*perProducer)
	var cg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				v, ok := b.Pop(100 * time.Millisecond)
				if !ok {
					return
				}
				got <- v
			}
		}()
	}
	wg.Wait()
	cg.Wait()
	close(got)
	n := 0
	for range got {
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}
