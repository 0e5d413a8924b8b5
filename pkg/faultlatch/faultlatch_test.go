package faultlatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireRunsOnce(t *testing.T) {
	var l Latch
	count := 0

	assert.True(t, l.Fire(func() { count++ }))
	assert.False(t, l.Fire(func() { count++ }))
	assert.Equal(t, 1, count)
	assert.True(t, l.Fired())
}

func TestFireConcurrent(t *testing.T) {
	var l Latch
	var mu sync.Mutex
	count := 0

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Fire(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, count)
}

func TestFireSurvivesReentrantFire(t *testing.T) {
	var l Latch
	count := 0

	l.Fire(func() {
		count++
		// A handler that triggers teardown can re-enter the latch; the
		// nested call must be a no-op rather than a recursion.
		l.Fire(func() { count++ })
	})

	assert.Equal(t, 1, count)
}

func TestNilHandlerConsumesLatch(t *testing.T) {
	var l Latch
	assert.True(t, l.Fire(nil))
	assert.False(t, l.Fire(func() {}))
}
