package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("milestone-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("Expected 100 increments, got %d", counter)
	}
}

func TestShardedMutexDifferentKeys(t *testing.T) {
	var m ShardedMutex

	// Locks for different keys must not deadlock when held sequentially
	unlock1 := m.Lock("a")
	unlock1()
	unlock2 := m.Lock("b")
	unlock2()
}

func TestShardedMutexUnlockAllowsReacquire(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("key")
	unlock()

	done := make(chan struct{})
	go func() {
		u := m.Lock("key")
		u()
		close(done)
	}()
	<-done
}
