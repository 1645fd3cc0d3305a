package idempotency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoseKeyIsDeterministic(t *testing.T) {
	a := DoseKey("p1", "197378", "2025-03-12")
	assert.Equal(t, a, DoseKey("p1", "197378", "2025-03-12"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, DoseKey("p1", "197378", "2025-03-13"))
	assert.NotEqual(t, a, DoseKey("p2", "197378", "2025-03-12"))

	assert.Equal(t, AdvisoryLockID("p1", "x", "d"), AdvisoryLockID("p1", "x", "d"))
	assert.NotEqual(t, AdvisoryLockID("p1", "x", "d"), AdvisoryLockID("p1", "y", "d"))
}

func TestDoseKeySeparatesFields(t *testing.T) {
	assert.NotEqual(t, DoseKey("ab", "c", "d"), DoseKey("a", "bc", "d"))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, km.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	require.Equal(t, 1, km.Len())
	unlockA()
	assert.Zero(t, km.Len())
}
