// Package idempotency derives deterministic keys for "at most once per day"
// writes and serializes work on those keys.
// Keys are Hash(PatientID+MedicationKey+Day), so every writer agrees on them.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
)

// DoseKey creates a deterministic key for one patient taking one medication
// on one calendar day (formatted YYYY-MM-DD).
func DoseKey(patientID, medicationKey, day string) string {
	sum := digest(patientID, medicationKey, day)
	return hex.EncodeToString(sum[:])
}

// AdvisoryLockID folds the same key into the int64 expected by
// pg_advisory_xact_lock.
func AdvisoryLockID(patientID, medicationKey, day string) int64 {
	sum := digest(patientID, medicationKey, day)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func digest(parts ...string) [sha256.Size]byte {
	return sha256.Sum256([]byte(strings.Join(parts, "|")))
}

// KeyedMutex hands out one lock per key. Locks are reference counted and
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys currently have a holder or waiter.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
