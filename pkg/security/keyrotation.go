// Package security tracks the Track Engine's current decryption key across
// playlist refreshes.
package security

import (
	"sync"
	"time"
)

// KeyTransition records one observed change of a track's EXT-X-KEY state
type KeyTransition struct {
	TrackID    string
	Method     string // NONE, AES-128, SAMPLE-AES
	KeyURI     string
	IV         string
	ObservedAt time.Time
}

// RotationLog tracks current_key transitions per track so repeated
// EXT-X-KEY changes across live playlist refreshes are observable without
// re-deriving crypto state from scratch on every call.
type RotationLog struct {
	mu         sync.RWMutex
	current    map[string]KeyTransition
	history    map[string][]KeyTransition
	maxHistory int
}

// NewRotationLog creates a rotation log keeping up to maxHistory past
// transitions per track
func NewRotationLog(maxHistory int) *RotationLog {
	if maxHistory <= 0 {
		maxHistory = 8
	}

	return &RotationLog{
		current:    make(map[string]KeyTransition),
		history:    make(map[string][]KeyTransition),
		maxHistory: maxHistory,
	}
}

// Observe records a key transition for trackID if it differs from the
// current one, and reports whether the key actually changed
func (rl *RotationLog) Observe(trackID, method, keyURI, iv string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := KeyTransition{
		TrackID:    trackID,
		Method:     method,
		KeyURI:     keyURI,
		IV:         iv,
		ObservedAt: time.Now(),
	}

	prev, exists := rl.current[trackID]
	if exists && prev.Method == method && prev.KeyURI == keyURI && prev.IV == iv {
		return false
	}

	if exists {
		hist := rl.history[trackID]
		hist = append(hist, prev)
		if len(hist) > rl.maxHistory {
			hist = hist[len(hist)-rl.maxHistory:]
		}
		rl.history[trackID] = hist
	}

	rl.current[trackID] = next
	return true
}

// Current returns the current key transition for trackID
func (rl *RotationLog) Current(trackID string) (KeyTransition, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	t, ok := rl.current[trackID]
	return t, ok
}

// History returns past key transitions for trackID, oldest first
func (rl *RotationLog) History(trackID string) []KeyTransition {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	hist := rl.history[trackID]
	out := make([]KeyTransition, len(hist))
	copy(out, hist)
	return out
}
