package settings

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// ValidationError names the offending field of a rejected update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks value ranges.
func Validate(s types.Settings) error {
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return &ValidationError{Field: "confidenceThreshold", Reason: "must be within [0, 1]"}
	}
	if s.AlertCooldownMs < 0 {
		return &ValidationError{Field: "alertCooldownMs", Reason: "must be non-negative"}
	}
	return nil
}

// Store holds the active Settings. Reads are lock-free; updates are
// validated and swapped atomically.
type Store struct {
	mu      sync.Mutex // serializes writers and listener registration
	current atomic.Pointer[types.Settings]
	onSwap  []func(old, new types.Settings)
}

// NewStore creates a store with initial settings. Invalid initial values
// are rejected like any other update.
func NewStore(initial types.Settings) (*Store, error) {
	if err := Validate(initial); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&initial)
	return s, nil
}

// Get returns a copy of the active settings.
func (s *Store) Get() types.Settings {
	return *s.current.Load()
}

// Update validates next and swaps it in. On error the previous settings
// remain active.
func (s *Store) Update(next types.Settings) (types.Settings, error) {
	if err := Validate(next); err != nil {
		logger.Warn("Settings", "Rejected update: %v", err)
		return s.Get(), err
	}

	s.mu.Lock()
	old := *s.current.Load()
	s.current.Store(&next)
	listeners := append([]func(old, new types.Settings){}, s.onSwap...)
	s.mu.Unlock()

	logger.Info("Settings", "Updated: threshold=%.2f cooldown=%dms visual=%v sound=%v",
		next.ConfidenceThreshold, next.AlertCooldownMs, next.VisualAlerts, next.SoundAlerts)

	for _, fn := range listeners {
		fn(old, next)
	}
	return next, nil
}

// OnSwap registers a callback invoked after every accepted update.
func (s *Store) OnSwap(fn func(old, new types.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwap = append(s.onSwap, fn)
}
