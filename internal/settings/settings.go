// Package settings holds runtime-adjustable values such as pricing rates.
//
// A Store is created once by the binary and injected into the components that
// need it; there is no package-level settings instance.
package settings

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// Well-known keys read by the built-in executors.
const (
	KeyCurrency      = "currency"
	KeyBaseFare      = "pricing.base_fare"
	KeyPerKmRate     = "pricing.per_km_rate"
	KeyMinimumCharge = "pricing.minimum_charge"
	KeyTaxRate       = "pricing.tax_rate"
	KeyPointsPerTurn = "gamification.points_per_action"
)

// Store is a key/value settings store.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	All() map[string]any
}

// Defaults are the values a fresh store starts with.
func Defaults() map[string]any {
	return map[string]any{
		KeyCurrency:      "USD",
		KeyBaseFare:      5.0,
		KeyPerKmRate:     1.5,
		KeyMinimumCharge: 7.0,
		KeyTaxRate:       0.0,
		KeyPointsPerTurn: 10.0,
	}
}

// MemoryStore is a Store guarded by an RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates a store seeded with Defaults overlaid by seed.
func NewMemoryStore(seed map[string]any) *MemoryStore {
	values := Defaults()
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *MemoryStore) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("settings key cannot be empty")
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	slog.Info("Settings Set succeeded", "key", key)
	return nil
}

// All returns a copy of every setting.
func (s *MemoryStore) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the setting keys in sorted order.
func Keys(s Store) []string {
	all := s.All()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float reads a numeric setting, accepting numbers and numeric strings.
func Float(s Store, key string, fallback float64) float64 {
	if s == nil {
		return fallback
	}
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	slog.Warn("Settings Float non-numeric value", "key", key, "value", v)
	return fallback
}

// String reads a string setting.
func String(s Store, key, fallback string) string {
	if s == nil {
		return fallback
	}
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
