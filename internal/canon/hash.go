package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainSubscription = "reframe/subscription/v1"
	DomainState        = "reframe/state/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Key computes the cache key for a subscription key and its params.
// Structurally equal params produce the same key regardless of map order.
func Key(key string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	data, err := Marshal([]any{key, params})
	if err != nil {
		return "", fmt.Errorf("subscription key %q: %w", key, err)
	}
	return hashWithDomain(DomainSubscription, data), nil
}

// StateHash fingerprints a state value. Used by trace records so two
// snapshots can be compared without storing them.
func StateHash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return hashWithDomain(DomainState, data), nil
}

// MustKey is like Key but panics on error.
// Use only in tests or when params are known to be valid.
func MustKey(key string, params []any) string {
	k, err := Key(key, params)
	if err != nil {
		panic(err)
	}
	return k
}
