// Package kv provides the key/value store abstraction backing checkpoints
// and shared knowledge. The default store is in-memory; SQLite and Redis
// adapters back durable and remote deployments.
package kv

import (
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("kv: store closed")

// Reserved key prefixes used by the core. Adapters must not interpret them.
const (
	// CheckpointPrefix namespaces orchestrator checkpoints.
	CheckpointPrefix = "checkpoint:"
	// KnowledgePrefix namespaces shared-knowledge entries.
	KnowledgePrefix = "knowledge:"
)

// Store is an abstract key/value store with optional per-key TTL.
// Implementations must be safe for concurrent use.
type Store interface {
	// Set stores value under key. A ttl of zero means no expiry.
	Set(key string, value []byte, ttl time.Duration) error
	// Get returns the value for key. The second return is false if the key
	// is absent or expired.
	Get(key string) ([]byte, bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys returns all live keys.
	Keys() ([]string, error)
	// Size returns the number of live keys.
	Size() (int, error)
	// Clear removes all keys.
	Clear() error
}

// Encode serializes a value for storage.
func Encode(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Decode deserializes a stored value into out.
func Decode(data []byte, out interface{}) error {
	return sonic.Unmarshal(data, out)
}
