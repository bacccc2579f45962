package cache

import (
	"context"
	"time"
)

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// LocalAeKey is the cache key for a called-AE lookup.
func LocalAeKey(aeTitle string) string {
	return "ae:local:" + aeTitle
}

// SourceAeKey is the cache key for a source-AE admission lookup.
func SourceAeKey(aeTitle, hostIP string) string {
	return "ae:source:" + aeTitle + ":" + hostIP
}

// VirtualAeKey is the cache key for a DICOMweb endpoint lookup.
func VirtualAeKey(name string) string {
	return "ae:virtual:" + name
}
