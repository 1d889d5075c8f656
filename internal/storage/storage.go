// Package storage abstracts the blob backends archives are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"logarchive/internal/config"
)

// ErrUnsupported is returned for operations a backend cannot provide.
var ErrUnsupported = errors.New("operation not supported by this storage backend")

// ObjectInfo describes one stored archive object.
type ObjectInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Blob is the write-once object store the batch processor and retention
// engine talk to. Objects are created and deleted, never updated.
type Blob interface {
	Put(ctx context.Context, path string, body []byte, contentType string) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// LifecycleTransition moves objects to a colder storage class after a number
// of days; Expire instead deletes them. A zero StorageClass with ExpireDays
// set is a pure expiration rule.
type LifecycleTransition struct {
	AfterDays    int    `json:"after_days"`
	StorageClass string `json:"storage_class,omitempty"`
	ExpireDays   int    `json:"expire_days,omitempty"`
}

// Lifecycler is implemented by backends that accept declarative tiering policies.
type Lifecycler interface {
	ApplyLifecycle(ctx context.Context, prefix string, transitions []LifecycleTransition) error
}

// FromConfig builds the configured backend.
func FromConfig(ctx context.Context, cfg config.Config) (Blob, error) {
	switch cfg.StorageBackend {
	case config.BackendLocal:
		return NewLocal(cfg.LocalDir), nil
	case config.BackendS3:
		return NewS3(ctx, cfg)
	case config.BackendGCS:
		return NewGCS(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
