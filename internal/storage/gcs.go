package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores archives in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

// NewGCS builds a GCS-backed blob store using ambient credentials.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
	}, nil
}

func (g *GCS) Put(ctx context.Context, path string, body []byte, contentType string) error {
	w := g.bucket.Object(sanitizePath(path)).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gcs object: %w", err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, path string) error {
	if err := g.bucket.Object(path).Delete(ctx); err != nil {
		return fmt.Errorf("delete gcs object: %w", err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs objects: %w", err)
		}
		out = append(out, ObjectInfo{
			Path:         attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated.UTC(),
		})
	}
	return out, nil
}

func (g *GCS) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	url, err := g.bucket.SignedURL(path, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs url: %w", err)
	}
	return url, nil
}

// ApplyLifecycle updates the bucket lifecycle: transitions set storage
// classes, expirations delete. Reapplying replaces the previous rule set.
func (g *GCS) ApplyLifecycle(ctx context.Context, prefix string, transitions []LifecycleTransition) error {
	lifecycle := gcs.Lifecycle{}
	for _, t := range transitions {
		if t.StorageClass != "" {
			lifecycle.Rules = append(lifecycle.Rules, gcs.LifecycleRule{
				Action: gcs.LifecycleAction{Type: gcs.SetStorageClassAction, StorageClass: t.StorageClass},
				Condition: gcs.LifecycleCondition{
					AgeInDays:     int64(t.AfterDays),
					MatchesPrefix: []string{prefix},
				},
			})
		}
		if t.ExpireDays > 0 {
			lifecycle.Rules = append(lifecycle.Rules, gcs.LifecycleRule{
				Action: gcs.LifecycleAction{Type: gcs.DeleteAction},
				Condition: gcs.LifecycleCondition{
					AgeInDays:     int64(t.ExpireDays),
					MatchesPrefix: []string{prefix},
				},
			})
		}
	}
	if _, err := g.bucket.Update(ctx, gcs.BucketAttrsToUpdate{Lifecycle: &lifecycle}); err != nil {
		return fmt.Errorf("update gcs lifecycle: %w", err)
	}
	return nil
}
