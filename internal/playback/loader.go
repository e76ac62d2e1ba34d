package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
)

const loadTries = 3

// SnapshotLoader reads snapshot objects.
type SnapshotLoader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// ObjectLoader reads snapshots from MinIO or S3, retrying transient
// failures.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader wraps an object storage client.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements SnapshotLoader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, func() ([]byte, error) {
		data, err := l.read(ctx, bucket, objectPath)
		if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(loadTries))
}

func (l *ObjectLoader) read(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// MemoryLoader serves snapshots from a map, for tests and tooling.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements SnapshotLoader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}
