package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// GCS is a Service backed by Google Cloud Storage. Containers map to buckets.
type GCS struct {
	client *storage.Client
}

// NewGCS creates a GCS Service using ambient application-default credentials.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &GCS{client: client}, nil
}

// Container implements Service.
func (g *GCS) Container(name string) Container {
	return &gcsContainer{bucket: g.client.Bucket(name), name: name}
}

// Close implements Service.
func (g *GCS) Close() error {
	err := g.client.Close()
	if err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}

	return nil
}

type gcsContainer struct {
	bucket *storage.BucketHandle
	name   string
}

func (c *gcsContainer) List(ctx context.Context, prefix string) iter.Seq2[model.ObjectInfo, error] {
	return func(yield func(model.ObjectInfo, error) bool) {
		query := &storage.Query{Prefix: prefix}

		err := query.SetAttrSelection([]string{"Name", "Updated", "Size"})
		if err != nil {
			yield(model.ObjectInfo{}, fmt.Errorf("list gs://%s: %w", c.name, err))

			return
		}

		it := c.bucket.Objects(ctx, query)

		for {
			attrs, nextErr := it.Next()
			if errors.Is(nextErr, iterator.Done) {
				return
			}

			if nextErr != nil {
				yield(model.ObjectInfo{}, fmt.Errorf("list gs://%s/%s: %w", c.name, prefix, nextErr))

				return
			}

			info := model.ObjectInfo{Name: attrs.Name, LastModified: attrs.Updated.UTC(), Size: attrs.Size}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (c *gcsContainer) Read(ctx context.Context, name string) ([]byte, error) {
	reader, err := c.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("read gs://%s/%s: %w", c.name, name, ErrNotExist)
	}

	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", c.name, name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", c.name, name, err)
	}

	return data, nil
}

// Write uploads the object in a single request; GCS makes the new generation
// visible only once the upload completes.
func (c *gcsContainer) Write(ctx context.Context, name string, data []byte) error {
	writer := c.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"

	_, writeErr := writer.Write(data)
	if writeErr != nil {
		closeErr := writer.Close()

		return fmt.Errorf("write gs://%s/%s: %w", c.name, name, errors.Join(writeErr, closeErr))
	}

	err := writer.Close()
	if err != nil {
		return fmt.Errorf("write gs://%s/%s: %w", c.name, name, err)
	}

	return nil
}
