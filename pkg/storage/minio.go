package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/config"
	"github.com/zentra/beacon/internal/models"
)

const ndjsonContentType = "application/x-ndjson"

func ConnectMinIO(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Archive.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Archive.AccessKey, cfg.Archive.SecretKey, ""),
		Secure: cfg.Archive.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket := cfg.Archive.Bucket
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		log.Info().Str("bucket", bucket).Msg("Created MinIO bucket")
	}

	log.Info().Str("endpoint", cfg.Archive.Endpoint).Msg("Connected to MinIO")
	return client, nil
}

// ObjectPutter is the part of *minio.Client the archive writes through.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes expired event log rows to object storage before the
// retention sweep deletes them.
type Archive struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

func NewArchive(client ObjectPutter, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket, now: time.Now}
}

// ArchiveOccurrences stores the batch as one NDJSON object, organized by date.
func (a *Archive) ArchiveOccurrences(ctx context.Context, batch []*models.EventOccurrence) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := EncodeNDJSON(batch)
	if err != nil {
		return err
	}

	name := ObjectName(a.now())
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: ndjsonContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", name, err)
	}

	log.Info().Str("bucket", a.bucket).Str("object", name).Int("rows", len(batch)).Msg("Archived event log batch")
	return nil
}

func ObjectName(at time.Time) string {
	return fmt.Sprintf("event_log/%d/%02d/%02d/%s.ndjson", at.Year(), at.Month(), at.Day(), uuid.New().String())
}

func EncodeNDJSON(batch []*models.EventOccurrence) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, o := range batch {
		if err := enc.Encode(o); err != nil {
			return nil, fmt.Errorf("failed to encode event log row %s: %w", o.ID, err)
		}
	}
	return buf.Bytes(), nil
}
