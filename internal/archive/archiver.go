// Package archive writes high-value events to S3-compatible cold
// storage. Archival is best-effort: a failed write is logged and
// counted but never blocks the pipeline.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/models"
)

// ObjectPutter is the slice of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver gates and writes events into a date-partitioned bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
	logger *log.Logger
}

// NewClient builds the S3 client. A MinIO endpoint is served by the
// same client with path-style addressing and static credentials.
func NewClient(ctx context.Context, cfg config.StorageSettings) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func New(client ObjectPutter, bucket string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		logger: log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
	}
}

// ShouldArchive selects critical and high severity events plus anything
// whose event type suggests an attack. Severity is read from the event
// itself and from data.severity, since vendor formats put it either
// place.
func ShouldArchive(event *models.Event) bool {
	if severityArchivable(event.Severity) {
		return true
	}
	if s, ok := event.Data["severity"].(string); ok && severityArchivable(s) {
		return true
	}
	et := strings.ToLower(event.EventType)
	for _, marker := range []string{"attack", "threat", "security"} {
		if strings.Contains(et, marker) {
			return true
		}
	}
	return false
}

func severityArchivable(s string) bool {
	switch strings.ToLower(s) {
	case "critical", "high":
		return true
	}
	return false
}

// Key builds the object key: YYYY/MM/DD/<source>/HHMMSS-<id>.json.
func Key(event *models.Event, id string) string {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%04d/%02d/%02d/%s/%02d%02d%02d-%s.json",
		ts.Year(), int(ts.Month()), ts.Day(),
		event.Source,
		ts.Hour(), ts.Minute(), ts.Second(),
		id,
	)
}

// Archive writes one event if it qualifies. Returns the object key, or
// an empty string when the event was not archivable.
func (a *Archiver) Archive(ctx context.Context, event *models.Event) (string, error) {
	if !ShouldArchive(event) {
		return "", nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("serialize event for archive: %w", err)
	}

	key := Key(event, uuid.NewString())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}
