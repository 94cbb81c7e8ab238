// Package cloudpull ingests audit logs that cloud providers deliver to
// object storage. CloudTrail writes gzipped JSON objects carrying a
// Records array; other services drop JSON-lines or plain text. The
// puller lists new objects on an interval, expands them into events and
// publishes to the same raw-logs topic as the HTTP edge.
package cloudpull

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/models"
)

// Publisher is the bus side of the puller.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// S3API is the slice of the S3 client the puller uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Puller tails one bucket. S3 lists keys in lexical order and delivery
// keys embed the timestamp, so the last processed key works as a
// resume cursor.
type Puller struct {
	client    S3API
	publisher Publisher
	bucket    string
	prefix    string
	source    string
	interval  time.Duration
	cursor    string
	logger    *log.Logger
}

func New(client S3API, publisher Publisher, cfg config.CloudSettings) *Puller {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	name := cfg.SourceName
	if name == "" {
		name = "default"
	}
	return &Puller{
		client:    client,
		publisher: publisher,
		bucket:    cfg.LogBucket,
		prefix:    cfg.LogPrefix,
		source:    "aws." + name,
		interval:  interval,
		logger:    log.New(log.Writer(), "[CLOUDPULL] ", log.LstdFlags),
	}
}

// Run polls until the context is cancelled.
func (p *Puller) Run(ctx context.Context) {
	p.logger.Printf("🚀 pulling cloud logs from s3://%s/%s every %s", p.bucket, p.prefix, p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, err := p.Poll(ctx); err != nil {
			p.logger.Printf("⚠️ cloud poll failed: %v", err)
		} else if n > 0 {
			p.logger.Printf("📤 published %d cloud events", n)
		}
		select {
		case <-ctx.Done():
			p.logger.Printf("🔌 cloud puller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll lists objects lexically after the cursor and publishes their
// events. The cursor only advances past fully published objects, so a
// publish failure resumes at the same object next tick.
func (p *Puller) Poll(ctx context.Context) (int, error) {
	published := 0
	input := &s3.ListObjectsV2Input{Bucket: aws.String(p.bucket)}
	if p.prefix != "" {
		input.Prefix = aws.String(p.prefix)
	}
	if p.cursor != "" {
		input.StartAfter = aws.String(p.cursor)
	}

	for {
		page, err := p.client.ListObjectsV2(ctx, input)
		if err != nil {
			return published, fmt.Errorf("list s3://%s: %w", p.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !ingestible(key) {
				p.cursor = key
				continue
			}
			n, err := p.ingestObject(ctx, key)
			published += n
			if err != nil {
				return published, err
			}
			p.cursor = key
		}
		if page.NextContinuationToken == nil {
			return published, nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}

func ingestible(key string) bool {
	for _, suffix := range []string{".log", ".json", ".json.gz", ".log.gz"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func (p *Puller) ingestObject(ctx context.Context, key string) (int, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get s3://%s/%s: %w", p.bucket, key, err)
	}
	defer out.Body.Close()

	var reader io.Reader = out.Body
	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return 0, fmt.Errorf("decompress %s: %w", key, err)
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return p.publishEvents(ctx, key, body)
}

func (p *Puller) publishEvents(ctx context.Context, key string, body []byte) (int, error) {
	// CloudTrail delivery files are one JSON object with a Records
	// array; each record becomes its own event.
	var trail struct {
		Records []map[string]interface{} `json:"Records"`
	}
	if err := json.Unmarshal(body, &trail); err == nil && len(trail.Records) > 0 {
		count := 0
		for _, record := range trail.Records {
			event := &models.Event{
				Source:    p.source + ".cloudtrail",
				EventType: "cloudtrail.event",
				Data:      record,
			}
			if ts, ok := record["eventTime"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					event.Timestamp = parsed
				}
			}
			event.Normalize(time.Now().UTC())
			if err := p.publisher.Publish(ctx, event); err != nil {
				return count, err
			}
			count++
		}
		return count, nil
	}

	// Everything else: JSON-lines, falling back to one event per line.
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), models.MaxDataBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := map[string]interface{}{"bucket": p.bucket, "key": key}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(line), &parsed); err == nil {
			for k, v := range parsed {
				data[k] = v
			}
		} else {
			data["message"] = line
		}
		event := &models.Event{
			Source:    p.source + ".s3",
			EventType: "s3.logs",
			Data:      data,
		}
		event.Normalize(time.Now().UTC())
		if err := p.publisher.Publish(ctx, event); err != nil {
			return count, err
		}
		count++
	}
	return count, scanner.Err()
}
