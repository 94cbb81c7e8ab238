package cloudpull

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/models"
)

// fakeBucket serves objects in lexical key order, honoring prefix and
// start-after the way S3 does.
type fakeBucket struct {
	objects map[string][]byte
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		if params.Prefix != nil && !strings.HasPrefix(k, *params.Prefix) {
			continue
		}
		if params.StartAfter != nil && k <= *params.StartAfter {
			continue
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeBucket) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body := f.objects[*params.Key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

type fakePublisher struct {
	events []*models.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event *models.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func gzipped(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestPuller(bucket *fakeBucket, pub *fakePublisher) *Puller {
	return New(bucket, pub, config.CloudSettings{
		LogBucket:    "audit-logs",
		SourceName:   "prod",
		PollInterval: 300,
	})
}

func TestPollExpandsCloudTrailRecords(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"trail/2026/08/24/events.json.gz": gzipped(t, `{"Records":[
			{"eventName":"ConsoleLogin","eventTime":"2026-08-24T10:00:00Z","userIdentity":{"userName":"alice"}},
			{"eventName":"DeleteBucket","eventTime":"2026-08-24T10:05:00Z"}
		]}`),
	}}
	pub := &fakePublisher{}
	p := newTestPuller(bucket, pub)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.events, 2)
	first := pub.events[0]
	assert.Equal(t, "aws.prod.cloudtrail", first.Source)
	assert.Equal(t, "cloudtrail.event", first.EventType)
	assert.Equal(t, "ConsoleLogin", first.Data["eventName"])
	assert.Equal(t, "2026-08-24T10:00:00Z", first.Timestamp.Format(time.RFC3339))
	assert.NoError(t, first.Validate())
}

func TestPollHandlesJSONLinesAndPlainText(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"svc/app.log": []byte(`{"level":"error","msg":"disk full"}` + "\n" +
			"plain text line\n"),
	}}
	pub := &fakePublisher{}
	p := newTestPuller(bucket, pub)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jsonEvent := pub.events[0]
	assert.Equal(t, "aws.prod.s3", jsonEvent.Source)
	assert.Equal(t, "s3.logs", jsonEvent.EventType)
	assert.Equal(t, "disk full", jsonEvent.Data["msg"])
	assert.Equal(t, "audit-logs", jsonEvent.Data["bucket"])
	assert.Equal(t, "svc/app.log", jsonEvent.Data["key"])

	plainEvent := pub.events[1]
	assert.Equal(t, "plain text line", plainEvent.Data["message"])
}

func TestPollCursorSkipsProcessedObjects(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"a.log": []byte("first\n"),
	}}
	pub := &fakePublisher{}
	p := newTestPuller(bucket, pub)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "already processed objects are not re-read")

	// A lexically later delivery is picked up on the next tick.
	bucket.objects["b.log"] = []byte("second\n")
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.events, 2)
}

func TestPollIgnoresNonLogObjects(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"manifest.checksum": []byte("abc"),
		"real.log":          []byte("entry\n"),
	}}
	pub := &fakePublisher{}
	p := newTestPuller(bucket, pub)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollPublishFailureResumesSameObject(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"a.log": []byte("entry\n"),
	}}
	pub := &fakePublisher{err: context.DeadlineExceeded}
	p := newTestPuller(bucket, pub)

	_, err := p.Poll(context.Background())
	require.Error(t, err)

	// Once the bus recovers the same object is retried.
	pub.err = nil
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
