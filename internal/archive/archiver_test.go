package archive

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failPut error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut != nil {
		return nil, b.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

var archiveDay = time.Date(2025, 3, 7, 23, 30, 0, 0, time.UTC)

func newTestArchiver(t *testing.T, bucket *fakeBucket) (*Archiver, *eventlog.Logger) {
	t.Helper()
	log, err := eventlog.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	a := New(S3Config{Bucket: "logs", Prefix: "/studio/", AccessKeyID: "k", SecretAccessKey: "s"}, time.Hour, log)
	a.client = bucket
	a.now = func() time.Time { return archiveDay }
	return a, log
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "studio/2025/03/07/events.jsonl", ObjectKey("/studio/", "events.jsonl", archiveDay))
	assert.Equal(t, "2025/03/07/events.jsonl", ObjectKey("", "events.jsonl", archiveDay))

	local := time.Date(2025, 3, 8, 0, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "a/b/2025/03/07/x", ObjectKey("a/b", "x", local))
}

func TestRunUploadsRotatedLog(t *testing.T) {
	bucket := newFakeBucket()
	a, log := newTestArchiver(t, bucket)

	require.NoError(t, log.LogDevice(true, "mic", "Mic", "capture", "standard", 0))
	require.NoError(t, a.Run(context.Background()))

	require.Len(t, bucket.objects, 1)
	for key, data := range bucket.objects {
		assert.Regexp(t, `^logs/studio/2025/03/07/events-.*\.jsonl$`, key)
		assert.Contains(t, string(data), `"device_active"`)
	}
	assert.Empty(t, a.Pending())

	events, _, err := eventlog.ReadLast(log.Path(), 10, 0, eventlog.FilterSystem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.ArchiveUploaded, events[0].Type)
}

func TestRunNothingToArchive(t *testing.T) {
	bucket := newFakeBucket()
	a, _ := newTestArchiver(t, bucket)

	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, bucket.objects)
}

func TestRunRetriesFailedUploads(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failPut = errors.New("503 slow down")
	a, log := newTestArchiver(t, bucket)

	require.NoError(t, log.LogDevice(true, "mic", "Mic", "capture", "standard", 0))
	err := a.Run(context.Background())
	require.ErrorContains(t, err, "slow down")
	pending := a.Pending()
	require.Len(t, pending, 1)
	assert.FileExists(t, pending[0])

	bucket.failPut = nil
	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, a.Pending())
	assert.NoFileExists(t, pending[0])
	// the failed first run and its archive_failed event are both uploaded
	assert.Len(t, bucket.objects, 2)
}

func TestStopFlushesPending(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failPut = errors.New("offline")
	a, log := newTestArchiver(t, bucket)

	require.NoError(t, log.LogDevice(false, "mic", "Mic", "capture", "standard", time.Second))
	require.Error(t, a.Run(context.Background()))
	require.Len(t, a.Pending(), 1)

	a.Start()
	bucket.mu.Lock()
	bucket.failPut = nil
	bucket.mu.Unlock()

	require.NoError(t, a.Stop())
	assert.Empty(t, a.Pending())
	assert.Len(t, bucket.objects, 1)
}

func TestConnectionRoundTrip(t *testing.T) {
	bucket := newFakeBucket()
	cfg := &S3Config{Bucket: "logs", Prefix: "studio", AccessKeyID: "k", SecretAccessKey: "s"}

	require.NoError(t, testConnection(context.Background(), bucket, cfg))
	assert.Empty(t, bucket.objects)
	require.Len(t, bucket.deleted, 1)
	assert.Contains(t, bucket.deleted[0], "logs/studio/")

	assert.Error(t, TestConnection(context.Background(), &S3Config{}))
}
