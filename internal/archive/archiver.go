// Package archive periodically rotates the event log and uploads the
// rotated files to S3-compatible storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// uploadTimeout bounds the upload of one file.
const uploadTimeout = 5 * time.Minute

// EventLog is the part of the event log the archiver needs.
type EventLog interface {
	Rotate() (string, error)
	LogSystem(eventType eventlog.EventType, message string, details *eventlog.SystemDetails) error
}

// Archiver uploads rotated event logs on a fixed interval. Files that fail
// to upload stay on disk and are retried on the next run.
type Archiver struct {
	cfg      S3Config
	interval time.Duration
	client   objectAPI
	log      EventLog
	now      func() time.Time

	mu      sync.Mutex
	pending []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an Archiver for the given storage and event log.
func New(cfg S3Config, interval time.Duration, log EventLog) *Archiver {
	return &Archiver{
		cfg:      cfg,
		interval: interval,
		client:   newS3Client(&cfg),
		log:      log,
		now:      time.Now,
	}
}

// Start begins periodic archiving.
func (a *Archiver) Start() {
	a.stopCh = make(chan struct{})
	a.wg.Go(func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				if err := a.Run(context.Background()); err != nil {
					slog.Error("event log archive failed", "error", err)
				}
			}
		}
	})
	slog.Info("event log archiving enabled", "bucket", a.cfg.Bucket, "interval", a.interval)
}

// Stop ends periodic archiving, waits for a running upload and makes one
// last attempt at files from earlier failed uploads.
func (a *Archiver) Stop() error {
	if a.stopCh == nil {
		return nil
	}
	close(a.stopCh)
	a.wg.Wait()
	a.stopCh = nil

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

// Run rotates the event log and uploads every file waiting for upload.
func (a *Archiver) Run(ctx context.Context) error {
	rotated, err := a.log.Rotate()
	if err != nil {
		return util.WrapError("rotate event log", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if rotated != "" {
		a.pending = append(a.pending, rotated)
	}
	return a.flushLocked(ctx)
}

// flushLocked uploads every pending file. Caller must hold a.mu.
func (a *Archiver) flushLocked(ctx context.Context) error {
	var errs []error
	remaining := a.pending[:0]
	for _, file := range a.pending {
		key, err := a.upload(ctx, file)
		if err != nil {
			errs = append(errs, err)
			remaining = append(remaining, file)
			a.logResult(eventlog.ArchiveFailed, file, key, err)
			continue
		}
		if err := os.Remove(file); err != nil {
			slog.Warn("failed to remove archived event log", "path", file, "error", err)
		}
		a.logResult(eventlog.ArchiveUploaded, file, key, nil)
	}
	a.pending = slices.Clip(remaining)

	return errors.Join(errs...)
}

// Pending returns the files still waiting for upload.
func (a *Archiver) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.pending)
}

func (a *Archiver) upload(ctx context.Context, file string) (string, error) {
	key := ObjectKey(a.cfg.Prefix, filepath.Base(file), a.now())

	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	f, err := os.Open(file)
	if err != nil {
		return key, util.WrapError("open "+filepath.Base(file), err)
	}
	defer util.SafeCloseFunc(f, "archived event log")()

	info, err := f.Stat()
	if err != nil {
		return key, util.WrapError("stat "+filepath.Base(file), err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return key, fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func (a *Archiver) logResult(eventType eventlog.EventType, file, key string, err error) {
	details := &eventlog.SystemDetails{Key: key}
	msg := "archived " + filepath.Base(file)
	if err != nil {
		details.Error = err.Error()
		msg = "failed to archive " + filepath.Base(file)
		slog.Warn("event log upload failed", "path", file, "key", key, "error", err)
	} else {
		slog.Info("event log archived", "key", key)
	}
	if logErr := a.log.LogSystem(eventType, msg, details); logErr != nil {
		slog.Warn("failed to log archive result", "error", logErr)
	}
}
