package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

const (
	githubReleasesURL = "https://api.github.com/repos/oszuidwest/zwfm-audiowatch/releases/latest"

	releaseCheckInterval = 24 * time.Hour
	releaseFirstCheck    = 30 * time.Second
	releaseRetryDelay    = time.Minute
	releaseCheckTimeout  = 30 * time.Second
)

// errNoRelease means the repository has no published stable release.
var errNoRelease = errors.New("no stable release published")

// VersionChecker looks up the latest release once a day and reports whether
// the running build is behind. Failed lookups are retried with a growing
// delay. It is safe for concurrent use.
type VersionChecker struct {
	url     string
	client  *http.Client
	backoff *util.Backoff

	mu        sync.RWMutex
	latest    string
	etag      string
	checkedAt time.Time
	lastErr   error

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewVersionChecker returns a VersionChecker querying the GitHub releases API.
// Call Start to begin checking.
func NewVersionChecker() *VersionChecker {
	return newVersionChecker(githubReleasesURL, &http.Client{Timeout: releaseCheckTimeout})
}

func newVersionChecker(url string, client *http.Client) *VersionChecker {
	return &VersionChecker{
		url:     url,
		client:  client,
		backoff: util.NewBackoff(releaseRetryDelay, releaseCheckInterval),
		stop:    make(chan struct{}),
	}
}

// Start schedules the first lookup shortly after startup.
func (vc *VersionChecker) Start() {
	vc.wg.Go(vc.run)
}

// Stop ends the lookups and waits for one in flight to finish.
func (vc *VersionChecker) Stop() {
	vc.once.Do(func() { close(vc.stop) })
	vc.wg.Wait()
}

func (vc *VersionChecker) run() {
	timer := time.NewTimer(releaseFirstCheck)
	defer timer.Stop()

	for {
		select {
		case <-vc.stop:
			return
		case <-timer.C:
		}
		timer.Reset(vc.checkOnce())
	}
}

// checkOnce runs one lookup and returns the delay until the next.
func (vc *VersionChecker) checkOnce() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), releaseCheckTimeout)
	defer cancel()

	err := vc.check(ctx)
	if err == nil || errors.Is(err, errNoRelease) {
		vc.backoff.Reset()
		return releaseCheckInterval
	}
	delay := vc.backoff.Next()
	slog.Debug("release check failed", "error", err, "retry_in", delay, "failures", vc.backoff.Failures())
	return delay
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release and records the outcome for Info.
func (vc *VersionChecker) check(ctx context.Context) error {
	latest, err := vc.fetch(ctx)

	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.checkedAt = time.Now()
	vc.lastErr = err
	if err == nil && latest != "" {
		vc.latest = latest
	}
	return err
}

// fetch returns the latest stable version, or "" when it is unchanged since
// the previous lookup.
func (vc *VersionChecker) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.url, http.NoBody)
	if err != nil {
		return "", util.WrapError("create release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-audiowatch/"+Version)

	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return "", util.WrapError("fetch latest release", err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response body")()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return "", nil
	case http.StatusNotFound:
		return "", errNoRelease
	default:
		return "", fmt.Errorf("release lookup returned %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease || release.TagName == "" {
		return "", errNoRelease
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.mu.Lock()
		vc.etag = etag
		vc.mu.Unlock()
	}
	return normalizeVersion(release.TagName), nil
}

// Info returns the running build and the outcome of the last lookup.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: util.HumanBuildTime(BuildTime),
	}
	if !vc.checkedAt.IsZero() {
		info.CheckedAt = vc.checkedAt.UTC().Format(time.RFC3339)
	}
	if vc.lastErr != nil && !errors.Is(vc.lastErr, errNoRelease) {
		info.CheckError = vc.lastErr.Error()
	}
	// Dev builds have no semver and never report updates.
	if vc.latest != "" && semver.IsValid(canonicalVersion(current)) {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}
	return info
}

// normalizeVersion returns the version without its "v" prefix.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// canonicalVersion returns v with the "v" prefix semver expects.
func canonicalVersion(v string) string {
	return "v" + normalizeVersion(v)
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}
