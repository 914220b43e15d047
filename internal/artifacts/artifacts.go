// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package artifacts downloads and validates workflow-run artifact
// archives. Signed download URLs are short-lived, so they are cached
// for well under their advertised lifetime and re-resolved when the
// platform reports them expired.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"flakeguard/internal/backoff"
)

// Error tags for artifact download failures. Expired URLs are
// retryable after a refresh; size and format violations are not.
var (
	TooLargeTag   = errors.BoolTag{Key: errors.NewTagKey("the artifact exceeds the size cap")}
	ExpiredTag    = errors.BoolTag{Key: errors.NewTagKey("the artifact download URL has expired")}
	InvalidZipTag = errors.BoolTag{Key: errors.NewTagKey("the downloaded artifact is not a ZIP archive")}
)

var zipMagic = [2]byte{0x50, 0x4B}

var downloadedBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "flakeguard_artifact_bytes",
	Help:    "Downloaded artifact archive sizes in bytes.",
	Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
})

// URLResolver resolves an artifact's signed download URL. Implemented
// by the platform client.
type URLResolver interface {
	ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error)
}

// Ref identifies one artifact to download.
type Ref struct {
	Owner     string
	Repo      string
	ID        int64
	Name      string
	SizeBytes int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s artifact %d (%s)", r.Owner, r.Repo, r.ID, r.Name)
}

// Options configure a Handler.
type Options struct {
	// MaxSizeBytes caps a single artifact download.
	MaxSizeBytes int64
	// StreamChunkSize is the copy buffer size for streamed downloads.
	StreamChunkSize int
	// URLCacheTTL is how long resolved signed URLs are reused. It must
	// stay well under the upstream URL lifetime (~60s), e.g. 50s.
	URLCacheTTL time.Duration
	// Retry is the download retry schedule.
	Retry backoff.Policy
}

type cachedURL struct {
	url        string
	resolvedAt time.Time
}

// Handler downloads artifact archives.
type Handler struct {
	opts     Options
	resolver URLResolver
	http     *http.Client

	mu    sync.RWMutex
	cache map[int64]cachedURL
}

// NewHandler returns a Handler downloading through client (or
// http.DefaultClient when nil).
func NewHandler(opts Options, resolver URLResolver, client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{
		opts:     opts,
		resolver: resolver,
		http:     client,
		cache:    map[int64]cachedURL{},
	}
}

// resolveURL returns a usable signed URL for the artifact, consulting
// the cache first. force bypasses the cache after an expiry signal.
func (h *Handler) resolveURL(ctx context.Context, ref Ref, force bool) (string, error) {
	if !force {
		h.mu.RLock()
		entry, ok := h.cache[ref.ID]
		h.mu.RUnlock()
		if ok && clock.Now(ctx).Sub(entry.resolvedAt) < h.opts.URLCacheTTL {
			return entry.url, nil
		}
	}
	u, err := h.resolver.ArtifactDownloadURL(ctx, ref.Owner, ref.Repo, ref.ID)
	if err != nil {
		return "", errors.Annotate(err, "resolve URL for %s", ref).Err()
	}
	h.mu.Lock()
	h.cache[ref.ID] = cachedURL{url: u, resolvedAt: clock.Now(ctx)}
	h.mu.Unlock()
	return u, nil
}

// Download fetches the whole artifact into memory and validates it.
func (h *Handler) Download(ctx context.Context, ref Ref) ([]byte, error) {
	var body []byte
	err := h.withRetries(ctx, ref, func(url string) error {
		b, err := h.fetch(ctx, ref, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := Validate(body, h.opts.MaxSizeBytes); err != nil {
		return nil, errors.Annotate(err, "%s", ref).Err()
	}
	downloadedBytes.Observe(float64(len(body)))
	return body, nil
}

// DownloadTo streams the artifact into w in chunks, honoring the
// running byte cap and resuming with a range request after a retriable
// mid-stream failure. It returns the bytes written.
func (h *Handler) DownloadTo(ctx context.Context, ref Ref, w io.Writer) (int64, error) {
	var written int64
	validated := false
	err := h.withRetries(ctx, ref, func(url string) error {
		n, err := h.streamFrom(ctx, ref, url, w, written, &validated)
		written += n
		return err
	})
	if err != nil {
		return written, err
	}
	if written == 0 {
		return 0, errors.Reason("%s: empty artifact", ref).Tag(InvalidZipTag).Err()
	}
	downloadedBytes.Observe(float64(written))
	return written, nil
}

// withRetries drives op through the retry policy, re-resolving the
// signed URL once it is reported expired.
func (h *Handler) withRetries(ctx context.Context, ref Ref, op func(url string) error) error {
	force := false
	return retry.Retry(ctx, h.opts.Retry.Factory(), func() error {
		url, err := h.resolveURL(ctx, ref, force)
		if err != nil {
			return err
		}
		err = op(url)
		if ExpiredTag.In(err) {
			// Refresh on the next attempt and keep the error retryable.
			force = true
			return transient.Tag.Apply(err)
		}
		force = false
		return err
	}, retry.LogCallback(ctx, fmt.Sprintf("download %s", ref)))
}

// fetch performs one buffered download attempt.
func (h *Handler) fetch(ctx context.Context, ref Ref, url string) ([]byte, error) {
	resp, err := h.get(ctx, ref, url, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxSizeBytes+1))
	if err != nil {
		if backoff.RetryableNetError(err) {
			return nil, transient.Tag.Apply(errors.Annotate(err, "%s: read body", ref).Err())
		}
		return nil, errors.Annotate(err, "%s: read body", ref).Err()
	}
	if int64(len(body)) > h.opts.MaxSizeBytes {
		return nil, errors.Reason("%s: exceeds cap of %s", ref,
			humanize.IBytes(uint64(h.opts.MaxSizeBytes))).Tag(TooLargeTag).Err()
	}
	return body, nil
}

// streamFrom copies the body from offset into w, chunk by chunk.
func (h *Handler) streamFrom(ctx context.Context, ref Ref, url string, w io.Writer, offset int64, validated *bool) (int64, error) {
	resp, err := h.get(ctx, ref, url, offset)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// The server restarted from zero; we cannot resume into w.
		return 0, errors.Reason("%s: range request not honored (status %d)", ref, resp.StatusCode).Err()
	}

	var written int64
	// head collects the first bytes across short reads until the magic
	// can be judged.
	var head []byte
	buf := make([]byte, h.opts.StreamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if offset == 0 && !*validated {
				if len(head) < 2 {
					head = append(head, buf[:n]...)
					if len(head) > 2 {
						head = head[:2]
					}
				}
				if len(head) >= 2 {
					if head[0] != zipMagic[0] || head[1] != zipMagic[1] {
						return written, errors.Reason("%s: missing ZIP magic", ref).Tag(InvalidZipTag).Err()
					}
					*validated = true
				}
			}
			if offset+written+int64(n) > h.opts.MaxSizeBytes {
				return written, errors.Reason("%s: exceeds cap of %s", ref,
					humanize.IBytes(uint64(h.opts.MaxSizeBytes))).Tag(TooLargeTag).Err()
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, errors.Annotate(err, "%s: write chunk", ref).Err()
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			if offset == 0 && !*validated && written > 0 {
				// Fewer than two bytes total cannot be an archive.
				return written, errors.Reason("%s: missing ZIP magic", ref).Tag(InvalidZipTag).Err()
			}
			return written, nil
		}
		if readErr != nil {
			if backoff.RetryableNetError(readErr) {
				logging.Warningf(ctx, "%s: stream interrupted after %s, will resume",
					ref, humanize.IBytes(uint64(offset+written)))
				return written, transient.Tag.Apply(errors.Annotate(readErr, "%s: stream", ref).Err())
			}
			return written, errors.Annotate(readErr, "%s: stream", ref).Err()
		}
	}
}

// get issues the HTTP request for an artifact body at offset.
func (h *Handler) get(ctx context.Context, ref Ref, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Annotate(err, "%s: build request", ref).Err()
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := h.http.Do(req)
	if err != nil {
		if backoff.RetryableNetError(err) {
			return nil, transient.Tag.Apply(errors.Annotate(err, "%s: fetch", ref).Err())
		}
		return nil, errors.Annotate(err, "%s: fetch", ref).Err()
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return resp, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, errors.Reason("%s: signed URL rejected (status %d)", ref, resp.StatusCode).Tag(ExpiredTag).Err()
	case backoff.RetryableStatus(resp.StatusCode):
		resp.Body.Close()
		return nil, transient.Tag.Apply(errors.Reason("%s: status %d", ref, resp.StatusCode).Err())
	default:
		resp.Body.Close()
		return nil, errors.Reason("%s: status %d", ref, resp.StatusCode).Err()
	}
}

// Validate checks a fully buffered artifact body: non-empty, within
// the size cap, and carrying the ZIP magic.
func Validate(body []byte, maxSize int64) error {
	if len(body) == 0 {
		return errors.Reason("empty artifact").Tag(InvalidZipTag).Err()
	}
	if int64(len(body)) > maxSize {
		return errors.Reason("artifact of %s exceeds cap of %s",
			humanize.IBytes(uint64(len(body))), humanize.IBytes(uint64(maxSize))).Tag(TooLargeTag).Err()
	}
	if body[0] != zipMagic[0] || body[1] != zipMagic[1] {
		return errors.Reason("missing ZIP magic").Tag(InvalidZipTag).Err()
	}
	return nil
}
