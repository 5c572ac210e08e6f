// Package fetch downloads the frame image over HTTP with a disk cache and
// change detection.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"photoframe/internal/convert"
	appLog "photoframe/internal/log"
)

const (
	// TokenHeader carries the photo token, if configured.
	TokenHeader = "X-Photo-Token"

	// MaxBodyBytes bounds a downloaded image.
	MaxBodyBytes = 4 << 20

	defaultTimeout = 20 * time.Second
)

// Result is the outcome of one fetch.
type Result struct {
	Body       []byte
	SHA256     string
	Format     convert.Format
	StatusCode int
	// Changed reports whether SHA256 differs from the previous digest.
	Changed bool
	// FromCache is true if Body came from disk (304 or fallback).
	FromCache bool
	// Stale is set when the server could not be reached or answered with an
	// error and Body is the cached copy. StaleReason says why.
	Stale       bool
	StaleReason string
}

// StatusError is a non-success HTTP response with no usable cache.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	msg := "fetch: unexpected status: " + e.Status
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		msg += ", check " + TokenHeader
	}
	return msg
}

// cacheEntry holds HTTP cache metadata for the image URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	SHA256       string    `json:"sha256"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads images, honoring ETag/Last-Modified with a
// disk-backed cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	token    string
	maxBytes int64
}

// Opts tunes a Fetcher.
type Opts struct {
	Client   *http.Client
	Token    string
	MaxBytes int64
}

// NewFetcher creates a Fetcher caching under cacheDir, e.g.
// "/var/lib/photoframe/cache".
func NewFetcher(cacheDir string, opts *Opts) *Fetcher {
	if cacheDir == "" {
		// Caller should set this explicitly; fall back to a relative dir
		// so that development runs without root permissions.
		cacheDir = "./var/cache"
	}
	f := &Fetcher{
		client:   &http.Client{Timeout: defaultTimeout},
		cacheDir: cacheDir,
		maxBytes: MaxBodyBytes,
	}
	if opts != nil {
		if opts.Client != nil {
			f.client = opts.Client
		}
		f.token = opts.Token
		if opts.MaxBytes > 0 {
			f.maxBytes = opts.MaxBytes
		}
	}
	return f
}

// Fetch downloads rawURL. previousSHA is the digest of the image currently
// on the panel and only drives Result.Changed. On network failure or a
// non-OK status the cached body, if any, is returned instead of an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, previousSHA string) (Result, error) {
	if rawURL == "" {
		return Result{}, errors.New("fetch: image URL is empty")
	}

	cachePath := f.cachePathForURL(rawURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Result{}, fmt.Errorf("fetch: cache dir: %w", err)
	}
	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request: %w", err)
	}
	if f.token != "" {
		req.Header.Set(TokenHeader, f.token)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("image fetch start", "url", redactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("image fetch network error, using cached body", err, "url", redactURL(rawURL))
			return f.stale(cachedBody, 0, previousSHA, fmt.Errorf("fetch: %w", err))
		}
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return Result{}, fmt.Errorf("fetch: read body: %w", err)
		}
		if int64(len(body)) > f.maxBytes {
			return Result{}, fmt.Errorf("fetch: body exceeds %d bytes", f.maxBytes)
		}
		if len(body) == 0 {
			return Result{}, errors.New("fetch: empty body")
		}

		res, err := f.result(body, resp.StatusCode, previousSHA, false)
		if err != nil {
			return Result{}, err
		}
		newMeta := cacheEntry{
			URL:          rawURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			SHA256:       res.SHA256,
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("image cache save failed", err, "url", redactURL(rawURL))
		}
		appLog.Info("image fetch success",
			"url", redactURL(rawURL),
			"bytes", len(body),
			"format", res.Format,
			"sha256", res.SHA256,
			"changed", res.Changed,
		)
		return res, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Result{}, errors.New("fetch: received 304 Not Modified but no cached body available")
		}
		appLog.Info("image fetch not modified; using cache", "url", redactURL(rawURL))
		return f.result(cachedBody, resp.StatusCode, previousSHA, true)

	default:
		if len(cachedBody) > 0 {
			appLog.Error("image fetch non-OK, using cached body", errors.New(resp.Status),
				"url", redactURL(rawURL), "status", resp.StatusCode)
			return f.stale(cachedBody, resp.StatusCode, previousSHA,
				&StatusError{Code: resp.StatusCode, Status: resp.Status})
		}
		return Result{StatusCode: resp.StatusCode}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (f *Fetcher) result(body []byte, status int, previousSHA string, fromCache bool) (Result, error) {
	format := convert.Sniff(body)
	if format == convert.Unknown {
		return Result{StatusCode: status}, errors.New("fetch: body is not a BMP, JPEG or PNG image")
	}
	sum := Digest(body)
	return Result{
		Body:       body,
		SHA256:     sum,
		Format:     format,
		StatusCode: status,
		Changed:    sum != previousSHA,
		FromCache:  fromCache,
	}, nil
}

func (f *Fetcher) stale(body []byte, status int, previousSHA string, cause error) (Result, error) {
	res, err := f.result(body, status, previousSHA, true)
	if err != nil {
		return res, err
	}
	res.Stale = true
	res.StaleReason = cause.Error()
	return res, nil
}

// Digest returns the hex sha256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.img"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.img"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
