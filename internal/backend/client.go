package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// connectTimeout bounds the time spent establishing a new TCP+TLS connection
// to the zone. It does not bound the lifetime of the request itself.
const connectTimeout = 30 * time.Second

// userAgent identifies this proxy to the storage zone.
const userAgent = "bleepstore-proxy/1.0"

// Config carries the per-zone settings a Client needs.
type Config struct {
	Zone      string
	AccessKey string
	Region    Region
}

// Client is an HTTP client for a single storage zone. It is safe for
// concurrent use; the underlying transport pools and reuses connections,
// including over HTTP/2 where the zone supports it.
type Client struct {
	http *http.Client
	cfg  Config
	base string
}

// New builds a Client with a bounded connect timeout (also used as the TLS
// handshake timeout) and HTTP/2 enabled on the outbound transport. The
// HTTP/2 flow-control windows are left at the library defaults; no
// per-stream or per-connection window size is set.
func New(cfg Config) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	// http2.ConfigureTransport enables HTTP/2 on base with the package's
	// default settings; no ping or read-idle timeouts are configured.
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	_ = http2.ConfigureTransport(base)

	return &Client{
		http: &http.Client{Transport: base},
		cfg:  cfg,
		base: cfg.Region.BaseURL(),
	}
}

// NewWithBaseURL builds a Client identical to New but pointed at an
// explicit base URL instead of one derived from cfg.Region. Used by tests
// to point a Client at an httptest.Server standing in for the zone.
func NewWithBaseURL(base string, cfg Config) *Client {
	c := New(cfg)
	c.base = base
	return c
}

// Fresh returns a Client sharing this one's configuration but with a
// dedicated HTTP client, so a caller that needs a cold connection pool
// (multipart completion's final assembly stream, which can run for a long
// time and should not compete with ordinary request traffic for pooled
// connections) can get one cheaply.
func (c *Client) Fresh() *Client {
	fresh := New(c.cfg)
	fresh.base = c.base
	return fresh
}

func (c *Client) buildURL(path string) string {
	clean := strings.TrimPrefix(path, "/")
	return fmt.Sprintf("%s/%s/%s", c.base, c.cfg.Zone, clean)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("AccessKey", c.cfg.AccessKey)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// ErrNotFound is returned when the zone reports the requested path does not exist.
var ErrNotFound = fmt.Errorf("backend: not found")

// ErrAccessDenied is returned when the zone rejects the configured access key.
var ErrAccessDenied = fmt.Errorf("backend: access denied")

// APIError wraps an unexpected non-2xx response from the zone.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: zone returned unexpected status %d", e.StatusCode)
}

// List returns the immediate entries under path (a directory listing, not
// recursive). A missing directory is reported as an empty slice, not an error.
func (c *Client) List(ctx context.Context, path string) ([]Object, error) {
	listPath := strings.TrimSuffix(path, "/") + "/"
	req, err := c.newRequest(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var objs []Object
		if err := json.NewDecoder(resp.Body).Decode(&objs); err != nil {
			return nil, fmt.Errorf("backend: decoding list response: %w", err)
		}
		return objs, nil
	case http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, ErrAccessDenied
	default:
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
}

// ListRecursive walks the zone's directory tree under prefix, returning up
// to maxKeys files (directories themselves are not included in the result).
// The walk is iterative (an explicit stack), not recursive, so depth is
// bounded only by available memory.
func (c *Client) ListRecursive(ctx context.Context, prefix string, maxKeys int) ([]Object, error) {
	var files []Object
	stack := []string{prefix}

	for len(stack) > 0 {
		if maxKeys > 0 && len(files) >= maxKeys {
			break
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := c.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDirectory {
				stack = append(stack, e.FullPath())
				continue
			}
			files = append(files, e)
			if maxKeys > 0 && len(files) >= maxKeys {
				break
			}
		}
	}
	return files, nil
}

// Describe fetches metadata for a single object via the zone's non-standard
// DESCRIBE HTTP method, without transferring the object body.
func (c *Client) Describe(ctx context.Context, path string) (*Object, error) {
	req, err := c.newRequest(ctx, "DESCRIBE", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var obj Object
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
			return nil, fmt.Errorf("backend: decoding describe response: %w", err)
		}
		return &obj, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		return nil, ErrAccessDenied
	default:
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
}

// DownloadResponse wraps a live response body from the zone for an object
// download. The caller must call Close (directly or via Bytes) when done.
type DownloadResponse struct {
	resp *http.Response
}

// ContentLength returns the response's declared length, or -1 if unknown.
func (d *DownloadResponse) ContentLength() int64 { return d.resp.ContentLength }

// ContentType returns the response's Content-Type header.
func (d *DownloadResponse) ContentType() string { return d.resp.Header.Get("Content-Type") }

// ETag returns the response's ETag header.
func (d *DownloadResponse) ETag() string { return d.resp.Header.Get("ETag") }

// LastModified returns the response's Last-Modified header, unparsed.
func (d *DownloadResponse) LastModified() string { return d.resp.Header.Get("Last-Modified") }

// Reader exposes the response body as a stream, for callers that want to
// relay it onward (e.g. directly into an S3 GetObject response) without
// buffering.
func (d *DownloadResponse) Reader() io.ReadCloser { return d.resp.Body }

// Bytes reads the entire body into memory and closes it. Only appropriate
// for small, known-bounded payloads (e.g. multipart part metadata).
func (d *DownloadResponse) Bytes() ([]byte, error) {
	defer d.resp.Body.Close()
	return io.ReadAll(d.resp.Body)
}

// Close releases the underlying response body.
func (d *DownloadResponse) Close() error { return d.resp.Body.Close() }

// Download streams an object's body from the zone.
func (c *Client) Download(ctx context.Context, path string) (*DownloadResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &DownloadResponse{resp: resp}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrAccessDenied
	default:
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
}

func (c *Client) setUploadHeaders(req *http.Request, opts UploadOptions) {
	req.Header.Set("Content-Type", "application/octet-stream")
	if opts.SHA256Checksum != "" {
		req.Header.Set("Checksum", opts.SHA256Checksum)
	}
	if opts.ContentType != "" {
		req.Header.Set("Override-Content-Type", opts.ContentType)
	}
}

func (c *Client) doUpload(ctx context.Context, path string, body io.Reader, contentLength int64, opts UploadOptions) error {
	req, err := c.newRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	if contentLength >= 0 {
		req.ContentLength = contentLength
		req.Header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	c.setUploadHeaders(req, opts)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("backend: invalid path or checksum")
	case http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return &APIError{StatusCode: resp.StatusCode}
	}
}

// Upload stores the full, already-in-memory body at path.
func (c *Client) Upload(ctx context.Context, path string, body []byte, opts UploadOptions) error {
	return c.doUpload(ctx, path, bytes.NewReader(body), int64(len(body)), opts)
}

// UploadStream stores a streamed body at path without buffering it. When
// contentLength is unknown, pass -1 and the body streams chunked.
func (c *Client) UploadStream(ctx context.Context, path string, body io.Reader, contentLength int64, opts UploadOptions) error {
	return c.doUpload(ctx, path, body, contentLength, opts)
}

// Delete removes an object. A missing or already-gone object is treated as
// success: the zone's delete is idempotent, and so is this method.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusBadRequest:
		return nil
	case http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return &APIError{StatusCode: resp.StatusCode}
	}
}

// Copy duplicates an object server-side. The zone exposes no native copy
// primitive, so this falls back to a download-then-upload round trip, as
// the reference implementation this proxy is modeled on also does.
func (c *Client) Copy(ctx context.Context, srcPath, dstPath string) error {
	dl, err := c.Download(ctx, srcPath)
	if err != nil {
		return err
	}
	data, err := dl.Bytes()
	if err != nil {
		return err
	}
	return c.Upload(ctx, dstPath, data, UploadOptions{ContentType: dl.ContentType()})
}

// HealthCheck verifies the zone is reachable and the access key is accepted.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.List(ctx, "/")
	if err == ErrAccessDenied {
		return err
	}
	if _, ok := err.(*APIError); ok {
		return err
	}
	return nil
}
