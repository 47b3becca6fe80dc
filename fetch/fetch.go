// Package fetch performs bounded HTTP retrieval of pages and their assets.
//
// Two asset flavours are supported: text (the page itself, stylesheets)
// and binary (images). Both enforce a hard size ceiling, checked twice:
// optimistically against the declared Content-Length so oversized assets
// fail before their body is read, then against the bytes actually
// received.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultMaxAssetSize is the per-asset size ceiling: 8 MiB.
const DefaultMaxAssetSize = 8 << 20

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/122.0 Safari/537.36"

// ErrAssetTooLarge means the declared or received size exceeds the ceiling.
var ErrAssetTooLarge = errors.New("asset exceeds size ceiling")

// FetchError reports a failed retrieval with the failing URL attached.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// TextAsset is a fetched text resource.
type TextAsset struct {
	Content  string
	MIMEType string
	Charset  string // "utf-8" when the response did not declare one
}

// BinaryAsset is a fetched binary resource.
type BinaryAsset struct {
	Data     []byte
	MIMEType string
}

// PageResult is a fetched HTML page plus its post-redirect URL.
type PageResult struct {
	HTML     string
	FinalURL string
}

// Config configures the fetcher.
type Config struct {
	MaxAssetSize   int64         // per-asset ceiling. Default: 8 MiB.
	ConnectTimeout time.Duration // TCP connect timeout. Default: 10s.
	Timeout        time.Duration // overall request timeout. Default: 30s.
	UserAgent      string
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxAssetSize <= 0 {
		c.MaxAssetSize = DefaultMaxAssetSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher performs size-bounded HTTP GETs with redirect following.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				Proxy: http.ProxyFromEnvironment,
			},
		},
		config: cfg,
	}
}

// Page retrieves an HTML page and reports the final URL after redirects.
func (f *Fetcher) Page(ctx context.Context, pageURL string) (*PageResult, error) {
	resp, err := f.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := f.readBody(pageURL, resp)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	return &PageResult{
		HTML:     string(body),
		FinalURL: resp.Request.URL.String(),
	}, nil
}

// Text retrieves a text asset with its MIME type and charset.
func (f *Fetcher) Text(ctx context.Context, assetURL string) (*TextAsset, error) {
	resp, err := f.get(ctx, assetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := f.readBody(assetURL, resp)
	if err != nil {
		return nil, &FetchError{URL: assetURL, Err: err}
	}

	mimeType, charset := splitContentType(resp.Header.Get("Content-Type"))
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if charset == "" {
		charset = "utf-8"
	}
	return &TextAsset{Content: string(body), MIMEType: mimeType, Charset: charset}, nil
}

// Binary retrieves raw bytes with a resolved MIME type: from the response
// header when declared, else inferred from the URL's extension, else a
// generic binary fallback.
func (f *Fetcher) Binary(ctx context.Context, assetURL string) (*BinaryAsset, error) {
	resp, err := f.get(ctx, assetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := f.readBody(assetURL, resp)
	if err != nil {
		return nil, &FetchError{URL: assetURL, Err: err}
	}

	mimeType, _ := splitContentType(resp.Header.Get("Content-Type"))
	if mimeType == "" {
		mimeType = typeByExtension(assetURL)
	}
	return &BinaryAsset{Data: body, MIMEType: mimeType}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.config.Logger.Warn("request failed", "url", rawURL, "error", err)
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		f.config.Logger.Warn("unexpected status", "url", rawURL, "status", resp.StatusCode)
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	// Optimistic ceiling check: a parseable Content-Length above the limit
	// fails before the body is read.
	if resp.ContentLength > f.config.MaxAssetSize {
		resp.Body.Close()
		f.config.Logger.Warn("asset too large",
			"url", rawURL, "content_length", resp.ContentLength, "max", f.config.MaxAssetSize)
		return nil, &FetchError{URL: rawURL, Err: ErrAssetTooLarge}
	}
	return resp, nil
}

// readBody reads at most MaxAssetSize bytes and fails when the body is larger.
func (f *Fetcher) readBody(rawURL string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.config.MaxAssetSize {
		f.config.Logger.Warn("asset too large", "url", rawURL, "max", f.config.MaxAssetSize)
		return nil, ErrAssetTooLarge
	}
	return body, nil
}

// splitContentType returns the media type and charset parameter of a
// Content-Type header value.
func splitContentType(v string) (mimeType, charset string) {
	if v == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		// Malformed header: keep whatever precedes the parameters.
		if i := strings.IndexByte(v, ';'); i >= 0 {
			return strings.TrimSpace(v[:i]), ""
		}
		return strings.TrimSpace(v), ""
	}
	return mt, strings.ToLower(params["charset"])
}

// typeByExtension guesses a MIME type from the URL path extension.
func typeByExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			mt, _ := splitContentType(t)
			return mt
		}
	}
	return "application/octet-stream"
}
