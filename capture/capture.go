// Package capture orchestrates a full page snapshot: fetch the page,
// inline its assets, annotate its images, extract its transcript.
//
// A capture is fatal only at the page level (unreachable page, size
// violation); individual stylesheet or image failures degrade to the
// original reference surviving in the output.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/hazyhaar/pagegrab/extract"
	"github.com/hazyhaar/pagegrab/fetch"
	"github.com/hazyhaar/pagegrab/inline"
	"github.com/hazyhaar/pagegrab/ocr"
)

// PageAssets is the immutable result of one capture.
type PageAssets struct {
	HTML         string // inlined document, provenance-prefixed
	Text         string // rendered transcript with image summaries
	Markdown     string // Markdown rendition of the original page, "" on conversion failure
	FinalURL     string // post-redirect URL
	Images       []ocr.ImageSummary
	OCRAvailable bool
}

// CaptureError wraps an unrecoverable page-level failure.
type CaptureError struct {
	URL string
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture %s: %v", e.URL, e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// Config configures the capture service.
type Config struct {
	Fetcher   *fetch.Fetcher
	Annotator *ocr.Annotator
	Workers   int // concurrent asset fetches per capture
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service runs captures.
type Service struct {
	fetcher   *fetch.Fetcher
	rewriter  *inline.Rewriter
	annotator *ocr.Annotator
	logger    *slog.Logger
}

// New creates a capture Service.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{
		fetcher: cfg.Fetcher,
		rewriter: inline.New(inline.Config{
			Fetcher: cfg.Fetcher,
			Workers: cfg.Workers,
			Logger:  cfg.Logger,
		}),
		annotator: cfg.Annotator,
		logger:    cfg.Logger,
	}
}

// Capture fetches url and produces its offline artifacts.
func (s *Service) Capture(ctx context.Context, url string) (*PageAssets, error) {
	log := s.logger.With("url", url)
	log.Info("capture: fetching page")

	page, err := s.fetcher.Page(ctx, url)
	if err != nil {
		return nil, &CaptureError{URL: url, Err: err}
	}

	// Two independent parse trees: the inlined one is mutated, the other
	// feeds the transcript so inlined style text never leaks into it.
	inlined, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		return nil, &CaptureError{URL: url, Err: fmt.Errorf("parse html: %w", err)}
	}
	plain, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		return nil, &CaptureError{URL: url, Err: fmt.Errorf("parse html: %w", err)}
	}

	log.Info("capture: rewriting markup")
	refs, err := s.rewriter.Rewrite(ctx, inlined, page.FinalURL)
	if err != nil {
		return nil, &CaptureError{URL: url, Err: err}
	}
	inline.EnsureCharset(inlined)
	htmlOut, err := inline.Serialize(inlined, page.FinalURL)
	if err != nil {
		return nil, &CaptureError{URL: url, Err: err}
	}

	log.Info("capture: annotating images", "images", len(refs))
	summaries := make([]ocr.ImageSummary, 0, len(refs))
	for _, ref := range refs {
		summaries = append(summaries, s.annotator.Summarize(ctx, ref))
	}

	log.Info("capture: extracting text")
	transcript := extract.Transcript(plain)
	text := extract.Render(page.FinalURL, transcript, summaries, s.annotator.Available())

	markdown, err := htmltomarkdown.ConvertString(page.HTML)
	if err != nil {
		log.Warn("capture: markdown conversion failed", "error", err)
		markdown = ""
	}

	log.Info("capture: done", "final_url", page.FinalURL,
		"html_bytes", len(htmlOut), "text_bytes", len(text))
	return &PageAssets{
		HTML:         htmlOut,
		Text:         text,
		Markdown:     markdown,
		FinalURL:     page.FinalURL,
		Images:       summaries,
		OCRAvailable: s.annotator.Available(),
	}, nil
}
