package capture

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/pagegrab/fetch"
	"github.com/hazyhaar/pagegrab/ocr"
)

// staticEngine recognizes every image as the same text.
type staticEngine struct{ text string }

func (e *staticEngine) Recognize(_ context.Context, _ []byte) (string, error) {
	return e.text, nil
}

func newService(engine ocr.Engine) *Service {
	logger := slog.Default()
	return New(Config{
		Fetcher:   fetch.New(fetch.Config{Logger: logger}),
		Annotator: ocr.NewAnnotator(engine, logger),
		Logger:    logger,
	})
}

func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/a/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head>
<link rel="stylesheet" href="/site.css">
<link rel="stylesheet" href="/gone.css">
<script>nope()</script>
</head><body>
<h1>Новости</h1>
<p>Текст статьи.</p>
<img src="/photo.jpg" alt="Фото">
<img src="/photo.jpg">
</body></html>`))
	})
	mux.HandleFunc("/site.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("h1{font-size:2em}"))
	})
	mux.HandleFunc("/photo.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})
	// /gone.css is not registered: 404.
	return httptest.NewServer(mux)
}

func TestCapture_EndToEnd(t *testing.T) {
	srv := pageServer(t)
	defer srv.Close()

	s := newService(&staticEngine{text: "вывеска"})
	assets, err := s.Capture(context.Background(), srv.URL+"/a")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	wantURL := srv.URL + "/a/"
	if assets.FinalURL != wantURL {
		t.Errorf("final url: got %q, want %q", assets.FinalURL, wantURL)
	}

	// HTML artifact: provenance, charset, inlined style, data URI,
	// unreachable stylesheet untouched.
	if !strings.HasPrefix(assets.HTML, "<!-- Source: "+wantURL+" -->\n") {
		t.Errorf("html provenance: %q", assets.HTML[:min(len(assets.HTML), 80)])
	}
	if !strings.Contains(assets.HTML, `<meta charset="utf-8"`) {
		t.Error("html missing charset meta")
	}
	if !strings.Contains(assets.HTML, `data-source="`+srv.URL+`/site.css"`) {
		t.Error("stylesheet not inlined")
	}
	if !strings.Contains(assets.HTML, "data:image/jpeg;base64,") {
		t.Error("image not inlined")
	}
	if !strings.Contains(assets.HTML, `href="/gone.css"`) {
		t.Error("unreachable stylesheet link should be untouched")
	}

	// Text artifact: provenance, transcript, no script text, image block.
	if !strings.HasPrefix(assets.Text, "Источник: "+wantURL) {
		t.Errorf("text provenance:\n%s", assets.Text)
	}
	if !strings.Contains(assets.Text, "Текст статьи.") {
		t.Error("transcript missing body text")
	}
	if strings.Contains(assets.Text, "nope()") || strings.Contains(assets.Text, "font-size") {
		t.Error("script/style leaked into transcript")
	}
	if !strings.Contains(assets.Text, "Распознанный текст: вывеска") {
		t.Errorf("ocr text missing:\n%s", assets.Text)
	}

	// One unique image despite two references.
	if len(assets.Images) != 1 {
		t.Fatalf("images: got %d, want 1", len(assets.Images))
	}
	if assets.Images[0].AltText != "Фото" {
		t.Errorf("alt: got %q", assets.Images[0].AltText)
	}
	if !assets.OCRAvailable {
		t.Error("ocr should be reported available")
	}
	if assets.Markdown == "" || !strings.Contains(assets.Markdown, "Новости") {
		t.Errorf("markdown rendition missing:\n%s", assets.Markdown)
	}
}

func TestCapture_OCRUnavailableDisclaimer(t *testing.T) {
	srv := pageServer(t)
	defer srv.Close()

	s := newService(nil)
	assets, err := s.Capture(context.Background(), srv.URL+"/a")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if assets.OCRAvailable {
		t.Error("ocr should be unavailable")
	}
	if !strings.Contains(assets.Text, ocr.Disclaimer) {
		t.Errorf("disclaimer missing from transcript:\n%s", assets.Text)
	}
}

func TestCapture_PageFetchFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newService(nil)
	_, err := s.Capture(context.Background(), srv.URL)
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("err: got %v, want *CaptureError", err)
	}
	var fe *fetch.FetchError
	if !errors.As(err, &fe) {
		t.Fatal("CaptureError should wrap the FetchError cause")
	}
}
