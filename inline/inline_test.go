package inline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagegrab/fetch"
)

// fakeFetcher serves canned assets and counts fetches per URL.
type fakeFetcher struct {
	mu     sync.Mutex
	texts  map[string]*fetch.TextAsset
	blobs  map[string]*fetch.BinaryAsset
	counts map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		texts:  map[string]*fetch.TextAsset{},
		blobs:  map[string]*fetch.BinaryAsset{},
		counts: map[string]int{},
	}
}

func (f *fakeFetcher) Text(_ context.Context, url string) (*fetch.TextAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[url]++
	if a, ok := f.texts[url]; ok {
		return a, nil
	}
	return nil, &fetch.FetchError{URL: url, Err: context.DeadlineExceeded}
}

func (f *fakeFetcher) Binary(_ context.Context, url string) (*fetch.BinaryAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[url]++
	if a, ok := f.blobs[url]; ok {
		return a, nil
	}
	return nil, &fetch.FetchError{URL: url, Err: context.DeadlineExceeded}
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func render(t *testing.T, doc *html.Node) string {
	t.Helper()
	out, err := Serialize(doc, "https://example.com/")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return out
}

func TestRewrite_InlinesStylesheetAndImage(t *testing.T) {
	ff := newFakeFetcher()
	ff.texts["https://example.com/main.css"] = &fetch.TextAsset{
		Content: "body{margin:0}", MIMEType: "text/css", Charset: "utf-8",
	}
	ff.blobs["https://example.com/logo.png"] = &fetch.BinaryAsset{
		Data: []byte{1, 2, 3}, MIMEType: "image/png",
	}

	doc := parse(t, `<html><head><link rel="stylesheet" href="/main.css"></head>`+
		`<body><img src="/logo.png" srcset="/logo@2x.png 2x" alt="Логотип"></body></html>`)

	r := New(Config{Fetcher: ff})
	refs, err := r.Rewrite(context.Background(), doc, "https://example.com/page")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	out := render(t, doc)
	if !strings.Contains(out, `<style data-source="https://example.com/main.css" data-encoding="utf-8">body{margin:0}</style>`) {
		t.Errorf("stylesheet not inlined:\n%s", out)
	}
	if strings.Contains(out, "<link") {
		t.Error("link element should be replaced")
	}
	if !strings.Contains(out, `src="data:image/png;base64,AQID"`) {
		t.Errorf("image not inlined:\n%s", out)
	}
	if strings.Contains(out, "srcset") {
		t.Error("srcset should be removed")
	}
	if !strings.Contains(out, `data-source="https://example.com/logo.png"`) {
		t.Error("image data-source missing")
	}

	if len(refs) != 1 {
		t.Fatalf("refs: got %d, want 1", len(refs))
	}
	if refs[0].URL != "https://example.com/logo.png" || refs[0].Alt != "Логотип" {
		t.Errorf("ref: got %+v", refs[0])
	}
	if refs[0].MIMEType != "image/png" {
		t.Errorf("ref mime: got %q", refs[0].MIMEType)
	}
}

func TestRewrite_FetchesEachImageOnce(t *testing.T) {
	// WHAT: N references to one URL trigger exactly one fetch.
	// WHY: The per-capture cache invariant.
	ff := newFakeFetcher()
	ff.blobs["https://example.com/pic.jpg"] = &fetch.BinaryAsset{
		Data: []byte("jpg"), MIMEType: "image/jpeg",
	}

	doc := parse(t, `<html><body>`+
		`<img src="/pic.jpg"><img src="/pic.jpg" alt="повтор"><img src="pic.jpg"></body></html>`)

	r := New(Config{Fetcher: ff})
	refs, err := r.Rewrite(context.Background(), doc, "https://example.com/")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got := ff.count("https://example.com/pic.jpg"); got != 1 {
		t.Errorf("fetch count: got %d, want 1", got)
	}
	if len(refs) != 1 {
		t.Fatalf("refs: got %d, want 1", len(refs))
	}
	if refs[0].Alt != "повтор" {
		t.Errorf("alt: got %q, want first non-empty", refs[0].Alt)
	}
	out := render(t, doc)
	if strings.Count(out, "data:image/jpeg;base64,") != 3 {
		t.Errorf("all three img elements should carry the data URI:\n%s", out)
	}
}

func TestRewrite_FailedStylesheetLeftUntouched(t *testing.T) {
	ff := newFakeFetcher() // no assets registered: every fetch fails
	doc := parse(t, `<html><head><link rel="stylesheet" href="/gone.css"></head><body></body></html>`)

	r := New(Config{Fetcher: ff})
	if _, err := r.Rewrite(context.Background(), doc, "https://example.com/"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	out := render(t, doc)
	if !strings.Contains(out, `<link rel="stylesheet" href="/gone.css"`) {
		t.Errorf("original link should survive a failed fetch:\n%s", out)
	}
}

func TestRewrite_FailedImageKeepsOriginalSrc(t *testing.T) {
	ff := newFakeFetcher()
	doc := parse(t, `<html><body><img src="/gone.png" alt="x"></body></html>`)

	r := New(Config{Fetcher: ff})
	refs, err := r.Rewrite(context.Background(), doc, "https://example.com/")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	out := render(t, doc)
	if !strings.Contains(out, `src="/gone.png"`) {
		t.Errorf("original src should survive a failed fetch:\n%s", out)
	}
	// The ref is still reported (with nil data) so the annotator can
	// describe the image from its alt text.
	if len(refs) != 1 || refs[0].Data != nil {
		t.Errorf("refs: got %+v", refs)
	}
}

func TestRewrite_SkipsDataURIsAndNonStylesheetLinks(t *testing.T) {
	ff := newFakeFetcher()
	doc := parse(t, `<html><head><link rel="icon" href="/favicon.ico"></head>`+
		`<body><img src="data:image/gif;base64,R0lGOD"></body></html>`)

	r := New(Config{Fetcher: ff})
	refs, err := r.Rewrite(context.Background(), doc, "https://example.com/")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs: got %d, want 0", len(refs))
	}
	if got := ff.count("https://example.com/favicon.ico"); got != 0 {
		t.Errorf("icon link should not be fetched, got %d fetches", got)
	}
}

func TestEnsureCharset_UpdatesExisting(t *testing.T) {
	doc := parse(t, `<html><head><meta charset="windows-1251"><title>т</title></head><body></body></html>`)
	EnsureCharset(doc)
	out := render(t, doc)
	if !strings.Contains(out, `<meta charset="utf-8"`) {
		t.Errorf("charset not updated:\n%s", out)
	}
	if strings.Contains(out, "windows-1251") {
		t.Errorf("old charset should be gone:\n%s", out)
	}
}

func TestEnsureCharset_CreatesMeta(t *testing.T) {
	doc := parse(t, `<html><head><title>т</title></head><body></body></html>`)
	EnsureCharset(doc)
	out := render(t, doc)
	if !strings.Contains(out, `<meta charset="utf-8"`) {
		t.Errorf("charset meta not created:\n%s", out)
	}
}

func TestSerialize_ProvenanceComment(t *testing.T) {
	doc := parse(t, `<html><body>x</body></html>`)
	out, err := Serialize(doc, "https://example.com/a/")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.HasPrefix(out, "<!-- Source: https://example.com/a/ -->\n") {
		t.Errorf("provenance prefix missing: %q", out[:min(len(out), 60)])
	}
}
