// Package inline rewrites a parsed HTML tree into a self-contained document.
//
// External stylesheets become <style> blocks tagged with data-source and
// data-encoding attributes; image sources become base64 data URIs. The
// rewrite is best-effort: an asset that cannot be fetched leaves its
// original reference untouched.
//
// Rewriting is a two-phase visitor: the tree is walked once to collect
// asset references with their placeholder nodes, the unique URLs are
// fetched (bounded-concurrently, at most once per URL), and the collected
// nodes are patched afterwards. No fetch callback ever touches the tree.
package inline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pagegrab/fetch"
)

// AssetFetcher retrieves stylesheet text and image bytes.
type AssetFetcher interface {
	Text(ctx context.Context, url string) (*fetch.TextAsset, error)
	Binary(ctx context.Context, url string) (*fetch.BinaryAsset, error)
}

// ImageRef describes one unique image encountered during rewriting, in
// document order. Data is nil when the fetch failed.
type ImageRef struct {
	URL      string // resolved absolute URL
	Alt      string // first non-empty alt attribute seen for this URL
	Data     []byte
	MIMEType string
}

// Config configures the rewriter.
type Config struct {
	Fetcher AssetFetcher
	Workers int // concurrent asset fetches. Default: 4.
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Rewriter inlines external assets into an owned HTML tree.
type Rewriter struct {
	fetcher AssetFetcher
	workers int
	logger  *slog.Logger
}

// New creates a Rewriter.
func New(cfg Config) *Rewriter {
	cfg.defaults()
	return &Rewriter{fetcher: cfg.Fetcher, workers: cfg.Workers, logger: cfg.Logger}
}

// styleJob is a stylesheet link awaiting its fetched content.
type styleJob struct {
	node *html.Node
	url  string
}

// imageJob is an img element awaiting its data URI.
type imageJob struct {
	node *html.Node
	url  string
	alt  string
}

// Rewrite mutates doc in place, inlining every reachable stylesheet and
// image resolved against baseURL. It returns the unique images in document
// order for downstream annotation. The only returned error is context
// cancellation; per-asset failures are logged and skipped.
func (r *Rewriter) Rewrite(ctx context.Context, doc *html.Node, baseURL string) ([]ImageRef, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	styles, images := collectJobs(doc, base)

	styleContent, err := r.fetchStyles(ctx, styles)
	if err != nil {
		return nil, err
	}
	refs, byURL, err := r.fetchImages(ctx, images)
	if err != nil {
		return nil, err
	}

	// Patch phase: all fetches are done, the tree is touched only here.
	for _, job := range styles {
		asset, ok := styleContent[job.url]
		if !ok {
			continue // fetch failed, leave the <link> untouched
		}
		replaceWithStyle(job.node, job.url, asset)
	}
	dataURIs := make(map[string]string, len(byURL))
	for u, ref := range byURL {
		if ref.Data == nil {
			continue
		}
		dataURIs[u] = "data:" + ref.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
	}
	for _, job := range images {
		uri, ok := dataURIs[job.url]
		if !ok {
			continue
		}
		setAttr(job.node, "src", uri)
		removeAttr(job.node, "srcset")
		setAttr(job.node, "data-source", job.url)
	}
	return refs, nil
}

// collectJobs walks the tree once, resolving stylesheet and image URLs.
func collectJobs(doc *html.Node, base *url.URL) ([]styleJob, []imageJob) {
	var styles []styleJob
	var images []imageJob
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Link:
				if isStylesheet(n) {
					if u := resolve(base, getAttr(n, "href")); u != "" {
						styles = append(styles, styleJob{node: n, url: u})
					}
				}
			case atom.Img:
				src := getAttr(n, "src")
				if src != "" && !strings.HasPrefix(src, "data:") {
					if u := resolve(base, src); u != "" {
						images = append(images, imageJob{node: n, url: u, alt: getAttr(n, "alt")})
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return styles, images
}

// fetchStyles retrieves each unique stylesheet URL exactly once.
func (r *Rewriter) fetchStyles(ctx context.Context, jobs []styleJob) (map[string]*fetch.TextAsset, error) {
	unique := uniqueURLs(len(jobs), func(i int) string { return jobs[i].url })
	results := make([]*fetch.TextAsset, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, u := range unique {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			asset, err := r.fetcher.Text(gctx, u)
			if err != nil {
				r.logger.Warn("inline: stylesheet fetch failed", "url", u, "error", err)
				return nil
			}
			results[i] = asset
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*fetch.TextAsset, len(unique))
	for i, u := range unique {
		if results[i] != nil {
			out[u] = results[i]
		}
	}
	return out, nil
}

// fetchImages retrieves each unique image URL exactly once and returns the
// refs in first-occurrence document order plus an index by URL.
func (r *Rewriter) fetchImages(ctx context.Context, jobs []imageJob) ([]ImageRef, map[string]*ImageRef, error) {
	unique := uniqueURLs(len(jobs), func(i int) string { return jobs[i].url })

	// First non-empty alt per URL, in document order.
	alts := make(map[string]string, len(unique))
	for _, job := range jobs {
		if job.alt != "" && alts[job.url] == "" {
			alts[job.url] = job.alt
		}
	}

	refs := make([]ImageRef, len(unique))
	for i, u := range unique {
		refs[i] = ImageRef{URL: u, Alt: alts[u]}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			asset, err := r.fetcher.Binary(gctx, refs[i].URL)
			if err != nil {
				r.logger.Warn("inline: image fetch failed", "url", refs[i].URL, "error", err)
				return nil
			}
			refs[i].Data = asset.Data
			refs[i].MIMEType = asset.MIMEType
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	byURL := make(map[string]*ImageRef, len(refs))
	for i := range refs {
		byURL[refs[i].URL] = &refs[i]
	}
	return refs, byURL, nil
}

// uniqueURLs keeps the first occurrence of each URL, preserving order.
func uniqueURLs(n int, at func(int) string) []string {
	seen := make(map[string]bool, n)
	var out []string
	for i := 0; i < n; i++ {
		u := at(i)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// replaceWithStyle swaps a <link> node for an inline <style> block.
func replaceWithStyle(link *html.Node, sourceURL string, asset *fetch.TextAsset) {
	parent := link.Parent
	if parent == nil {
		return
	}
	style := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Style,
		Data:     "style",
		Attr: []html.Attribute{
			{Key: "data-source", Val: sourceURL},
			{Key: "data-encoding", Val: asset.Charset},
		},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: asset.Content})
	parent.InsertBefore(style, link)
	parent.RemoveChild(link)
}

// EnsureCharset guarantees the document declares <meta charset="utf-8"> in
// its head, creating the head or meta element when absent.
func EnsureCharset(doc *html.Node) {
	head := findElement(doc, atom.Head)
	if head == nil {
		head = &html.Node{Type: html.ElementNode, DataAtom: atom.Head, Data: "head"}
		if root := findElement(doc, atom.Html); root != nil {
			if root.FirstChild != nil {
				root.InsertBefore(head, root.FirstChild)
			} else {
				root.AppendChild(head)
			}
		} else if doc.FirstChild != nil {
			doc.InsertBefore(head, doc.FirstChild)
		} else {
			doc.AppendChild(head)
		}
	}

	var meta *html.Node
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Meta && getAttr(c, "charset") != "" {
			meta = c
			break
		}
	}
	if meta != nil {
		setAttr(meta, "charset", "utf-8")
		return
	}
	meta = &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Meta,
		Data:     "meta",
		Attr:     []html.Attribute{{Key: "charset", Val: "utf-8"}},
	}
	if head.FirstChild != nil {
		head.InsertBefore(meta, head.FirstChild)
	} else {
		head.AppendChild(meta)
	}
}

// Serialize renders the document prefixed with a provenance comment naming
// its origin URL.
func Serialize(doc *html.Node, sourceURL string) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!-- Source: %s -->\n", sourceURL)
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// isStylesheet reports whether a <link> carries rel=stylesheet.
func isStylesheet(n *html.Node) bool {
	for _, rel := range strings.Fields(getAttr(n, "rel")) {
		if strings.EqualFold(rel, "stylesheet") {
			return true
		}
	}
	return false
}

// resolve joins a possibly-relative reference against the base URL.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}
