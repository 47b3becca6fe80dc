// Package extract produces the plain-text transcript of a captured page.
//
// The transcript is built from the unmodified parse tree, never the
// asset-inlined one, so inlined <style> text cannot leak into it. It is
// followed by a rendered block describing every captured image.
package extract

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagegrab/ocr"
)

// Transcript extracts visible text from the document: script, style and
// noscript subtrees are skipped, text nodes are separated by line breaks,
// each line is trimmed and blank lines are dropped.
func Transcript(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Render assembles the page.txt body: provenance line, transcript, then
// the image-summary section.
func Render(finalURL, transcript string, images []ocr.ImageSummary, ocrAvailable bool) string {
	var sb strings.Builder
	sb.WriteString("Источник: ")
	sb.WriteString(finalURL)
	if transcript != "" {
		sb.WriteString("\n\n")
		sb.WriteString(transcript)
	}
	if block := RenderImages(images, ocrAvailable); block != "" {
		sb.WriteString("\n\n")
		sb.WriteString(block)
	}
	return sb.String()
}

// RenderImages renders the image-summary block in document order. The same
// block feeds both the plain-text transcript and the model-facing context.
// Returns "" when the page had no images.
func RenderImages(images []ocr.ImageSummary, ocrAvailable bool) string {
	if len(images) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Изображения:")
	if !ocrAvailable {
		sb.WriteString("\n")
		sb.WriteString(ocr.Disclaimer)
	}
	for i, img := range images {
		sb.WriteString("\n\n[")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString("] ")
		sb.WriteString(img.SourceURL)
		if img.AltText != "" {
			sb.WriteString("\nАльтернативный текст: ")
			sb.WriteString(img.AltText)
		}
		if img.OCRText != "" {
			sb.WriteString("\nРаспознанный текст: ")
			sb.WriteString(img.OCRText)
		}
		sb.WriteString("\nОписание: ")
		sb.WriteString(img.Description)
	}
	return sb.String()
}
