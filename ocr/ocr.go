// Package ocr recognizes text in captured images and composes per-image
// descriptions from recognized text and authored alt attributes.
//
// Recognition is a capability, not a requirement: Detect resolves the
// tesseract binary once at startup and the Annotator degrades gracefully
// when no engine is available or a single recognition fails.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/hazyhaar/pagegrab/inline"
)

// Engine extracts text from image bytes. Implementations return an empty
// string (not an error) when the image simply contains no text.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Disclaimer is attached to rendered image summaries when no OCR engine is
// available on the server.
const Disclaimer = "OCR недоступен на сервере: текст с изображений не распознан."

// noDescription is emitted when an image carries neither alt text nor
// recognized text.
const noDescription = "Описание недоступно."

// ImageSummary is the immutable description of one captured image.
type ImageSummary struct {
	SourceURL   string
	AltText     string
	OCRText     string
	Description string
}

// Detect returns a tesseract-backed engine when the binary is installed,
// or nil when recognition is unavailable on this host.
func Detect(logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := exec.LookPath("tesseract")
	if err != nil {
		logger.Warn("ocr: tesseract not found, image recognition disabled")
		return nil
	}
	logger.Info("ocr: tesseract detected", "path", path)
	return &Tesseract{path: path, Languages: "rus+eng"}
}

// Tesseract shells out to the tesseract CLI, feeding the image on stdin.
type Tesseract struct {
	path      string
	Languages string // tesseract -l argument, e.g. "rus+eng"
}

// Recognize runs tesseract over the image bytes.
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, "stdin", "stdout", "-l", t.Languages)
	cmd.Stdin = bytes.NewReader(image)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// Annotator turns rewritten image references into ImageSummary values.
type Annotator struct {
	engine Engine
	logger *slog.Logger
}

// NewAnnotator creates an Annotator. A nil engine means recognition is
// unavailable; summaries then rely on alt text alone.
func NewAnnotator(engine Engine, logger *slog.Logger) *Annotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotator{engine: engine, logger: logger}
}

// Available reports whether an OCR engine is configured.
func (a *Annotator) Available() bool { return a.engine != nil }

// Summarize recognizes text in the referenced image and composes its
// description. Recognition failures degrade to an empty OCR result and
// never propagate.
func (a *Annotator) Summarize(ctx context.Context, ref inline.ImageRef) ImageSummary {
	var ocrText string
	if a.engine != nil && len(ref.Data) > 0 {
		text, err := a.engine.Recognize(ctx, ref.Data)
		if err != nil {
			a.logger.Warn("ocr: recognition failed", "url", ref.URL, "error", err)
		} else {
			ocrText = strings.TrimSpace(text)
		}
	}
	alt := strings.TrimSpace(ref.Alt)
	return ImageSummary{
		SourceURL:   ref.URL,
		AltText:     alt,
		OCRText:     ocrText,
		Description: ComposeDescription(alt, ocrText),
	}
}

// ComposeDescription builds the human-readable description: labelled alt
// text first, labelled recognized text second, a fixed fallback sentence
// when both are absent.
func ComposeDescription(altText, ocrText string) string {
	var parts []string
	if altText = strings.TrimSpace(altText); altText != "" {
		parts = append(parts, "Альтернативный текст: "+altText)
	}
	if ocrText = strings.TrimSpace(ocrText); ocrText != "" {
		parts = append(parts, "Распознанный текст: "+ocrText)
	}
	if len(parts) == 0 {
		return noDescription
	}
	return strings.Join(parts, "; ")
}
