// Package chunk splits reply text into transport-safe segments.
//
// Splitting strategy:
//  1. Split on paragraph boundaries (double newline)
//  2. Pack consecutive paragraphs while the segment stays under the limit
//  3. Hard-slice any single paragraph that exceeds the limit on its own
//
// Segment order reconstructs the original paragraph order; no content is
// dropped.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit matches the Telegram message size ceiling.
const DefaultLimit = 4096

const separator = "\n\n"

// Split divides text into segments of at most limit bytes each.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var segments []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, separator) {
		need := len(para)
		if current.Len() > 0 {
			need += len(separator)
		}
		if current.Len()+need <= limit {
			if current.Len() > 0 {
				current.WriteString(separator)
			}
			current.WriteString(para)
			continue
		}
		flush()
		if len(para) <= limit {
			current.WriteString(para)
			continue
		}
		// Oversized paragraph: hard-slice at rune boundaries.
		for len(para) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(para[cut]) {
				cut--
			}
			if cut == 0 {
				// Limit is narrower than the next rune; emit the
				// whole rune so the loop always advances.
				_, cut = utf8.DecodeRuneInString(para)
			}
			segments = append(segments, para[:cut])
			para = para[cut:]
		}
		if para != "" {
			current.WriteString(para)
		}
	}
	flush()
	return segments
}
