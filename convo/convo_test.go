package convo

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hazyhaar/pagegrab/capture"
	"github.com/hazyhaar/pagegrab/ocr"
)

func testAssets() *capture.PageAssets {
	return &capture.PageAssets{
		HTML:     "<!-- Source: https://e.com/ -->\n<html></html>",
		Text:     "Источник: https://e.com/\n\nтекст страницы",
		FinalURL: "https://e.com/",
		Images: []ocr.ImageSummary{
			{SourceURL: "https://e.com/i.png", AltText: "схема", Description: "Альтернативный текст: схема"},
		},
		OCRAvailable: true,
	}
}

func TestBuildRequest_FirstQuestionIsTwoMessages(t *testing.T) {
	m := NewManager(Config{})
	h := &History{}
	msgs := m.BuildRequest(h, "О чём страница?", testAssets())
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("msgs[0].Role: got %q, want system", msgs[0].Role)
	}
	if msgs[1].Role != RoleUser {
		t.Errorf("msgs[1].Role: got %q, want user", msgs[1].Role)
	}
	for _, want := range []string{
		"Адрес страницы: https://e.com/",
		"текст страницы",
		"Вопрос пользователя: О чём страница?",
		"Описания изображений",
	} {
		if !strings.Contains(msgs[1].Content, want) {
			t.Errorf("user message missing %q", want)
		}
	}
	// The user message is not stored yet.
	if h.Len() != 1 {
		t.Errorf("history len: got %d, want 1 (system only)", h.Len())
	}
}

func TestBuildRequest_TruncatesContext(t *testing.T) {
	m := NewManager(Config{MaxTextChars: 10, MaxHTMLChars: 10, MaxImageChars: 10})
	assets := testAssets()
	assets.Text = strings.Repeat("т", 100)
	assets.HTML = strings.Repeat("h", 100)
	msgs := m.BuildRequest(&History{}, "q", assets)
	if got := strings.Count(msgs[1].Content, "…(truncated)…"); got < 2 {
		t.Errorf("truncation markers: got %d, want >= 2", got)
	}
}

func TestRecordExchange_Invariants(t *testing.T) {
	// WHAT: Any sequence of exchanges keeps len <= H and system at [0].
	const maxMessages = 8
	m := NewManager(Config{MaxMessages: maxMessages})
	h := &History{}

	for i := 0; i < 20; i++ {
		user := Message{Role: RoleUser, Content: fmt.Sprintf("вопрос %d", i)}
		assistant := Message{Role: RoleAssistant, Content: fmt.Sprintf("ответ %d", i)}
		m.RecordExchange(h, user, assistant)

		if h.Len() > maxMessages {
			t.Fatalf("after %d exchanges: len %d > %d", i+1, h.Len(), maxMessages)
		}
		if h.Messages()[0].Role != RoleSystem {
			t.Fatalf("after %d exchanges: messages[0] is %q", i+1, h.Messages()[0].Role)
		}
	}

	// Oldest non-system turns are dropped first: the last answer survives.
	msgs := h.Messages()
	last := msgs[len(msgs)-1]
	if last.Content != "ответ 19" {
		t.Errorf("last message: got %q, want %q", last.Content, "ответ 19")
	}
	for _, msg := range msgs[1:] {
		if strings.Contains(msg.Content, "вопрос 0") {
			t.Error("oldest turn should have been trimmed")
		}
	}
}

func TestRecordExchange_CapsStoredContent(t *testing.T) {
	m := NewManager(Config{MaxStoredChars: 50})
	h := &History{}
	m.RecordExchange(h,
		Message{Role: RoleUser, Content: strings.Repeat("u", 500)},
		Message{Role: RoleAssistant, Content: "ok"})
	msgs := h.Messages()
	stored := msgs[1].Content
	if len(stored) > 50+len("\n…(truncated)…") {
		t.Errorf("stored content not capped: %d bytes", len(stored))
	}
	if !strings.HasSuffix(stored, "…(truncated)…") {
		t.Errorf("stored content missing marker: %q", stored)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		s     string
		limit int
		want  string
	}{
		{"under limit", "короткий", 100, "короткий"},
		{"exact limit", "abcd", 4, "abcd"},
		{"over limit", "abcdefgh", 4, "abcd\n…(truncated)…"},
		{"zero limit passes through", "abc", 0, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.s, tt.limit); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate_Idempotent(t *testing.T) {
	for _, s := range []string{
		strings.Repeat("x", 200),
		strings.Repeat("щ", 200), // multi-byte runes force boundary handling
		"short",
	} {
		for _, limit := range []int{10, 50, 199, 1000} {
			once := Truncate(s, limit)
			twice := Truncate(once, limit)
			if once != twice {
				t.Errorf("limit %d: truncate not idempotent:\nonce:  %q\ntwice: %q", limit, once, twice)
			}
		}
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("я", 10) // 2 bytes each
	got := Truncate(s, 5)
	cut := strings.TrimSuffix(got, "\n…(truncated)…")
	if !strings.HasPrefix(s, cut) {
		t.Errorf("cut %q is not a prefix of the original", cut)
	}
	if strings.Contains(cut, "�") {
		t.Errorf("cut contains replacement rune: %q", cut)
	}
}
