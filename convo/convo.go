// Package convo maintains the bounded conversation history that grounds
// model calls in a captured page.
//
// A History is a sliding window of at most MaxMessages entries whose first
// entry is always the system instruction. It belongs to exactly one
// session and is replaced wholesale when that session captures a new page,
// so answers never leak context from an unrelated page.
package convo

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hazyhaar/pagegrab/capture"
	"github.com/hazyhaar/pagegrab/extract"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	ID      string
	Role    Role
	Content string
}

// History is the ordered message window for one session.
type History struct {
	messages []Message
}

// Len returns the number of stored messages.
func (h *History) Len() int { return len(h.messages) }

// Messages returns a copy of the stored messages.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// defaultSystemPrompt instructs the model to answer from the captured page.
const defaultSystemPrompt = "Ты — помощник, который отвечает на вопросы по содержимому веб-страниц. " +
	"Используй предоставленные HTML, текст и описания изображений, чтобы отвечать максимально точно. " +
	"Если данных недостаточно, честно сообщи об этом."

// truncationMark is appended wherever context was cut to fit its cap.
const truncationMark = "\n…(truncated)…"

// Config configures the manager.
type Config struct {
	MaxMessages    int    // history window H. Default: 8.
	MaxStoredChars int    // per-stored-message content cap. Default: 16384.
	MaxTextChars   int    // transcript cap in a request. Default: 15000.
	MaxHTMLChars   int    // inlined-HTML cap in a request. Default: 10000.
	MaxImageChars  int    // image-block cap in a request. Default: 15000.
	SystemPrompt   string // default: Russian page-QA instruction.
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 8
	}
	if c.MaxStoredChars <= 0 {
		c.MaxStoredChars = 16384
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = 15000
	}
	if c.MaxHTMLChars <= 0 {
		c.MaxHTMLChars = 10000
	}
	if c.MaxImageChars <= 0 {
		c.MaxImageChars = 15000
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager builds model requests and records exchanges against a History.
type Manager struct {
	cfg Config
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// BuildRequest returns the trimmed history (seeded with the system
// instruction when empty) plus one new user message carrying the page
// context and the question. The new user message is the last element; it
// is not stored until RecordExchange.
func (m *Manager) BuildRequest(h *History, question string, assets *capture.PageAssets) []Message {
	if len(h.messages) == 0 {
		h.messages = append(h.messages, Message{
			ID:      uuid.NewString(),
			Role:    RoleSystem,
			Content: m.cfg.SystemPrompt,
		})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Адрес страницы: %s\n\n", assets.FinalURL)
	fmt.Fprintf(&sb, "Текст страницы (может быть сокращён):\n%s\n\n",
		Truncate(assets.Text, m.cfg.MaxTextChars))
	fmt.Fprintf(&sb, "HTML страницы (может быть сокращён):\n%s\n\n",
		Truncate(assets.HTML, m.cfg.MaxHTMLChars))
	if block := extract.RenderImages(assets.Images, assets.OCRAvailable); block != "" {
		fmt.Fprintf(&sb, "Описания изображений (могут быть сокращены):\n%s\n\n",
			Truncate(block, m.cfg.MaxImageChars))
	}
	fmt.Fprintf(&sb, "Вопрос пользователя: %s", question)

	user := Message{ID: uuid.NewString(), Role: RoleUser, Content: sb.String()}
	return append(h.Messages(), user)
}

// RecordExchange stores a question/answer pair, re-asserts the system
// invariant and trims the window to MaxMessages. Stored content is capped
// at MaxStoredChars per message.
func (m *Manager) RecordExchange(h *History, user, assistant Message) {
	if len(h.messages) == 0 || h.messages[0].Role != RoleSystem {
		h.messages = append([]Message{{
			ID:      uuid.NewString(),
			Role:    RoleSystem,
			Content: m.cfg.SystemPrompt,
		}}, h.messages...)
	}

	user.Content = Truncate(user.Content, m.cfg.MaxStoredChars)
	assistant.Content = Truncate(assistant.Content, m.cfg.MaxStoredChars)
	h.messages = append(h.messages, user, assistant)

	if len(h.messages) > m.cfg.MaxMessages {
		// Keep the system message plus the most recent MaxMessages-1.
		keep := m.cfg.MaxMessages - 1
		trimmed := make([]Message, 0, m.cfg.MaxMessages)
		trimmed = append(trimmed, h.messages[0])
		trimmed = append(trimmed, h.messages[len(h.messages)-keep:]...)
		h.messages = trimmed
	}
}

// Truncate cuts s to at most limit bytes (at a rune boundary) and appends
// a truncation marker. Applying it twice with the same limit is a no-op.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if len(s) <= limit+len(truncationMark) && strings.HasSuffix(s, truncationMark) {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMark
}
