// Package bot wires page captures and model answers to a chat transport.
//
// The handler is transport-agnostic: inbound messages arrive as Incoming
// values and every reply goes through the Replier interface. The Telegram
// long-polling connector lives in telegram.go.
//
// Per-session access is serialized: at most one in-flight capture or
// question per chat. Distinct sessions share no mutable state.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hazyhaar/pagegrab/capture"
	"github.com/hazyhaar/pagegrab/chunk"
	"github.com/hazyhaar/pagegrab/convo"
	"github.com/hazyhaar/pagegrab/llm"
)

var urlRe = regexp.MustCompile(`https?://\S+`)

// User-facing texts (the bot speaks Russian).
const (
	usageText = "Отправьте мне ссылку (http или https), и я пришлю файлы `page.html` и " +
		"`page.txt` с содержимым страницы. После этого можно задать вопросы по странице — " +
		"я подключу ИИ и отвечу."
	loadingText    = "Загружаю страницу, пожалуйста подождите…"
	askingText     = "Отправляю содержимое в модель, пожалуйста подождите…"
	capturedText   = "Страница обработана. Задайте вопрос текстом, и я постараюсь ответить с учётом содержимого."
	needLinkText   = "Отправьте ссылку, чтобы я смог загрузить страницу и ответить на вопросы."
	noModelText    = "ИИ недоступен: переменная OPENROUTER_API_KEY не установлена."
	htmlCaption    = "HTML содержит встроенные изображения и стили."
	textCaption    = "Извлечённый текст"
	mdCaption      = "Markdown-версия страницы"
	captureFailFmt = "Не удалось загрузить страницу: %v"
	modelFailFmt   = "Не удалось получить ответ от модели: %v"
)

// Incoming is one inbound text message from a chat counterpart.
type Incoming struct {
	ChatID  int64
	Text    string
	Command string // "start", "help", or "" for plain text
}

// Replier delivers handler output back to the counterpart. Implementations
// wrap a concrete chat platform.
type Replier interface {
	SendText(ctx context.Context, chatID int64, text string) error
	// SendStatus sends a placeholder message and returns its ID so it can
	// be edited or deleted once the slow operation finishes.
	SendStatus(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// Session holds the per-chat capture and conversation state. It is owned
// by the handler and mutated only under its lock.
type Session struct {
	mu      sync.Mutex
	assets  *capture.PageAssets
	history *convo.History
}

// Stats are live counters exposed on the ops endpoint.
type Stats struct {
	Captures int64 `json:"captures"`
	Answers  int64 `json:"answers"`
	Failures int64 `json:"failures"`
	Sessions int   `json:"sessions"`
}

// Config configures the handler.
type Config struct {
	Capture    *capture.Service
	Convo      *convo.Manager
	LLM        *llm.Client
	Replier    Replier
	ChunkLimit int // reply segment size. Default: chunk.DefaultLimit.
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = chunk.DefaultLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handler routes inbound messages to captures and model answers.
type Handler struct {
	capture    *capture.Service
	convo      *convo.Manager
	llm        *llm.Client
	replier    Replier
	chunkLimit int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session

	captures atomic.Int64
	answers  atomic.Int64
	failures atomic.Int64
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	cfg.defaults()
	return &Handler{
		capture:    cfg.Capture,
		convo:      cfg.Convo,
		llm:        cfg.LLM,
		replier:    cfg.Replier,
		chunkLimit: cfg.ChunkLimit,
		logger:     cfg.Logger,
		sessions:   make(map[int64]*Session),
	}
}

// Stats returns a snapshot of the handler counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return Stats{
		Captures: h.captures.Load(),
		Answers:  h.answers.Load(),
		Failures: h.failures.Load(),
		Sessions: n,
	}
}

func (h *Handler) session(chatID int64) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[chatID]
	if !ok {
		s = &Session{}
		h.sessions[chatID] = s
	}
	return s
}

// Handle processes one inbound message.
func (h *Handler) Handle(ctx context.Context, msg Incoming) {
	switch msg.Command {
	case "start", "help":
		h.reply(ctx, msg.ChatID, usageText)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	sess := h.session(msg.ChatID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if match := urlRe.FindString(text); match != "" {
		url := strings.TrimRight(match, `).,"'>`)
		question := extractQuestion(text, match)
		h.handleCapture(ctx, msg.ChatID, sess, url, question)
		return
	}

	if sess.assets == nil {
		h.reply(ctx, msg.ChatID, needLinkText)
		return
	}
	h.answer(ctx, msg.ChatID, sess, text)
}

// handleCapture captures the page, delivers artifacts and resets the
// session history. A question carried alongside the link is answered
// immediately after delivery.
func (h *Handler) handleCapture(ctx context.Context, chatID int64, sess *Session, url, question string) {
	log := h.logger.With("chat_id", chatID, "url", url)
	statusID, err := h.replier.SendStatus(ctx, chatID, loadingText)
	if err != nil {
		log.Error("bot: status message failed", "error", err)
		return
	}

	assets, err := h.capture.Capture(ctx, url)
	if err != nil {
		h.failures.Add(1)
		log.Error("bot: capture failed", "error", err)
		h.edit(ctx, chatID, statusID, fmt.Sprintf(captureFailFmt, err))
		return
	}
	h.captures.Add(1)

	if err := h.replier.DeleteMessage(ctx, chatID, statusID); err != nil {
		log.Warn("bot: delete status failed", "error", err)
	}
	if err := h.sendArtifacts(ctx, chatID, assets); err != nil {
		log.Error("bot: artifact delivery failed", "error", err)
	}

	// A fresh capture replaces conversation state wholesale: answers must
	// never be contaminated by a stale page's context.
	sess.assets = assets
	sess.history = &convo.History{}

	if question != "" {
		h.answer(ctx, chatID, sess, question)
		return
	}
	h.reply(ctx, chatID, capturedText)
}

// sendArtifacts writes the capture artifacts to a temporary directory and
// delivers them as documents.
func (h *Handler) sendArtifacts(ctx context.Context, chatID int64, assets *capture.PageAssets) error {
	dir, err := os.MkdirTemp("", "pagegrab-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	type artifact struct {
		name    string
		content string
		caption string
	}
	artifacts := []artifact{
		{"page.html", assets.HTML, "Источник: " + assets.FinalURL + "\n" + htmlCaption},
		{"page.txt", assets.Text, textCaption},
	}
	if assets.Markdown != "" {
		artifacts = append(artifacts, artifact{"page.md", assets.Markdown, mdCaption})
	}

	var errs []error
	for _, a := range artifacts {
		path := filepath.Join(dir, a.name)
		if err := os.WriteFile(path, []byte(a.content), 0o600); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.replier.SendDocument(ctx, chatID, path, a.caption); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// answer grounds a model call in the session's captured page and delivers
// the reply in transport-safe segments. Model failures leave the history
// and the captured page intact for retry.
func (h *Handler) answer(ctx context.Context, chatID int64, sess *Session, question string) {
	log := h.logger.With("chat_id", chatID)

	if !h.llm.Configured() {
		h.reply(ctx, chatID, noModelText)
		return
	}
	if sess.history == nil {
		sess.history = &convo.History{}
	}

	statusID, err := h.replier.SendStatus(ctx, chatID, askingText)
	if err != nil {
		log.Error("bot: status message failed", "error", err)
		return
	}

	msgs := h.convo.BuildRequest(sess.history, question, sess.assets)
	completion, err := h.llm.Complete(ctx, msgs)
	if err != nil {
		h.failures.Add(1)
		log.Error("bot: model call failed", "error", err)
		h.edit(ctx, chatID, statusID, fmt.Sprintf(modelFailFmt, err))
		return
	}
	h.answers.Add(1)

	userMsg := msgs[len(msgs)-1]
	h.convo.RecordExchange(sess.history, userMsg, convo.Message{
		ID:      uuid.NewString(),
		Role:    convo.RoleAssistant,
		Content: completion.Content,
	})

	segments := chunk.Split(completion.Content, h.chunkLimit)
	if len(segments) == 0 {
		return
	}
	h.edit(ctx, chatID, statusID, segments[0])
	for _, seg := range segments[1:] {
		h.reply(ctx, chatID, seg)
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.replier.SendText(ctx, chatID, text); err != nil {
		h.logger.Error("bot: send failed", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if err := h.replier.EditText(ctx, chatID, messageID, text); err != nil {
		h.logger.Error("bot: edit failed", "chat_id", chatID, "error", err)
	}
}

// extractQuestion returns the message text without the URL fragment,
// whitespace-collapsed.
func extractQuestion(text, urlFragment string) string {
	cleaned := strings.Replace(text, urlFragment, " ", 1)
	return strings.Join(strings.Fields(cleaned), " ")
}
