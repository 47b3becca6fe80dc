package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram is the long-polling Telegram connector. It implements Replier
// and feeds inbound updates to the Handler.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegram authenticates against the bot API.
func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram: authenticated", "username", api.Self.UserName)
	return &Telegram{api: api, logger: logger}, nil
}

// dispatcher fans inbound messages out to one ordered queue per chat.
// Messages from the same chat are handled strictly in arrival order;
// distinct chats proceed concurrently.
type dispatcher struct {
	handle func(context.Context, Incoming)
	logger *slog.Logger
	queues map[int64]chan Incoming
	wg     sync.WaitGroup
}

const chatQueueSize = 16

func newDispatcher(handle func(context.Context, Incoming), logger *slog.Logger) *dispatcher {
	return &dispatcher{
		handle: handle,
		logger: logger,
		queues: make(map[int64]chan Incoming),
	}
}

func (d *dispatcher) dispatch(ctx context.Context, in Incoming) {
	q, ok := d.queues[in.ChatID]
	if !ok {
		q = make(chan Incoming, chatQueueSize)
		d.queues[in.ChatID] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for queued := range q {
				d.handle(ctx, queued)
			}
		}()
	}
	select {
	case q <- in:
	default:
		// A chat that is chatQueueSize messages behind is busy capturing
		// or waiting on the model; drop rather than stall other chats.
		d.logger.Warn("chat queue full, update dropped", "chat_id", in.ChatID)
	}
}

// close drains the queues and waits for in-flight handlers.
func (d *dispatcher) close() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}

// Run polls for updates until ctx is cancelled, dispatching each text
// message to the handler through per-chat ordered queues.
func (t *Telegram) Run(ctx context.Context, handler *Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.api.GetUpdatesChan(cfg)

	d := newDispatcher(handler.Handle, t.logger)
	defer d.close()

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			d.dispatch(ctx, Incoming{
				ChatID:  msg.Chat.ID,
				Text:    msg.Text,
				Command: msg.Command(),
			})
		}
	}
}

func (t *Telegram) SendText(_ context.Context, chatID int64, text string) error {
	_, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (t *Telegram) SendStatus(_ context.Context, chatID int64, text string) (int, error) {
	sent, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditText(_ context.Context, chatID int64, messageID int, text string) error {
	_, err := t.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (t *Telegram) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	_, err := t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

func (t *Telegram) SendDocument(_ context.Context, chatID int64, path, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err := t.api.Send(doc)
	return err
}
