// Package telegram implements the chat frontend on a Telegram forum
// supergroup: one forum topic per task, the General topic for the
// operator.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentherd/internal/config"
	"github.com/nextlevelbuilder/agentherd/internal/frontend"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
)

// generalTopicID is the fixed thread id of a forum supergroup's General
// topic.
const generalTopicID = 1

// Adapter is the telego-backed Frontend. Topic mapping lives in the
// registry so it survives restarts, as does the getUpdates offset.
type Adapter struct {
	bot     *telego.Bot
	chatID  int64
	store   *registry.Store
	timeout int

	// Telegram allows roughly one message per second per chat; the
	// limiter paces every outbound API call.
	limiter *rate.Limiter

	incoming chan frontend.IncomingMessage
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds an Adapter from config. The bot token is validated lazily by
// the first API call, not here.
func New(cfg config.TelegramConfig, store *registry.Store) (*Adapter, error) {
	chatID, err := strconv.ParseInt(cfg.GroupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid group id %q: %w", cfg.GroupID, err)
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	timeout := cfg.PollTimeout
	if timeout < 1 {
		timeout = 5
	}
	return &Adapter{
		bot:      bot,
		chatID:   chatID,
		store:    store,
		timeout:  timeout,
		limiter:  rate.NewLimiter(rate.Limit(1), 3),
		incoming: make(chan frontend.IncomingMessage, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start begins long polling. The offset is restored from the config store
// so a restart neither replays nor drops updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	var offset int
	a.store.ConfigGet(registry.KeyTelegramOffset, &offset)

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Offset:  offset,
		Timeout: a.timeout,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "chat_id", a.chatID, "offset", offset)

	go func() {
		defer close(a.done)
		defer close(a.incoming)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				a.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a successor starts.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
	case <-time.After(10 * time.Second):
		slog.Warn("telegram polling goroutine did not exit within timeout")
	}
}

// Incoming implements frontend.Frontend.
func (a *Adapter) Incoming() <-chan frontend.IncomingMessage {
	return a.incoming
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	// Persist the cursor before processing: a crash mid-handling drops
	// the update rather than replaying it against a half-applied state.
	a.store.ConfigSet(registry.KeyTelegramOffset, update.UpdateID+1)

	if q := update.CallbackQuery; q != nil {
		a.handleCallback(ctx, q)
		return
	}
	if msg := update.Message; msg != nil {
		a.handleMessage(msg)
	}
}

func (a *Adapter) handleMessage(msg *telego.Message) {
	// Topic-created service messages record the mapping for recovery of
	// topics made outside the daemon.
	if msg.ForumTopicCreated != nil {
		if name := msg.ForumTopicCreated.Name; name != "" && msg.MessageThreadID != 0 {
			a.store.StoreTopicMapping(msg.MessageThreadID, name)
			slog.Info("stored topic mapping", "topic_id", msg.MessageThreadID, "name", name)
		}
		return
	}
	if msg.Text == "" {
		return
	}

	isDM := msg.Chat.Type == telego.ChatTypePrivate
	if !isDM && msg.Chat.ID != a.chatID {
		return
	}

	var taskID string
	if isDM {
		taskID = frontend.OperatorTask
	} else {
		taskID = a.taskForTopic(msg.MessageThreadID)
	}

	in := frontend.IncomingMessage{
		TaskID: taskID,
		Text:   msg.Text,
		MsgID:  strconv.Itoa(msg.MessageID),
	}
	if r := msg.ReplyToMessage; r != nil {
		in.ReplyToMsgID = strconv.Itoa(r.MessageID)
		in.ReplyToText = r.Text
	}
	a.incoming <- in
}

func (a *Adapter) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	// Dismiss the client's loading spinner regardless of what the
	// callback resolves to.
	a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: q.ID})

	msgID := ""
	topicID := 0
	if msg, ok := q.Message.(*telego.Message); ok && msg != nil {
		msgID = strconv.Itoa(msg.MessageID)
		topicID = msg.MessageThreadID
	}

	a.incoming <- frontend.IncomingMessage{
		TaskID:       a.taskForTopic(topicID),
		CallbackData: q.Data,
		MsgID:        msgID,
	}
}

// taskForTopic maps a thread id to a task id. Zero and the General topic
// mean the operator; unknown topics fall back to the numeric id so the
// daemon can still log and reply somewhere.
func (a *Adapter) taskForTopic(topicID int) string {
	if topicID == 0 || topicID == a.operatorTopic() {
		return frontend.OperatorTask
	}
	if name, _, ok := a.store.FindTaskByTopic(topicID); ok {
		return name
	}
	return strconv.Itoa(topicID)
}

// topicForTask resolves where a task's messages go. Unknown ids land in
// the operator topic rather than nowhere.
func (a *Adapter) topicForTask(taskID string) int {
	if taskID == frontend.OperatorTask {
		return a.operatorTopic()
	}
	if task, ok := a.store.GetTask(taskID); ok && task.TopicID != 0 {
		return task.TopicID
	}
	if id, err := strconv.Atoi(taskID); err == nil {
		if _, _, ok := a.store.FindTaskByTopic(id); ok {
			return id
		}
	}
	slog.Warn("no topic for task, using operator topic", "task", taskID)
	return a.operatorTopic()
}

func (a *Adapter) operatorTopic() int {
	if id := a.store.GeneralTopicID(); id != 0 {
		return id
	}
	return generalTopicID
}

func keyboard(buttons []frontend.Button) *telego.InlineKeyboardMarkup {
	row := make([]telego.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tu.InlineKeyboardButton(b.Text).WithCallbackData(b.CallbackData))
	}
	return tu.InlineKeyboard(row)
}

// Send posts MarkdownV2 content to the task's topic. If Telegram rejects
// the markup the message is retried as plain text so nothing is lost.
func (a *Adapter) Send(ctx context.Context, taskID, content string, buttons []frontend.Button) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	topicID := a.topicForTask(taskID)
	params := tu.Message(tu.ID(a.chatID), content)
	params.MessageThreadID = topicID
	params.ParseMode = telego.ModeMarkdownV2
	if len(buttons) > 0 {
		params.ReplyMarkup = keyboard(buttons)
	}

	msg, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		slog.Warn("telegram send failed, retrying as plain text", "task", taskID, "error", err)
		params.ParseMode = ""
		msg, err = a.bot.SendMessage(ctx, params)
		if err != nil {
			return "", fmt.Errorf("telegram: send to %s: %w", taskID, err)
		}
	}
	return strconv.Itoa(msg.MessageID), nil
}

// Update edits a message. With content it rewrites text and buttons in
// one call; without, only the inline keyboard is replaced.
func (a *Adapter) Update(ctx context.Context, taskID, msgID, content string, buttons []frontend.Button) error {
	id, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", msgID, err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	if content != "" {
		params := &telego.EditMessageTextParams{
			ChatID:    tu.ID(a.chatID),
			MessageID: id,
			Text:      content,
			ParseMode: telego.ModeMarkdownV2,
		}
		if len(buttons) > 0 {
			params.ReplyMarkup = keyboard(buttons)
		}
		if _, err = a.bot.EditMessageText(ctx, params); err != nil {
			params.ParseMode = ""
			if _, err = a.bot.EditMessageText(ctx, params); err != nil {
				return fmt.Errorf("telegram: update message %s: %w", msgID, err)
			}
		}
		return nil
	}

	_, err = a.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:      tu.ID(a.chatID),
		MessageID:   id,
		ReplyMarkup: keyboard(buttons),
	})
	if err != nil {
		return fmt.Errorf("telegram: update message %s: %w", msgID, err)
	}
	return nil
}

// Delete removes a message.
func (a *Adapter) Delete(ctx context.Context, taskID, msgID string) error {
	id, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", msgID, err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(a.chatID),
		MessageID: id,
	}); err != nil {
		return fmt.Errorf("telegram: delete message %s: %w", msgID, err)
	}
	return nil
}

// ShowTyping flashes the typing indicator in the task's topic.
func (a *Adapter) ShowTyping(ctx context.Context, taskID string) error {
	params := &telego.SendChatActionParams{
		ChatID: tu.ID(a.chatID),
		Action: telego.ChatActionTyping,
	}
	params.MessageThreadID = a.topicForTask(taskID)
	return a.bot.SendChatAction(ctx, params)
}

// SendToTopic posts to an explicit thread id, for messages that must land
// before any task row exists (welcome posts during crash-safe creation).
func (a *Adapter) SendToTopic(ctx context.Context, topicID int, content string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	params := tu.Message(tu.ID(a.chatID), content)
	params.MessageThreadID = topicID
	params.ParseMode = telego.ModeMarkdownV2
	msg, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		params.ParseMode = ""
		msg, err = a.bot.SendMessage(ctx, params)
		if err != nil {
			return "", fmt.Errorf("telegram: send to topic %d: %w", topicID, err)
		}
	}
	return strconv.Itoa(msg.MessageID), nil
}

// CreateTopic makes a forum topic for a new task and returns its id.
func (a *Adapter) CreateTopic(ctx context.Context, name string) (int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	topic, err := a.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(a.chatID),
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: create topic %q: %w", name, err)
	}
	a.store.StoreTopicMapping(topic.MessageThreadID, name)
	return topic.MessageThreadID, nil
}

// CloseTopic closes a task's topic, keeping its history readable.
func (a *Adapter) CloseTopic(ctx context.Context, topicID int) error {
	if err := a.bot.CloseForumTopic(ctx, &telego.CloseForumTopicParams{
		ChatID:          tu.ID(a.chatID),
		MessageThreadID: topicID,
	}); err != nil {
		return fmt.Errorf("telegram: close topic %d: %w", topicID, err)
	}
	return nil
}

// DeleteTopic removes a task's topic and its history.
func (a *Adapter) DeleteTopic(ctx context.Context, topicID int) error {
	if err := a.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
		ChatID:          tu.ID(a.chatID),
		MessageThreadID: topicID,
	}); err != nil {
		return fmt.Errorf("telegram: delete topic %d: %w", topicID, err)
	}
	return nil
}
