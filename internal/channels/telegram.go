package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/config"
	"github.com/anemos/assistant-fabric/internal/mcpgateway"
)

// minStreamEditInterval bounds how often a streaming message is edited
// in place. Telegram rate-limits edits per chat; 250ms keeps well under
// that ceiling while still feeling live.
const minStreamEditInterval = 250 * time.Millisecond

// TaskCreator is the subset of taskstore.Store a channel adapter needs
// to turn an inbound message into a runnable task.
type TaskCreator interface {
	Create(ctx context.Context, userID, chatID, channel string) (string, error)
	AppendMessage(ctx context.Context, id, role, text string) error
}

// Dispatcher runs a freshly created task to a terminal or suspended
// state. Satisfied by wrapping *orchestrator.Orchestrator.Dispatch to
// discard the Result a channel adapter has no use for.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, taskID string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, taskID string) error { return f(ctx, taskID) }

// TelegramChannel implements Channel for Telegram.
type TelegramChannel struct {
	token         string
	allowedIDs    map[int64]struct{}
	tasks         TaskCreator
	dispatcher    Dispatcher
	confirmations *mcpgateway.Confirmations
	bus           *bus.Bus
	logger        *slog.Logger
	limiter       *inboundLimiter

	bot *tgbotapi.BotAPI

	streamMu   sync.Mutex
	streamMsgs map[string]*streamState // taskID -> in-flight streaming state
}

// streamState tracks progressive editing for a streaming task. A task's
// display can outgrow one Telegram message, so messageIDs grows as
// needed; only the last one is ever re-edited, earlier ones are frozen
// once a new segment starts.
type streamState struct {
	chatID     int64
	messageIDs []int
	text       strings.Builder
	lastEdit   time.Time
}

// NewTelegramChannel builds a Telegram adapter. confirmations may be
// nil if this deployment has no MCP gateway configured, in which case
// inline confirm/reject prompts are simply never sent.
func NewTelegramChannel(token string, allowedIDs []int64, tasks TaskCreator, dispatcher Dispatcher, confirmations *mcpgateway.Confirmations, b *bus.Bus, rateLimit config.RateLimitConfig, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:         token,
		allowedIDs:    allowed,
		tasks:         tasks,
		dispatcher:    dispatcher,
		confirmations: confirmations,
		bus:           b,
		logger:        logger,
		limiter:       newInboundLimiter(rateLimit.RequestsPerMinute, rateLimit.BurstSize),
		streamMsgs:    make(map[string]*streamState),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start begins polling Telegram for updates and fans out the bus topics
// this adapter delivers into chat messages. It blocks until ctx is
// canceled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorOutgoing(ctx)
	go t.monitorStreamTokens(ctx)
	go t.monitorFeedback(ctx)
	if t.confirmations != nil {
		go t.monitorConfirmationRequests(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or
// no updates arrive within stallTimeout (2.5x the long-poll timeout —
// tgbotapi blocks rather than closing the channel on a dead connection,
// so an explicit stall timer is the only way to notice).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, allowed := t.allowedIDs[update.CallbackQuery.From.ID]; !allowed {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	if !t.limiter.allow(userID) {
		t.reply(msg.Chat.ID, "You're sending messages too quickly, please slow down.")
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	taskID, err := t.tasks.Create(ctx, userID, chatID, t.Name())
	if err != nil {
		t.logger.Error("failed to create telegram task", "error", err)
		t.reply(msg.Chat.ID, "Sorry, something went wrong scheduling that.")
		return
	}
	if err := t.tasks.AppendMessage(ctx, taskID, "user", content); err != nil {
		t.logger.Warn("failed to append inbound message", "task_id", taskID, "error", err)
	}

	if err := t.bus.Publish(ctx, bus.TopicIncoming+"."+taskID, bus.IncomingMessage{
		MessageID: strconv.Itoa(msg.MessageID),
		UserID:    userID,
		ChatID:    chatID,
		Channel:   t.Name(),
		Text:      content,
	}); err != nil {
		t.logger.Warn("failed to publish incoming message", "task_id", taskID, "error", err)
	}

	go func() {
		if err := t.dispatcher.Dispatch(context.Background(), taskID); err != nil {
			t.logger.Error("orchestration failed", "task_id", taskID, "error", err)
		}
	}()
}

// handleCallbackQuery handles inline button taps on a confirmation
// prompt (see sendConfirmationPrompt).
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	correlationID, outcome, ok := parseConfirmCallback(query.Data)
	if !ok || t.confirmations == nil {
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Recording your answer (%s)...", outcome))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to send callback ack", "error", err)
	}

	if _, err := t.confirmations.Resolve(ctx, correlationID, outcome, ""); err != nil {
		t.logger.Warn("failed to resolve confirmation", "correlation_id", correlationID, "error", err)
	}
}

// monitorOutgoing delivers each task's final reply. If the task was
// mid-stream, this replaces the streamed text with the authoritative
// final text (which may have been retried/revised past what streamed)
// via one last edit instead of a duplicate message.
func (t *TelegramChannel) monitorOutgoing(ctx context.Context) {
	sub := t.bus.Subscribe(ctx, bus.TopicOutgoing)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			var reply bus.OutgoingReply
			if err := json.Unmarshal(ev.Payload, &reply); err != nil {
				continue
			}
			if reply.Channel != t.Name() {
				continue
			}
			chatID, err := strconv.ParseInt(reply.ChatID, 10, 64)
			if err != nil {
				continue
			}

			t.streamMu.Lock()
			state, wasStreaming := t.streamMsgs[reply.TaskID]
			if wasStreaming {
				delete(t.streamMsgs, reply.TaskID)
			}
			t.streamMu.Unlock()

			if wasStreaming {
				state.text.Reset()
				state.text.WriteString(reply.Text)
				t.updateStreamDisplay(state)
				continue
			}
			t.sendSegmented(chatID, reply.Text)
		}
	}
}

// monitorStreamTokens progressively edits a per-task message as model
// output streams in, rate-limited to minStreamEditInterval.
func (t *TelegramChannel) monitorStreamTokens(ctx context.Context) {
	sub := t.bus.Subscribe(ctx, bus.TopicStreamToken)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			var tok bus.StreamToken
			if err := json.Unmarshal(ev.Payload, &tok); err != nil {
				continue
			}
			if tok.Channel != t.Name() || tok.Token == "" {
				continue
			}

			t.streamMu.Lock()
			state, exists := t.streamMsgs[tok.TaskID]
			if !exists {
				chatID, err := strconv.ParseInt(tok.ChatID, 10, 64)
				if err != nil {
					t.streamMu.Unlock()
					continue
				}
				state = &streamState{chatID: chatID}
				t.streamMsgs[tok.TaskID] = state
			}
			state.text.WriteString(tok.Token)
			due := time.Since(state.lastEdit) >= minStreamEditInterval
			if due {
				state.lastEdit = time.Now()
			}
			t.streamMu.Unlock()

			if due {
				t.updateStreamDisplay(state)
			}
		}
	}
}

// monitorFeedback delivers /notify and /question messages from an MCP
// endpoint straight to the endpoint's bound chat, outside of any task's
// reply stream.
func (t *TelegramChannel) monitorFeedback(ctx context.Context) {
	sub := t.bus.Subscribe(ctx, bus.TopicFeedback)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			var msg bus.FeedbackMessage
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				continue
			}
			chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
			if err != nil {
				continue
			}
			t.sendSegmented(chatID, msg.Text)
		}
	}
}

// monitorConfirmationRequests renders an inline confirm/reject prompt
// for every confirmation request raised anywhere in the fabric that
// targets a chat this adapter can reach.
func (t *TelegramChannel) monitorConfirmationRequests(ctx context.Context) {
	sub := t.bus.Subscribe(ctx, bus.TopicConfirmation+".request.")
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			var req bus.ConfirmationRequest
			if err := json.Unmarshal(ev.Payload, &req); err != nil {
				continue
			}
			chatID, err := strconv.ParseInt(req.ChatID, 10, 64)
			if err != nil {
				continue
			}
			t.sendConfirmationPrompt(chatID, req)
		}
	}
}

func (t *TelegramChannel) sendConfirmationPrompt(chatID int64, req bus.ConfirmationRequest) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Confirm", "confirm:"+req.CorrelationID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "reject:"+req.CorrelationID),
		),
	)
	msg := tgbotapi.NewMessage(chatID, escapeMarkdownV2(StripThinkBlocks(req.Message)))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send confirmation prompt", "correlation_id", req.CorrelationID, "error", err)
	}
}

// parseConfirmCallback parses inline-button callback data of the form
// "confirm:<correlationID>" or "reject:<correlationID>".
func parseConfirmCallback(data string) (correlationID string, outcome mcpgateway.Outcome, ok bool) {
	switch {
	case strings.HasPrefix(data, "confirm:"):
		id := strings.TrimPrefix(data, "confirm:")
		if id == "" {
			return "", "", false
		}
		return id, mcpgateway.OutcomeConfirmed, true
	case strings.HasPrefix(data, "reject:"):
		id := strings.TrimPrefix(data, "reject:")
		if id == "" {
			return "", "", false
		}
		return id, mcpgateway.OutcomeRejected, true
	default:
		return "", "", false
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	t.sendSegmented(chatID, text)
}

func (t *TelegramChannel) sendSegmented(chatID int64, text string) {
	display := escapeMarkdownV2(StripThinkBlocks(text))
	for _, seg := range segmentText(display, telegramMaxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, seg)
		msg.ParseMode = "MarkdownV2"
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram message", "error", err)
		}
	}
}

// updateStreamDisplay re-renders state's accumulated text, appending a
// new message for any segment beyond what has already been sent and
// re-editing only the last one — earlier segments are frozen once a
// later segment exists, since their content can no longer change.
func (t *TelegramChannel) updateStreamDisplay(state *streamState) {
	display := escapeMarkdownV2(SanitizeStreamingDisplay(state.text.String()))
	segments := segmentText(display, telegramMaxMessageLen)

	for i, seg := range segments {
		if i < len(state.messageIDs) {
			if i == len(segments)-1 {
				t.editMessageMarkdown(state.chatID, state.messageIDs[i], seg)
			}
			continue
		}
		msg := tgbotapi.NewMessage(state.chatID, seg)
		msg.ParseMode = "MarkdownV2"
		sent, err := t.bot.Send(msg)
		if err != nil {
			t.logger.Warn("failed to send stream segment", "error", err)
			return
		}
		state.messageIDs = append(state.messageIDs, sent.MessageID)
	}
}

func (t *TelegramChannel) editMessageMarkdown(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}
