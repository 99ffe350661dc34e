// Package telegram reports bridge failures to a Telegram chat and answers
// a few status commands from that chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/config"
)

const maxMessageLen = 4096

// Monitor is the read-only view of the bridge the bot reports on.
type Monitor interface {
	Health() bridge.Health
	Sessions() []bridge.Session
	Subscribe(fn bridge.Listener) func()
}

type sender interface {
	send(ctx context.Context, chatID int64, text string) error
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	monitor Monitor
	cfg     config.TelegramConfig
	out     sender
	alerts  chan string
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, monitor Monitor) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b := newBot(cfg, monitor)
	b.bot = bot
	b.out = b
	return b, nil
}

func newBot(cfg config.TelegramConfig, monitor Monitor) *Bot {
	return &Bot{
		monitor: monitor,
		cfg:     cfg,
		alerts:  make(chan string, 64),
	}
}

// Start subscribes to bridge events and serves chat commands until ctx is
// cancelled.
func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	unsubscribe := b.monitor.Subscribe(b.onEvent)
	defer unsubscribe()
	go b.deliver(ctx)

	if b.bot == nil {
		<-ctx.Done()
		return nil
	}

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

// onEvent runs on the bridge's publishing goroutine and only queues.
func (b *Bot) onEvent(ev bridge.Event) {
	text, ok := formatEvent(ev)
	if !ok {
		return
	}
	select {
	case b.alerts <- text:
	default:
		slog.Warn("telegram alert dropped", "event", ev.Type)
	}
}

func (b *Bot) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-b.alerts:
			if err := b.out.send(ctx, b.cfg.ChatID, text); err != nil {
				slog.Error("failed to send telegram alert", "chat", b.cfg.ChatID, "error", err)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Chat.ID != b.cfg.ChatID {
		slog.Warn("telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	reply, ok := b.reply(msg.Text)
	if !ok {
		return
	}
	if err := b.out.send(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", msg.Chat.ID, "error", err)
	}
}

func (b *Bot) reply(text string) (string, bool) {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/health":
		return formatHealth(b.monitor.Health()), true
	case "/sessions":
		return formatSessions(b.monitor.Sessions()), true
	case "/help", "/start":
		return "Commands:\n/health - bridge health\n/sessions - active swarm sessions", true
	default:
		return "", false
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitLines(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatEvent(ev bridge.Event) (string, bool) {
	var text string
	switch ev.Type {
	case bridge.EventFatal:
		text = "Bridge failed: " + ev.Error
	case bridge.EventProcessExited:
		text = "Engine process exited: " + ev.Error
	case bridge.EventRestarting:
		text = "Bridge restarting"
		if ev.Error != "" {
			text += ": " + ev.Error
		}
	case bridge.EventSessionsLost:
		text = "Swarm sessions lost after engine restart"
		if len(ev.Data) > 0 {
			text += ": " + string(ev.Data)
		}
	default:
		return "", false
	}
	return text + "\n" + ev.Timestamp.UTC().Format(time.RFC3339), true
}

func formatHealth(h bridge.Health) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", h.Status)
	fmt.Fprintf(&sb, "Process running: %t\n", h.ProcessRunning)
	fmt.Fprintf(&sb, "Connection: %s\n", h.ConnectionState)
	fmt.Fprintf(&sb, "Pending commands: %d\n", h.PendingCommandCount)
	fmt.Fprintf(&sb, "Active sessions: %d\n", h.ActiveSessionCount)
	fmt.Fprintf(&sb, "Reconnect attempts: %d", h.ReconnectAttempts)
	if h.LastHeartbeat != nil {
		fmt.Fprintf(&sb, "\nLast heartbeat: %s", h.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatSessions(sessions []bridge.Session) string {
	if len(sessions) == 0 {
		return "No active sessions"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active sessions:", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&sb, "\n%s %s pop=%d", s.ID, s.Config.Algorithm, s.Config.PopulationSize)
		if s.Config.Name != "" {
			fmt.Fprintf(&sb, " (%s)", s.Config.Name)
		}
	}
	return sb.String()
}

// splitLines packs whole lines into messages of at most limit bytes, so
// a session listing never breaks mid-entry. A single line over the limit
// is cut on a rune boundary.
func splitLines(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			out = append(out, line[:cut])
			line = line[cut:]
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return out
}
