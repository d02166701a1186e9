package discord

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/shellchat/internal/bot"
	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/logger"
)

const (
	openAttempts = 5
	inboxSize    = 64
	busyReply    = "[Busy, message dropped. Use /stop or /kill to end a stuck command]"
)

// api is the part of *discordgo.Session the bot sends through.
type api interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Bot connects shellchat to Discord. It implements session.Responder.
// Chat ids are Discord channel ids, user ids are Discord user ids.
type Bot struct {
	session *discordgo.Session
	api     api

	rateLimit rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inboxes  map[string]chan bot.Message
	handler  bot.Handler
	ctx      context.Context
	stopped  bool

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBot creates a new Discord bot
func NewBot(cfg *config.Config) (*Bot, error) {
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	// Handlers never block; ordering per channel is kept by the inboxes.
	session.SyncEvents = true

	b := newBot(session, cfg)
	b.session = session
	session.AddHandler(b.messageHandler)
	return b, nil
}

func newBot(a api, cfg *config.Config) *Bot {
	return &Bot{
		api:       a,
		rateLimit: rate.Limit(cfg.Discord.SendRate),
		burst:     cfg.Discord.SendBurst,
		limiters:  make(map[string]*rate.Limiter),
		inboxes:   make(map[string]chan bot.Message),
		ctx:       context.Background(),
		quit:      make(chan struct{}),
	}
}

// Start opens the gateway, retrying with backoff, and delivers messages to h
// until ctx is done or Stop is called.
func (b *Bot) Start(ctx context.Context, h bot.Handler) error {
	b.mu.Lock()
	b.handler = h
	b.ctx = ctx
	b.mu.Unlock()

	bo := NewBackoff(time.Second, 30*time.Second)
	var err error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if err = b.session.Open(); err == nil {
			logger.Info("discord bot connected")
			return nil
		}
		logger.Warn("discord connect failed", "attempt", attempt, "error", err)
		if attempt == openAttempts {
			break
		}
		if serr := bo.Sleep(ctx); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("failed to open Discord session: %w", err)
}

// Stop closes the gateway and waits for in-flight messages to be handled.
// Messages still queued are dropped.
func (b *Bot) Stop() error {
	var err error
	if b.session != nil {
		err = b.session.Close()
	}
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.stopOnce.Do(func() { close(b.quit) })
	b.wg.Wait()
	return err
}

// messageHandler handles incoming Discord messages
func (b *Bot) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	// Ignore messages from the bot itself
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	b.receive(m.Message)
}

func (b *Bot) receive(m *discordgo.Message) {
	chatID, err1 := strconv.ParseInt(m.ChannelID, 10, 64)
	userID, err2 := strconv.ParseInt(m.Author.ID, 10, 64)
	if err1 != nil || err2 != nil {
		logger.Warn("unexpected discord ids", "channel", m.ChannelID, "user", m.Author.ID)
		return
	}
	if strings.HasPrefix(m.Content, "/password") {
		// Keep passwords out of the channel history. Bots cannot delete
		// other users' messages in DMs, so failure is expected there.
		b.background(func(ctx context.Context) {
			if err := b.api.ChannelMessageDelete(m.ChannelID, m.ID, discordgo.WithContext(ctx)); err != nil {
				logger.Debug("password message not deleted", "channel", m.ChannelID, "error", err)
			}
		})
	}
	b.enqueue(m.ChannelID, bot.Message{
		ChatID:   chatID,
		UserID:   userID,
		UserName: m.Author.Username,
		Text:     m.Content,
	})
}

// enqueue hands msg to the channel's worker, starting it on first use.
// Messages of one channel are handled in arrival order, except task control
// commands, which are handled at once so they can reach a stuck command.
// enqueue never blocks: with the inbox full the message is dropped.
func (b *Bot) enqueue(channelID string, msg bot.Message) {
	b.mu.Lock()
	h := b.handler
	if h == nil || b.stopped {
		b.mu.Unlock()
		return
	}
	if bot.Urgent(msg.Text) {
		b.mu.Unlock()
		b.background(func(ctx context.Context) { h.Handle(ctx, msg) })
		return
	}
	ch, ok := b.inboxes[channelID]
	if !ok {
		ch = make(chan bot.Message, inboxSize)
		b.inboxes[channelID] = ch
		b.wg.Add(1)
		go b.work(b.ctx, h, ch)
	}
	b.mu.Unlock()

	select {
	case ch <- msg:
	default:
		logger.Warn("inbox full, message dropped", "channel", channelID, "user", msg.UserID)
		b.background(func(ctx context.Context) {
			if err := b.Send(ctx, msg.ChatID, busyReply); err != nil {
				logger.Debug("busy reply failed", "channel", channelID, "error", err)
			}
		})
	}
}

// background runs fn on its own goroutine with the bot's context. Stop waits
// for it.
func (b *Bot) background(fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	ctx := b.ctx
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

func (b *Bot) work(ctx context.Context, h bot.Handler, ch <-chan bot.Message) {
	defer b.wg.Done()
	for {
		select {
		case m := <-ch:
			h.Handle(ctx, m)
		case <-b.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) limiter(channelID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(b.rateLimit, b.burst)
		b.limiters[channelID] = l
	}
	return l
}

// Send delivers text as one or more plain messages.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) error {
	return b.sendChunks(ctx, chatID, Split(text, MaxMessageLen))
}

// SendMono delivers text in code blocks.
func (b *Bot) SendMono(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return b.sendChunks(ctx, chatID, Mono(text))
}

func (b *Bot) sendChunks(ctx context.Context, chatID int64, chunks []string) error {
	channelID := strconv.FormatInt(chatID, 10)
	l := b.limiter(channelID)
	for _, c := range chunks {
		if err := l.Wait(ctx); err != nil {
			return err
		}
		if _, err := b.api.ChannelMessageSend(channelID, c, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// SendDocument uploads r as a file attachment named name.
func (b *Bot) SendDocument(ctx context.Context, chatID int64, name string, r io.Reader, caption string) error {
	channelID := strconv.FormatInt(chatID, 10)
	if err := b.limiter(channelID).Wait(ctx); err != nil {
		return err
	}
	if chunks := Split(caption, MaxMessageLen); len(chunks) > 0 {
		caption = chunks[0]
	}
	_, err := b.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{{
			Name:        name,
			ContentType: "application/octet-stream",
			Reader:      r,
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send document: %w", err)
	}
	return nil
}
