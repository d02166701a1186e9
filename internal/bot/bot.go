// Package bot turns chat messages into session operations. Each message is
// matched against an ordered table of command patterns; the first match wins.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/logger"
	"github.com/ehrlich-b/shellchat/internal/session"
	"github.com/ehrlich-b/shellchat/internal/store"
)

const defaultHistory = 10

// Message is one inbound chat message.
type Message struct {
	ChatID   int64
	UserID   int64
	UserName string
	Text     string
}

// Handler receives inbound chat messages. *Bot implements it.
type Handler interface {
	Handle(ctx context.Context, m Message)
}

type handler func(ctx context.Context, s *session.Session, m Message, args []string)

type route struct {
	name    string
	pattern *regexp.Regexp
	handle  handler
}

var urgentPattern = regexp.MustCompile(`^/(?:stop|kill)(?:all|\s+\d+)$`)

// Urgent reports whether text is a /stop or /kill command. Transports handle
// these as soon as they arrive instead of queueing them behind the chat's
// earlier messages.
func Urgent(text string) bool {
	return urgentPattern.MatchString(strings.TrimSpace(text))
}

// Bot dispatches messages to the sessions of a registry.
type Bot struct {
	sessions *session.Registry
	out      session.Responder
	routes   []route

	mu       sync.RWMutex
	allowed  config.UserList
	messages config.MessagesConfig
}

// New builds a bot over sessions, replying through out.
func New(sessions *session.Registry, out session.Responder, cfg *config.Config) *Bot {
	b := &Bot{sessions: sessions, out: out}
	b.Apply(cfg)
	b.routes = []route{
		{"start", regexp.MustCompile(`^/start$`), b.start},
		{"help", regexp.MustCompile(`^/help$`), b.help},
		{"conn-show", regexp.MustCompile(`^/conn$`), b.showConnection},
		{"conn", regexp.MustCompile(`^/conn\s+([^@\s]+)@([^:\s]+):(\d{1,5})$`), b.setConnection},
		{"conn-invalid", regexp.MustCompile(`^/conn\s`), b.invalidConnection},
		{"password", regexp.MustCompile(`^/password\s+(.+)$`), b.password},
		{"keygen", regexp.MustCompile(`^/keygen$`), b.keygen},
		{"keyauth", regexp.MustCompile(`^/keyauth$`), b.keyauth},
		{"sudo", regexp.MustCompile(`^/sudo\s+(.+)$`), b.sudo},
		{"cd", regexp.MustCompile(`^/cd(?:\s+(.+))?$`), b.cd},
		{"pwd", regexp.MustCompile(`^/pwd$`), b.pwd},
		{"download", regexp.MustCompile(`^/download\s+(.+)$`), b.download},
		{"reset", regexp.MustCompile(`^/reset$`), b.reset},
		{"tasks", regexp.MustCompile(`^/tasks$`), b.tasks},
		{"stopall", regexp.MustCompile(`^/stopall$`), b.stopAll},
		{"stop", regexp.MustCompile(`^/stop\s+(\d+)$`), b.stop},
		{"killall", regexp.MustCompile(`^/killall$`), b.killAll},
		{"kill", regexp.MustCompile(`^/kill\s+(\d+)$`), b.kill},
		{"history", regexp.MustCompile(`^/history(?:\s+(\d+))?$`), b.history},
	}
	return b
}

// Apply takes the allow-list and messages from cfg. It is safe to call while
// messages are being handled.
func (b *Bot) Apply(cfg *config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowed = cfg.Discord.AllowedUsers
	b.messages = cfg.Messages
}

func (b *Bot) allows(userID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowed.Allows(strconv.FormatInt(userID, 10))
}

func (b *Bot) msgs() config.MessagesConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.messages
}

// Handle dispatches one message. Messages from users outside the allow-list
// are dropped.
func (b *Bot) Handle(ctx context.Context, m Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if !b.allows(m.UserID) {
		logger.Debug("message from user not allowed", "user", m.UserID, "name", m.UserName)
		return
	}
	s := b.sessions.GetOrCreate(session.Identity{ChatID: m.ChatID, UserID: m.UserID})

	for _, r := range b.routes {
		match := r.pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		logger.Debug("command", "session", s.Identity(), "command", r.name)
		r.handle(ctx, s, m, match[1:])
		return
	}

	if strings.HasPrefix(text, "/") {
		b.send(ctx, m.ChatID, "[Unknown command]")
		return
	}
	logger.Debug("command", "session", s.Identity(), "command", "exec")
	if _, err := s.ExecuteCommand(ctx, text); err != nil {
		b.fail(ctx, m.ChatID, err)
	}
}

func (b *Bot) start(ctx context.Context, s *session.Session, m Message, _ []string) {
	b.send(ctx, m.ChatID, b.msgs().Start)
}

func (b *Bot) help(ctx context.Context, s *session.Session, m Message, _ []string) {
	b.send(ctx, m.ChatID, b.msgs().Help)
}

func (b *Bot) showConnection(ctx context.Context, s *session.Session, m Message, _ []string) {
	b.sendMono(ctx, m.ChatID, s.ConnectionInfo().String())
}

func (b *Bot) setConnection(ctx context.Context, s *session.Session, m Message, args []string) {
	port, err := strconv.Atoi(args[2])
	if err != nil || port == 0 || port > 65535 {
		b.invalidConnection(ctx, s, m, args)
		return
	}
	s.SetConnection(args[0], args[1], port)
	b.send(ctx, m.ChatID, "[User info is set]")
}

func (b *Bot) invalidConnection(ctx context.Context, s *session.Session, m Message, _ []string) {
	b.send(ctx, m.ChatID, "[Invalid user info format]")
}

func (b *Bot) password(ctx context.Context, s *session.Session, m Message, args []string) {
	if err := s.SetPassword(args[0]); err != nil {
		b.fail(ctx, m.ChatID, err)
		return
	}
	b.send(ctx, m.ChatID, "[Password is set]")
}

func (b *Bot) keygen(ctx context.Context, s *session.Session, m Message, _ []string) {
	if _, err := s.GenerateKey(ctx); err != nil {
		b.fail(ctx, m.ChatID, err)
		return
	}
	b.send(ctx, m.ChatID, b.msgs().KeygenHint)
}

func (b *Bot) keyauth(ctx context.Context, s *session.Session, m Message, _ []string) {
	if _, err := s.AuthorizeKey(ctx); err != nil {
		b.fail(ctx, m.ChatID, err)
	}
}

func (b *Bot) sudo(ctx context.Context, s *session.Session, m Message, args []string) {
	if _, err := s.ExecutePrivilegedCommand(ctx, args[0]); err != nil {
		b.fail(ctx, m.ChatID, err)
	}
}

func (b *Bot) cd(ctx context.Context, s *session.Session, m Message, args []string) {
	target := strings.TrimSpace(args[0])
	if target == "" {
		target = "~"
	}
	if _, err := s.ChangeDirectory(ctx, target); err != nil {
		b.fail(ctx, m.ChatID, err)
	}
}

func (b *Bot) pwd(ctx context.Context, s *session.Session, m Message, _ []string) {
	dir, err := s.PrintWorkingDirectory(ctx)
	if err != nil {
		b.fail(ctx, m.ChatID, err)
		return
	}
	b.sendMono(ctx, m.ChatID, dir)
}

func (b *Bot) download(ctx context.Context, s *session.Session, m Message, args []string) {
	if _, err := s.TransferFile(ctx, strings.TrimSpace(args[0])); err != nil {
		b.fail(ctx, m.ChatID, err)
	}
}

func (b *Bot) reset(ctx context.Context, s *session.Session, m Message, _ []string) {
	s.Reset(ctx)
	b.send(ctx, m.ChatID, "[User info cleared]")
}

func (b *Bot) tasks(ctx context.Context, s *session.Session, m Message, _ []string) {
	list := s.Tasks()
	if len(list) == 0 {
		b.sendMono(ctx, m.ChatID, "[No running tasks]")
		return
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tRUNNING\tTASK")
	now := time.Now()
	for _, t := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID(), t.State(), now.Sub(t.StartedAt()).Round(time.Second), t.Label())
	}
	w.Flush()
	b.sendMono(ctx, m.ChatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) stopAll(ctx context.Context, s *session.Session, m Message, _ []string) {
	if s.StopAllTasks(ctx) == 0 {
		b.sendMono(ctx, m.ChatID, "[No running tasks]")
	}
}

func (b *Bot) stop(ctx context.Context, s *session.Session, m Message, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		b.send(ctx, m.ChatID, "[Unknown command]")
		return
	}
	// The session reports unknown ids itself.
	_ = s.StopTask(ctx, id)
}

func (b *Bot) killAll(ctx context.Context, s *session.Session, m Message, _ []string) {
	if s.KillAllTasks(ctx) == 0 {
		b.sendMono(ctx, m.ChatID, "[No running tasks]")
	}
}

func (b *Bot) kill(ctx context.Context, s *session.Session, m Message, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		b.send(ctx, m.ChatID, "[Unknown command]")
		return
	}
	_ = s.KillTask(ctx, id)
}

func (b *Bot) history(ctx context.Context, s *session.Session, m Message, args []string) {
	n := defaultHistory
	if args[0] != "" {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	runs, err := s.History(n)
	if err != nil {
		b.fail(ctx, m.ChatID, err)
		return
	}
	b.sendMono(ctx, m.ChatID, FormatRuns(runs))
}

// FormatRuns renders audit log runs as a table, newest first.
func FormatRuns(runs []*store.Run) string {
	if len(runs) == 0 {
		return "[No history]"
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tID\tSTATE\tEXIT\tTASK")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.StartedAt.Local().Format("01-02 15:04:05"), r.TaskID, r.State, exit, r.Label)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) fail(ctx context.Context, chatID int64, err error) {
	if errors.Is(err, session.ErrInterrupted) {
		return
	}
	b.send(ctx, chatID, session.RootCause(err))
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := b.out.Send(ctx, chatID, text); err != nil {
		logger.Warn("reply failed", "chat", chatID, "error", err)
	}
}

func (b *Bot) sendMono(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := b.out.SendMono(ctx, chatID, text); err != nil {
		logger.Warn("reply failed", "chat", chatID, "error", err)
	}
}
