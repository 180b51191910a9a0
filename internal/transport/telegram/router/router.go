// Package router turns incoming chat messages into command invocations:
// tokenizing, alias lookup, owner checks, a middleware chain and a bounded
// worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "hoyorelay/internal/runtime/supervisor"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// GroupOnly rejects the command in private chats.
	GroupOnly bool

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

// Replier is the part of the transport a handler answers through.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Out     Replier
	Logger  logx.Logger
	IsOwner bool
}

// Reply sends an HTML message back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Out.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases -> command
	order  []*Command
	owners []int64

	log logx.Logger
	out Replier

	defaultTimeout time.Duration
	workers        int
	jobs           chan func()
}

type Option func(*CommandManager)

// WithWorkers overrides the worker pool size (default NumCPU, at least 2).
func WithWorkers(n int) Option { return func(m *CommandManager) { m.workers = n } }

// WithDefaultTimeout bounds commands that set no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *CommandManager) { m.defaultTimeout = d }
}

func NewCommandManager(log logx.Logger, out Replier, owners []int64, opts ...Option) *CommandManager {
	m := &CommandManager{
		cmds:           map[string]*Command{},
		owners:         append([]int64(nil), owners...),
		log:            log.With(logx.String("comp", "telegram.router")),
		out:            out,
		defaultTimeout: 30 * time.Second,
		workers:        max(runtime.NumCPU(), 2),
		jobs:           make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces the command set. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(slices.Clone(cmds), helper)

	byName := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		order = append(order, c)
	}
	// Aliases never shadow a real command name.
	for _, c := range order {
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, taken := byName[a]; a == "" || taken {
				continue
			}
			byName[a] = c
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.order = order
	m.mu.Unlock()
}

// Menu lists the registered commands in Telegram menu form.
func (m *CommandManager) Menu() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildTelegramMenuCommands(m.order)
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[strings.ToLower(word)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	jobs := m.jobs
	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.routeMessage(ctx, up.Message)
			}
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	// Middleware already recovers; this keeps the worker alive regardless.
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if job != nil {
		job()
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). ok is false for
// text that is not a command.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

func (m *CommandManager) routeMessage(root context.Context, msg *kit.Message) {
	word, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		// Group chats carry commands meant for other bots; stay quiet there.
		if !msg.IsGroup {
			_, _ = m.out.SendText(root, to, "unknown command, try /help", nil)
		}
		return
	}
	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.out.SendText(root, to, "unauthorized", nil)
		return
	}
	if cmd.GroupOnly && !msg.IsGroup {
		_, _ = m.out.SendText(root, to, "this command only works in group chats", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Out:     m.out,
		IsOwner: owner,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		_, _ = m.out.SendText(root, to, "busy, try again", nil)
	}
}
