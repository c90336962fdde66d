package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "chanfetch/internal/runtime/supervisor"
	kit "chanfetch/internal/transport"
	logx "chanfetch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackRoute handles inline-button data of the form "<scope>:<action>[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

func (r CallbackRoute) key() string { return r.Scope + ":" + r.Action }

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Payload      string // callback payload
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// Router turns updates into command invocations on a bounded worker pool.
type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []*Command
	callbacks map[string]CallbackRoute
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *Router) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// Register replaces the command and callback tables. /help is always added.
func (m *Router) Register(cmds []Command, cbs []CallbackRoute) {
	helper := &Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show commands",
		Usage:       "/help",
		Access:      AccessEveryone,
	}
	helper.Handle = func(ctx context.Context, req *Request) error {
		_, err := req.Reply(ctx, m.helpText(req.FromID))
		return err
	}

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds)+1)
	for _, c := range append(cmds, *helper) {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		ordered = append(ordered, &cc)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = &cc
			}
		}
	}

	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		if strings.TrimSpace(r.Scope) == "" || strings.TrimSpace(r.Action) == "" || r.Handle == nil {
			continue
		}
		cb[r.key()] = r
	}

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.callbacks = cb
	m.mu.Unlock()
}

// MenuCommands lists registered commands for the platform menu.
func (m *Router) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.ordered))
	for _, c := range m.ordered {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// UpdateMenu publishes MenuCommands when the adapter supports it.
func (m *Router) UpdateMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, m.MenuCommands())
}

// tryEnqueue is a panic-safe enqueue (the jobs channel may be closed).
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx ends or updates is closed.
func (m *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "bot.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()
	m.log.Info("command router started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		close(m.jobs)
		m.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

func (m *Router) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	m.mu.RLock()
	cmd := m.commands[word]
	m.mu.RUnlock()
	if cmd == nil {
		_, _ = m.adapter.SendText(root, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	req := m.newRequest(up, chat, msg.FromID, msg.FromUsername, cmd.Name)
	req.Args = parts[1:]
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "busy, try again", nil)
	}
}

func (m *Router) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	m.mu.RLock()
	route, ok := m.callbacks[parts[0]+":"+parts[1]]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := m.newRequest(up, chat, cb.FromID, cb.FromUsername, "cb:"+route.key())
	if len(parts) == 3 {
		req.Payload = parts[2]
	}
	final := Chain(route.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = final(root, req)
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (m *Router) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, fromUser, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         chat,
		FromID:       fromID,
		FromUsername: fromUser,
		Command:      command,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
	}
}
