package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"slotwatch/internal/eventbus"
	"slotwatch/internal/runtime/supervisor"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

const (
	replyUnknown      = "Unknown command. Try /help"
	replyUnauthorized = "unauthorized"
	replyBusy         = "busy, try again"
)

// HandledEvent is published on the bus after each command.
type HandledEvent struct {
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
	FromID  int64  `json:"from_id"`
	Error   string `json:"error,omitempty"`
}

// Manager owns the command registry and the dispatch loop.
type Manager struct {
	log     logx.Logger
	adapter kit.Adapter
	inbox   Inbox
	bus     eventbus.Bus

	mu       sync.RWMutex
	owner    int64
	cmds     map[string]*Command // canonical name and aliases
	ordered  []*Command
	fallback time.Duration

	jobs chan func()
}

type Option func(*Manager)

// WithDefaultTimeout bounds handlers that set no Timeout of their own.
func WithDefaultTimeout(d time.Duration) Option { return func(m *Manager) { m.fallback = d } }

func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func NewManager(log logx.Logger, adapter kit.Adapter, inbox Inbox, owner int64, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:      log.With(logx.String("comp", "commands")),
		adapter:  adapter,
		inbox:    inbox,
		bus:      eventbus.Nop(),
		owner:    owner,
		cmds:     map[string]*Command{},
		fallback: time.Minute,
		jobs:     make(chan func(), 64),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetOwner replaces the operator allowed to run commands.
func (m *Manager) SetOwner(id int64) {
	m.mu.Lock()
	m.owner = id
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner != 0 && id == m.owner
}

// SetRegistry replaces all commands. Later duplicates lose; conflicts are logged.
func (m *Manager) SetRegistry(cmds []Command) {
	index := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := normalizeName(c.Name)
		if name == "" || c.Handle == nil {
			m.log.Warn("command skipped", logx.String("name", c.Name))
			continue
		}
		c.Name = name
		if _, dup := index[name]; dup {
			m.log.Warn("duplicate command", logx.String("name", name))
			continue
		}
		cp := &c
		index[name] = cp
		ordered = append(ordered, cp)
		for _, a := range c.Aliases {
			a = normalizeName(a)
			if a == "" {
				continue
			}
			if _, dup := index[a]; dup {
				m.log.Warn("alias conflict", logx.String("alias", a), logx.String("command", name))
				continue
			}
			index[a] = cp
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	m.mu.Lock()
	m.cmds = index
	m.ordered = ordered
	m.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.ordered))
	for _, c := range m.ordered {
		out = append(out, *c)
	}
	return out
}

func (m *Manager) lookup(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[name]
	return c, ok
}

// SyncMenu pushes the command list to adapters that support a command menu.
func (m *Manager) SyncMenu(ctx context.Context) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, menuCommands(m.Commands())); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, min(runtime.NumCPU(), 4))

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := range workers {
		name := "commands.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
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
			m.Route(ctx, up)
		}
	}
}

func (m *Manager) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route handles one update. Inbox delivery happens inline so a captcha
// answer or acknowledgment never waits behind a slow command.
func (m *Manager) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := *up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		if m.inbox != nil && m.inbox.Dispatch(msg) {
			m.log.Debug("reply delivered", logx.Int64("from_id", msg.FromID))
			return
		}
		m.log.Debug("message ignored", logx.Int64("from_id", msg.FromID))
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !m.isOwner(msg.FromID) {
		m.log.Warn("command from non-operator", logx.Int64("from_id", msg.FromID), logx.String("text", parts[0]))
		m.reply(ctx, chat, replyUnauthorized)
		return
	}

	word := commandWord(parts[0])
	cmd, ok := m.lookup(word)
	if !ok {
		m.reply(ctx, chat, replyUnknown)
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger:  m.log.With(logx.String("rid", rid), logx.String("cmd", cmd.Name)),
		adapter: m.adapter,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.fallback
	}
	final := Chain(
		cmd.Handle,
		MWReplyError(),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	job := func() {
		err := final(ctx, req)
		ev := HandledEvent{Command: req.Command, Args: strings.Join(req.Args, " "), FromID: req.FromID}
		if err != nil {
			ev.Error = err.Error()
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.CommandHandled, Time: time.Now(), Data: ev})
	}
	select {
	case m.jobs <- job:
	default:
		m.reply(ctx, chat, replyBusy)
	}
}

func (m *Manager) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if m.adapter == nil {
		return
	}
	if _, err := m.adapter.SendText(ctx, to, text, nil); err != nil {
		m.log.Warn("reply failed", logx.Err(err))
	}
}
