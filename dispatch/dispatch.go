// Package dispatch routes chat updates: slash commands start or cancel
// setup dialogs, button presses advance them, and free text either
// completes a task description or goes to the thread's running session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/plural-remote/callback"
	"github.com/zhubert/plural-remote/directory"
	"github.com/zhubert/plural-remote/flow"
	"github.com/zhubert/plural-remote/inbox"
	"github.com/zhubert/plural-remote/manager"
	"github.com/zhubert/plural-remote/relay"
	"github.com/zhubert/plural-remote/transport"
)

// Replies sent to the chat.
const (
	MsgNotUnderstood  = "Sorry, I couldn't understand that."
	MsgNoDialog       = "No active setup dialog."
	MsgStaleChoice    = "That choice is no longer current."
	MsgSessionRunning = "A session is already running in this thread. Use /stop first."
	MsgNoSession      = "No session is running in this thread."
	MsgCancelled      = "Setup cancelled."
	MsgNoMachines     = "No machines are configured."
	MsgNoSessions     = "No active sessions."
	MsgDescribeTask   = "Describe the task:"
)

// Callback namespaces, one per flow kind.
const (
	NamespaceSession = "ss"
	NamespaceTask    = "ts"
)

// Callback keys, one per step, plus cancel.
const (
	KeyMachine   = "m"
	KeyRepo      = "r"
	KeySubfolder = "f"
	KeyStartMode = "s"
	KeyRepoMode  = "rm"
	KeyCancel    = "x"
)

var errStale = errors.New("stale choice")

var namespaceKinds = map[string]flow.Kind{
	NamespaceSession: flow.KindSessionSetup,
	NamespaceTask:    flow.KindTaskSetup,
}

var stepKeys = map[flow.Step]string{
	flow.StepSelectMachine:   KeyMachine,
	flow.StepSelectRepo:      KeyRepo,
	flow.StepSelectSubfolder: KeySubfolder,
	flow.StepSelectStartMode: KeyStartMode,
	flow.StepSelectRepoMode:  KeyRepoMode,
}

// Sessions is the part of the session manager the dispatcher drives.
type Sessions interface {
	Spawn(ctx context.Context, req manager.SpawnRequest) (*manager.ActiveSession, error)
	SendInput(threadKey, text string) error
	Stop(threadKey string) error
	Get(threadKey string) (*manager.ActiveSession, bool)
	List() []manager.Info
}

// Directory answers setup-dialog lookups.
type Directory interface {
	Machines() []string
	Machine(name string) (directory.Machine, bool)
	Repos(ctx context.Context, machine string) ([]string, error)
	Subfolders(ctx context.Context, machine, repo string) ([]string, error)
}

// TaskQueue accepts tasks created by task-setup dialogs.
type TaskQueue interface {
	CreateTask(ctx context.Context, task inbox.Task) (string, error)
}

// Replier sends plain messages to a thread.
type Replier interface {
	SendToTopic(ctx context.Context, topicID, text string) error
}

// EngineResolver picks the engine for a legacy mode-only start token.
type EngineResolver interface {
	ResolveEngine(threadKey, machine string) string
}

// EngineResolverFunc adapts a function to EngineResolver.
type EngineResolverFunc func(threadKey, machine string) string

// ResolveEngine calls f.
func (f EngineResolverFunc) ResolveEngine(threadKey, machine string) string {
	return f(threadKey, machine)
}

// Config wires a Dispatcher.
type Config struct {
	Flows     *flow.Store
	Sessions  Sessions
	Directory Directory
	Tasks     TaskQueue
	Replies   Replier
	Prompts   relay.Prompter
	Engines   callback.EngineTable
	Resolver  EngineResolver
	Now       func() time.Time
	Logger    *slog.Logger
}

// Dispatcher handles inbox updates.
type Dispatcher struct {
	cfg Config
	log *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Engines.Engines == nil {
		cfg.Engines = callback.DefaultEngineTable()
	}
	if cfg.Resolver == nil {
		def := cfg.Engines.Default
		cfg.Resolver = EngineResolverFunc(func(string, string) string { return def })
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{cfg: cfg, log: log}
}

// Handle processes one update. It has the signature poller.Loop expects.
func (d *Dispatcher) Handle(ctx context.Context, u inbox.Update) {
	log := d.log.With("thread", u.ThreadKey, "update", u.ID)
	if u.IsCallback() {
		log.Debug("callback", "token", u.Callback)
		d.handleCallback(ctx, u)
		return
	}

	text := strings.TrimSpace(u.Text)
	if cmd, ok := command(text); ok {
		log.Debug("command", "command", cmd)
		d.handleCommand(ctx, u, cmd)
		return
	}
	d.handleText(ctx, u, text)
}

// command extracts "/name" from "/name@bot args".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), name != ""
}

func (d *Dispatcher) handleCommand(ctx context.Context, u inbox.Update, cmd string) {
	switch cmd {
	case "session":
		if _, running := d.cfg.Sessions.Get(u.ThreadKey); running {
			d.reply(ctx, u.ThreadKey, MsgSessionRunning)
			return
		}
		d.startFlow(ctx, u, flow.KindSessionSetup)
	case "task":
		d.startFlow(ctx, u, flow.KindTaskSetup)
	case "cancel":
		d.cancel(ctx, u.ThreadKey)
	case "stop":
		if err := d.cfg.Sessions.Stop(u.ThreadKey); err != nil {
			if errors.Is(err, manager.ErrNoSession) {
				d.reply(ctx, u.ThreadKey, MsgNoSession)
				return
			}
			d.reply(ctx, u.ThreadKey, "Couldn't stop the session: "+err.Error())
			return
		}
		d.reply(ctx, u.ThreadKey, "Stopping session…")
	case "status":
		d.reply(ctx, u.ThreadKey, d.status(u.ThreadKey))
	default:
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
	}
}

func (d *Dispatcher) startFlow(ctx context.Context, u inbox.Update, kind flow.Kind) {
	machines := d.cfg.Directory.Machines()
	if len(machines) == 0 {
		d.reply(ctx, u.ThreadKey, MsgNoMachines)
		return
	}
	f := flow.New(kind, u.ThreadKey, u.ActorRef, d.cfg.Now())
	f.Present(flow.StepSelectMachine, machines)
	d.cfg.Flows.Set(u.ThreadKey, f)
	d.prompt(ctx, u.ThreadKey, "Pick a machine:", f)
}

func (d *Dispatcher) cancel(ctx context.Context, threadKey string) {
	if d.cfg.Flows.Clear(threadKey) {
		d.reply(ctx, threadKey, MsgCancelled)
		return
	}
	d.reply(ctx, threadKey, MsgNoDialog)
}

func (d *Dispatcher) status(threadKey string) string {
	var b strings.Builder
	if f, ok := d.cfg.Flows.Get(threadKey); ok {
		fmt.Fprintf(&b, "Setup in progress: %s at %s\n", f.Kind, f.Step)
	}
	infos := d.cfg.Sessions.List()
	if len(infos) == 0 {
		b.WriteString(MsgNoSessions)
		return b.String()
	}
	now := d.cfg.Now()
	for _, info := range infos {
		label := info.ProjectLabel
		if label == "" {
			label = info.Target
		}
		marker := "•"
		if info.ThreadKey == threadKey {
			marker = "▶"
		}
		fmt.Fprintf(&b, "%s %s on %s (%s, %s)\n", marker, label, info.Target, info.State, manager.FormatElapsed(now.Sub(info.StartedAt)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleText(ctx context.Context, u inbox.Update, text string) {
	if text == "" {
		return
	}

	if f, ok := d.cfg.Flows.Get(u.ThreadKey); ok && f.Step == flow.StepAwaitDescription {
		d.describeTask(ctx, u, text)
		return
	}

	if _, ok := d.cfg.Sessions.Get(u.ThreadKey); ok {
		if err := d.cfg.Sessions.SendInput(u.ThreadKey, text); err != nil {
			d.log.Warn("failed to forward input", "thread", u.ThreadKey, "error", err)
			d.reply(ctx, u.ThreadKey, "Couldn't send that to the session: "+err.Error())
		}
		return
	}
	d.log.Debug("ignoring text outside a session", "thread", u.ThreadKey)
}

func (d *Dispatcher) handleCallback(ctx context.Context, u inbox.Update) {
	tok, ok := callback.Decode(u.Callback)
	if !ok {
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
		return
	}
	kind, ok := namespaceKinds[tok.Namespace]
	if !ok {
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
		return
	}
	if tok.Key == KeyCancel {
		d.cancel(ctx, u.ThreadKey)
		return
	}

	switch tok.Key {
	case KeyStartMode:
		d.chooseStartMode(ctx, u, kind, tok.Value)
	case KeyMachine, KeyRepo, KeySubfolder, KeyRepoMode:
		d.choose(ctx, u, kind, tok.Key, tok.Value)
	default:
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
	}
}

// choose resolves an index-valued choice against the cached candidates,
// advances the flow, and presents the next step.
func (d *Dispatcher) choose(ctx context.Context, u inbox.Update, kind flow.Kind, key, value string) {
	index, ok := parseIndex(value)
	if !ok {
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
		return
	}

	f, err := d.cfg.Flows.Update(u.ThreadKey, func(f *flow.Flow) error {
		if f.Kind != kind || stepKeys[f.Step] != key {
			return errStale
		}
		choice, err := f.Resolve(index)
		if err != nil {
			return err
		}
		switch f.Step {
		case flow.StepSelectMachine:
			f.Machine = choice
		case flow.StepSelectRepo:
			f.Repo = choice
		case flow.StepSelectSubfolder:
			f.Subfolder = choice
		case flow.StepSelectRepoMode:
			f.RepoMode = choice
		}
		f.Advance()
		if f.Step == flow.StepSelectRepo && f.RepoMode == flow.RepoModeNone {
			f.Advance()
		}
		return nil
	})
	if err != nil {
		d.replyFlowError(ctx, u.ThreadKey, err)
		return
	}
	d.present(ctx, u.ThreadKey, f)
}

// present shows the step f is now at. Candidates that need a remote lookup
// are fetched outside the flow lock and then cached on the flow.
func (d *Dispatcher) present(ctx context.Context, threadKey string, f *flow.Flow) {
	var (
		candidates []string
		text       string
		err        error
	)
	switch f.Step {
	case flow.StepSelectRepo:
		text = fmt.Sprintf("Pick a repository on %s:", f.Machine)
		candidates, err = d.cfg.Directory.Repos(ctx, f.Machine)
	case flow.StepSelectSubfolder:
		text = fmt.Sprintf("Pick a folder in %s:", f.Repo)
		candidates, err = d.cfg.Directory.Subfolders(ctx, f.Machine, f.Repo)
	case flow.StepSelectStartMode:
		text = "Pick an engine and mode:"
		candidates = d.startModes()
	case flow.StepSelectRepoMode:
		text = "Work in an existing repository?"
		candidates = []string{flow.RepoModeExisting, flow.RepoModeNone}
	case flow.StepAwaitDescription:
		d.reply(ctx, threadKey, MsgDescribeTask)
		return
	default:
		return
	}

	if err != nil {
		d.log.Warn("lookup failed", "thread", threadKey, "step", f.Step, "error", err)
		d.cfg.Flows.Clear(threadKey)
		d.reply(ctx, threadKey, fmt.Sprintf("Couldn't look that up on %s: %v", f.Machine, err))
		return
	}
	if len(candidates) == 0 {
		d.cfg.Flows.Clear(threadKey)
		d.reply(ctx, threadKey, fmt.Sprintf("Nothing to choose from on %s.", f.Machine))
		return
	}

	step := f.Step
	f, err = d.cfg.Flows.Update(threadKey, func(cur *flow.Flow) error {
		if cur.Step != step {
			return errStale
		}
		cur.Present(step, candidates)
		return nil
	})
	if err != nil {
		d.replyFlowError(ctx, threadKey, err)
		return
	}
	d.prompt(ctx, threadKey, text, f)
}

// startModes lists engine+mode values for every engine in the table.
func (d *Dispatcher) startModes() []string {
	codes := make([]string, 0, len(d.cfg.Engines.Engines))
	for code := range d.cfg.Engines.Engines {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var values []string
	for _, code := range codes {
		values = append(values,
			callback.EncodeEngineMode(code, callback.ModeDS),
			callback.EncodeEngineMode(code, callback.ModeCDS))
	}
	return values
}

func (d *Dispatcher) chooseStartMode(ctx context.Context, u inbox.Update, kind flow.Kind, value string) {
	if kind != flow.KindSessionSetup || value == "" {
		d.reply(ctx, u.ThreadKey, MsgNotUnderstood)
		return
	}
	if _, running := d.cfg.Sessions.Get(u.ThreadKey); running {
		d.reply(ctx, u.ThreadKey, MsgSessionRunning)
		return
	}

	var final flow.Flow
	_, err := d.cfg.Flows.Update(u.ThreadKey, func(f *flow.Flow) error {
		if f.Kind != kind || f.Step != flow.StepSelectStartMode {
			return errStale
		}
		final = *f
		f.Advance()
		return nil
	})
	if err != nil {
		d.replyFlowError(ctx, u.ThreadKey, err)
		return
	}

	em := callback.ParseEngineMode(value, d.cfg.Engines)
	engine := em.Engine
	if em.Legacy {
		engine = d.cfg.Resolver.ResolveEngine(u.ThreadKey, final.Machine)
	}

	m, ok := d.cfg.Directory.Machine(final.Machine)
	if !ok {
		d.reply(ctx, u.ThreadKey, fmt.Sprintf("Machine %s is no longer configured.", final.Machine))
		return
	}
	dir := directory.RepoPath(m, final.Repo, final.Subfolder)
	req := manager.SpawnRequest{
		ThreadKey:    u.ThreadKey,
		Target:       final.Machine,
		Command:      transport.InDir(dir, engine+" "+em.Mode),
		ProjectLabel: projectLabel(final.Repo, final.Subfolder),
	}
	req.Description = fmt.Sprintf("%s %s session for %s on %s", engine, em.Mode, req.ProjectLabel, final.Machine)

	d.reply(ctx, u.ThreadKey, fmt.Sprintf("Starting %s %s on %s in %s…", engine, em.Mode, final.Machine, dir))
	if _, err := d.cfg.Sessions.Spawn(ctx, req); err != nil {
		var spawnErr *manager.SpawnError
		switch {
		case errors.Is(err, manager.ErrSessionExists):
			d.reply(ctx, u.ThreadKey, MsgSessionRunning)
		case errors.As(err, &spawnErr):
			d.reply(ctx, u.ThreadKey, "Couldn't start the session: "+spawnErr.Reason)
		default:
			d.reply(ctx, u.ThreadKey, "Couldn't start the session: "+err.Error())
		}
	}
}

func (d *Dispatcher) describeTask(ctx context.Context, u inbox.Update, text string) {
	var final flow.Flow
	_, err := d.cfg.Flows.Update(u.ThreadKey, func(f *flow.Flow) error {
		if f.Step != flow.StepAwaitDescription {
			return errStale
		}
		final = *f
		f.Advance()
		return nil
	})
	if err != nil {
		d.replyFlowError(ctx, u.ThreadKey, err)
		return
	}

	id, err := d.cfg.Tasks.CreateTask(ctx, inbox.Task{
		ThreadKey:   u.ThreadKey,
		OwnerRef:    final.OwnerRef,
		Machine:     final.Machine,
		RepoMode:    final.RepoMode,
		Repo:        final.Repo,
		Description: text,
		CreatedAt:   d.cfg.Now(),
	})
	if err != nil {
		d.log.Warn("task creation failed", "thread", u.ThreadKey, "error", err)
		d.reply(ctx, u.ThreadKey, "Couldn't create the task: "+err.Error())
		return
	}
	d.reply(ctx, u.ThreadKey, fmt.Sprintf("Task %s queued for %s.", id, final.Machine))
}

func (d *Dispatcher) replyFlowError(ctx context.Context, threadKey string, err error) {
	switch {
	case errors.Is(err, flow.ErrNoFlow):
		d.reply(ctx, threadKey, MsgNoDialog)
	case errors.Is(err, errStale):
		d.reply(ctx, threadKey, MsgStaleChoice)
	default:
		d.reply(ctx, threadKey, MsgNotUnderstood)
	}
}

func (d *Dispatcher) prompt(ctx context.Context, threadKey, text string, f *flow.Flow) {
	ns := NamespaceSession
	if f.Kind == flow.KindTaskSetup {
		ns = NamespaceTask
	}
	key := stepKeys[f.Step]

	buttons := make([]relay.Button, 0, len(f.Candidates)+1)
	for i, c := range f.Candidates {
		value := fmt.Sprint(i)
		if f.Step == flow.StepSelectStartMode {
			value = c
		}
		buttons = append(buttons, relay.Button{Label: d.label(f.Step, c), Data: callback.Encode(ns, key, value)})
	}
	buttons = append(buttons, relay.Button{Label: "Cancel", Data: callback.Encode(ns, KeyCancel, "")})

	if err := d.cfg.Prompts.Prompt(ctx, threadKey, text, buttons); err != nil {
		d.log.Warn("failed to send prompt", "thread", threadKey, "error", err)
	}
}

// label renders a candidate for a button.
func (d *Dispatcher) label(step flow.Step, candidate string) string {
	switch step {
	case flow.StepSelectStartMode:
		em := callback.ParseEngineMode(candidate, d.cfg.Engines)
		return em.Engine + " " + em.Mode
	case flow.StepSelectRepoMode:
		if candidate == flow.RepoModeNone {
			return "No repository"
		}
		return "Existing repository"
	case flow.StepSelectSubfolder:
		if candidate == directory.RootFolder {
			return "(repository root)"
		}
	}
	return candidate
}

func (d *Dispatcher) reply(ctx context.Context, threadKey, text string) {
	if err := d.cfg.Replies.SendToTopic(ctx, threadKey, text); err != nil {
		d.log.Warn("failed to reply", "thread", threadKey, "error", err)
	}
}

func parseIndex(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func projectLabel(repo, subfolder string) string {
	if subfolder == "" || subfolder == directory.RootFolder {
		return repo
	}
	return repo + "/" + subfolder
}
