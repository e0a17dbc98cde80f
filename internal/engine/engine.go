package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ysmood/leakless"

	"maabo/internal/config"
	"maabo/internal/logbus"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/notify"
	"maabo/internal/relay"
)

const TypeEngineState = "engine_state"

// SessionRecorder persists finished sessions.
type SessionRecorder interface {
	RecordSession(ctx context.Context, rec model.SessionRecord) error
}

type Options struct {
	Config   config.EngineConfig
	Relay    *relay.Relay
	Bus      *logbus.Bus
	Recorder SessionRecorder
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Engine supervises at most one engine process at a time.
type Engine struct {
	cfg      config.EngineConfig
	relay    *relay.Relay
	bus      *logbus.Bus
	recorder SessionRecorder
	notifier notify.Notifier
	log      *slog.Logger

	mu            sync.Mutex
	state         model.SessionState
	cur           *run
	binaryLocked  bool
	lastExit      *model.ExitInfo
	lastSessionID string
	idle          chan struct{}
}

type run struct {
	session model.Session
	cmd     *exec.Cmd
	guarded bool
	pgid    int
	stream  *relay.Stream

	started       bool
	stopRequested bool
	killRequested bool
	// terminated 已发送过优雅终止信号
	terminated bool

	launched chan struct{}
	exited   chan struct{}
	done     chan struct{}
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Relay == nil {
		ro := relay.Options{Logger: opts.Logger}
		if opts.Bus != nil {
			ro.Publisher = opts.Bus
		}
		opts.Relay = relay.New(ro)
	}
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		cfg:      opts.Config,
		relay:    opts.Relay,
		bus:      opts.Bus,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		log:      opts.Logger,
		state:    model.StateIdle,
		idle:     idle,
	}
}

func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() model.EngineState {
	out := model.EngineState{
		State:         e.state,
		BinaryLocked:  e.binaryLocked,
		LastExit:      e.lastExit,
		LastSessionID: e.lastSessionID,
	}
	if e.cur != nil {
		s := e.cur.session
		s.State = e.state
		out.Session = &s
	}
	return out
}

// publishStateLocked 在持有 e.mu 时发布，保证状态消息与状态变更顺序一致。
func (e *Engine) publishStateLocked() {
	if e.bus != nil {
		e.bus.Publish(TypeEngineState, e.stateLocked())
	}
}

func (e *Engine) logBus(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}

// Start launches the engine for cfg. It returns once the process is running;
// output and exit are reported through the bus.
func (e *Engine) Start(ctx context.Context, cfg *model.EngineConfig) (model.Session, error) {
	const op = "engine.Start"
	if cfg == nil {
		return model.Session{}, model.NewError(op, model.ErrInvalidInput, "nil config")
	}

	e.mu.Lock()
	if e.binaryLocked {
		e.mu.Unlock()
		return model.Session{}, model.NewError(op, model.ErrUpdating, "")
	}
	if e.state != model.StateIdle {
		id := ""
		if e.cur != nil {
			id = e.cur.session.ID
		}
		e.mu.Unlock()
		return model.Session{}, model.NewError(op, model.ErrAlreadyRunning, id)
	}
	r := &run{
		session: model.Session{
			ID:        uuid.NewString(),
			State:     model.StateStarting,
			StartedAt: time.Now(),
			Config:    cfg,
		},
		launched: make(chan struct{}),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.state = model.StateStarting
	e.cur = r
	e.idle = make(chan struct{})
	e.publishStateLocked()
	e.mu.Unlock()

	if err := e.launch(ctx, r, cfg); err != nil {
		e.mu.Lock()
		e.state = model.StateIdle
		e.cur = nil
		idle := e.idle
		e.publishStateLocked()
		e.mu.Unlock()
		close(r.launched)
		close(r.exited)
		close(r.done)
		close(idle)

		e.log.Error("engine launch failed", "session", r.session.ID, "err", err)
		e.logBus("error", "引擎启动失败", map[string]any{"error": err.Error()})
		return model.Session{}, model.NewError(op, model.ErrLaunch, err.Error())
	}

	e.mu.Lock()
	r.started = true
	r.session.PID = r.pgid
	if e.state == model.StateStarting {
		e.state = model.StateRunning
	}
	r.session.State = e.state
	sess := r.session
	if e.cur == r {
		e.publishStateLocked()
	}
	// 启动期间收到的停止请求在此补发，发起 Stop 的调用方可能已经放弃等待
	pendingStop := e.takeTerminateLocked(r)
	e.mu.Unlock()
	close(r.launched)
	if pendingStop {
		e.sendTerminate(r)
	}

	e.log.Info("engine started", "session", sess.ID, "pid", sess.PID, "tasks", len(cfg.Tasks))
	e.logBus("info", "引擎已启动", map[string]any{"pid": sess.PID, "session": sess.ID, "config": cfg.Name})
	return sess, nil
}

func (e *Engine) commandArgs(cfg *model.EngineConfig) []string {
	repl := strings.NewReplacer(
		"{task}", cfg.Name,
		"{profile}", cfg.Options.Profile,
		"{artifact}", cfg.ArtifactPath,
	)
	args := make([]string, 0, len(e.cfg.RunArgs))
	for _, a := range e.cfg.RunArgs {
		args = append(args, repl.Replace(a))
	}
	return args
}

func (e *Engine) launch(ctx context.Context, r *run, cfg *model.EngineConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.cfg.Binary == "" {
		return errors.New("engine binary not configured")
	}
	if _, err := os.Stat(e.cfg.Binary); err != nil {
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}

	args := e.commandArgs(cfg)
	var guard *leakless.Launcher
	if e.cfg.Guarded() && leakless.Support() {
		guard, r.cmd, err = guardedCommand(e.cfg.Binary, args)
		if err != nil {
			e.log.Warn("orphan guard unavailable", "err", err)
			guard = nil
		}
	}
	if guard == nil {
		r.cmd = exec.Command(e.cfg.Binary, args...)
	}
	r.guarded = guard != nil
	setProcAttr(r.cmd)

	env := os.Environ()
	if cfg.Options.ConfigDir != "" {
		env = append(env, maacli.Layout{ConfigDir: cfg.Options.ConfigDir}.Env()...)
	}
	r.cmd.Env = append(env, e.cfg.Env...)
	r.cmd.Stdout = pw
	r.cmd.Stderr = pw

	if err := r.cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return err
	}
	_ = pw.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.cmd.Wait() }()

	r.pgid = r.cmd.Process.Pid
	if guard != nil {
		select {
		case pid := <-guard.Pid():
			if pid == 0 {
				_ = r.cmd.Process.Kill()
				<-waitErr
				_ = pr.Close()
				return fmt.Errorf("orphan guard: %s", guard.Err())
			}
			r.pgid = pid
		case err := <-waitErr:
			_ = pr.Close()
			if err == nil {
				err = errors.New("exited before reporting pid")
			}
			return fmt.Errorf("orphan guard: %w", err)
		case <-time.After(e.cfg.StartTimeout()):
			_ = r.cmd.Process.Kill()
			<-waitErr
			_ = pr.Close()
			return errors.New("orphan guard: timed out waiting for pid")
		}
	}

	r.stream = e.relay.Open(r.session.ID, pr)
	go e.watch(r, waitErr)
	return nil
}

// guardedCommand wraps the engine in the leakless guard, which kills the
// engine's process group when this process disappears.
func guardedCommand(bin string, args []string) (l *leakless.Launcher, cmd *exec.Cmd, err error) {
	defer func() {
		if p := recover(); p != nil {
			l, cmd, err = nil, nil, fmt.Errorf("%v", p)
		}
	}()
	l = leakless.New()
	cmd = l.Command(bin, args...)
	return l, cmd, nil
}

// watch is the only place a session is finalized.
func (e *Engine) watch(r *run, waitErr <-chan error) {
	err := <-waitErr
	close(r.exited)

	// 引擎主进程退出后清理残留的子进程，避免它们占住输出管道
	reapGroup(r.pgid)

	select {
	case <-r.stream.Drained():
	case <-time.After(e.cfg.DrainTimeout()):
		e.log.Warn("engine output not drained in time", "session", r.session.ID)
		r.stream.Close()
		<-r.stream.Drained()
	}
	r.stream.Close()

	e.mu.Lock()
	exit := classifyExit(r, err)
	now := time.Now()
	r.session.EndedAt = &now
	r.session.Exit = &exit
	r.session.State = model.StateIdle
	e.state = model.StateIdle
	e.cur = nil
	e.lastExit = &exit
	e.lastSessionID = r.session.ID
	idle := e.idle
	e.publishStateLocked()
	e.mu.Unlock()

	r.stream.Finish(exit)
	close(r.done)
	close(idle)

	code := -1
	if exit.Code != nil {
		code = *exit.Code
	}
	e.log.Info("engine exited", "session", r.session.ID, "reason", exit.Reason, "code", code)
	e.afterSession(r.session)
}

func classifyExit(r *run, err error) model.ExitInfo {
	var exit model.ExitInfo
	if ps := r.cmd.ProcessState; ps != nil {
		if code := ps.ExitCode(); code >= 0 {
			exit.Code = &code
		}
	}
	switch {
	case r.stopRequested || r.killRequested:
		exit.Reason = model.ExitKilled
	case err == nil && exit.Code != nil && *exit.Code == 0:
		exit.Reason = model.ExitNormal
	default:
		exit.Reason = model.ExitCrashed
		if err != nil {
			exit.Error = err.Error()
		}
	}
	return exit
}

func (e *Engine) afterSession(s model.Session) {
	if s.Exit == nil || s.EndedAt == nil {
		return
	}
	name, tasks := "", 0
	if s.Config != nil {
		name, tasks = s.Config.Name, len(s.Config.Tasks)
	}
	if e.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.recorder.RecordSession(ctx, model.SessionRecord{
			ID:         s.ID,
			ConfigName: name,
			TaskCount:  tasks,
			StartedAt:  s.StartedAt,
			EndedAt:    *s.EndedAt,
			Reason:     s.Exit.Reason,
			ExitCode:   s.Exit.Code,
		})
		cancel()
		if err != nil {
			e.log.Warn("record session failed", "session", s.ID, "err", err)
		}
	}
	if e.notifier != nil {
		e.notifier.NotifySessionEnded(context.Background(), notify.SessionEndedEvent{
			SessionID:  s.ID,
			ConfigName: name,
			TaskCount:  tasks,
			StartedAt:  s.StartedAt.UnixMilli(),
			EndedAt:    s.EndedAt.UnixMilli(),
			Reason:     s.Exit.Reason,
			ExitCode:   s.Exit.Code,
			Error:      s.Exit.Error,
		})
	}
}

// Stop asks the engine to terminate, escalating to a forced kill after the
// grace period. It is a no-op when idle.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	r := e.cur
	if r == nil || e.state == model.StateIdle {
		e.mu.Unlock()
		return nil
	}
	first := !r.stopRequested
	r.stopRequested = true
	e.state = model.StateStopping
	if first {
		e.publishStateLocked()
	}
	e.mu.Unlock()
	if first {
		e.logBus("info", "正在停止引擎", map[string]any{"session": r.session.ID})
	}

	select {
	case <-r.launched:
	default:
		select {
		case <-r.launched:
		case <-ctx.Done():
			// 启动完成后由 Start 补发终止信号
			return ctx.Err()
		}
	}
	e.mu.Lock()
	send := e.takeTerminateLocked(r)
	e.mu.Unlock()
	if send {
		e.sendTerminate(r)
	}

	grace := time.NewTimer(e.cfg.GracePeriod())
	defer grace.Stop()
	select {
	case <-r.done:
		return nil
	case <-grace.C:
		e.log.Warn("engine ignored terminate, killing", "session", r.session.ID)
	case <-ctx.Done():
	}
	e.forceKill(r)

	select {
	case <-r.done:
		return nil
	case <-time.After(e.cfg.KillWait() + e.cfg.DrainTimeout()):
		return fmt.Errorf("engine %d did not exit after kill", r.pgid)
	}
}

// takeTerminateLocked reports whether the caller should send the graceful
// terminate signal; it returns true at most once per run.
func (e *Engine) takeTerminateLocked(r *run) bool {
	if !r.started || !r.stopRequested || r.terminated {
		return false
	}
	r.terminated = true
	return true
}

func (e *Engine) sendTerminate(r *run) {
	if err := terminate(r.pgid); err != nil {
		e.log.Debug("graceful terminate failed", "pid", r.pgid, "err", err)
	}
}

func (e *Engine) forceKill(r *run) {
	if !r.started {
		return
	}
	if err := killTree(r.pgid); err != nil {
		e.log.Debug("kill process group failed", "pid", r.pgid, "err", err)
	}
	if r.guarded || r.cmd.Process.Pid != r.pgid {
		_ = r.cmd.Process.Kill()
	}
}

// KillAll tears the engine down unconditionally. It is safe to call from any
// state and from shutdown paths; it waits a bounded time for the exit.
func (e *Engine) KillAll() {
	e.mu.Lock()
	r := e.cur
	if r != nil {
		r.killRequested = true
		e.state = model.StateStopping
		e.publishStateLocked()
	}
	e.mu.Unlock()
	if r == nil {
		return
	}

	select {
	case <-r.launched:
	case <-time.After(e.cfg.StartTimeout()):
		e.log.Warn("kill all: launch still pending", "session", r.session.ID)
		return
	}
	e.forceKill(r)

	select {
	case <-r.exited:
	case <-time.After(e.cfg.KillWait()):
		e.log.Error("kill all: engine still alive", "session", r.session.ID, "pid", r.pgid)
		return
	}
	select {
	case <-r.done:
	case <-time.After(e.cfg.DrainTimeout() + time.Second):
	}
}

// AcquireBinary takes the exclusive "binary in use" guard for replacing the
// engine executable. Start fails with ErrUpdating while it is held.
func (e *Engine) AcquireBinary() (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.binaryLocked || e.state != model.StateIdle {
		return nil, model.NewError("engine.AcquireBinary", model.ErrUpdateBusy, string(e.state))
	}
	e.binaryLocked = true
	e.publishStateLocked()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.binaryLocked = false
			e.publishStateLocked()
			e.mu.Unlock()
		})
	}, nil
}

func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
