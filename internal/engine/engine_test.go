//go:build !windows

package engine

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/leakless"

	"maabo/internal/config"
	"maabo/internal/logbus"
	"maabo/internal/model"
	"maabo/internal/relay"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []model.SessionRecord
}

func (m *memRecorder) RecordSession(_ context.Context, rec model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) all() []model.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SessionRecord(nil), m.recs...)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maa")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestEngine(t *testing.T, bin string, mutate func(*config.EngineConfig)) (*Engine, *logbus.Bus, *memRecorder) {
	t.Helper()
	unguarded := false
	cfg := config.EngineConfig{
		OrphanGuard:    &unguarded,
		Binary:         bin,
		RunArgs:        []string{"{task}"},
		GracePeriodMs:  2000,
		DrainTimeoutMs: 500,
		StartTimeoutMs: 2000,
		KillWaitMs:     2000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	bus := logbus.New(1000)
	rec := &memRecorder{}
	e := New(Options{
		Config:   cfg,
		Relay:    relay.New(relay.Options{Publisher: bus}),
		Bus:      bus,
		Recorder: rec,
	})
	t.Cleanup(func() {
		e.KillAll()
		bus.Close()
	})
	return e, bus, rec
}

func testConfig() *model.EngineConfig {
	return &model.EngineConfig{
		ID:      "cfg",
		Name:    "daily",
		Tasks:   []model.TaskDescriptor{{Kind: model.TaskStartUp, Type: "StartUp"}},
		Options: model.GlobalOptions{Profile: "default"},
	}
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIdle(ctx))
}

// collect reads status events until the terminal one.
func collect(t *testing.T, ch <-chan logbus.Message) []model.StatusEvent {
	t.Helper()
	var out []model.StatusEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "bus closed before terminal event")
			evt, isStatus := msg.Data.(model.StatusEvent)
			if !isStatus {
				continue
			}
			out = append(out, evt)
			if msg.Terminal {
				return out
			}
		case <-timeout:
			t.Fatal("no terminal event")
			return nil
		}
	}
}

// waitForLine blocks until a status event containing text arrives.
func waitForLine(t *testing.T, ch <-chan logbus.Message, text string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "bus closed")
			if evt, isStatus := msg.Data.(model.StatusEvent); isStatus && strings.Contains(evt.Message, text) {
				return
			}
		case <-timeout:
			t.Fatalf("no status event containing %q", text)
		}
	}
}

func requireGuard(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("uses /proc")
	}
	if !leakless.Support() {
		t.Skip("leakless not supported on this platform")
	}
}

func processAlive(pid int) bool {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z'
}

func TestStartRelaysOutputAndExitsNormally(t *testing.T) {
	bin := writeScript(t, `echo "[INFO] StartUp Start"
echo "[WARN] 理智不足" 1>&2
echo "[INFO] StartUp Completed"
echo "task=$1 dir=$MAA_CONFIG_DIR"`)
	e, bus, rec := newTestEngine(t, bin, nil)
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	cfg := testConfig()
	cfg.Options.ConfigDir = "/tmp/maa-cfg"
	sess, err := e.Start(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Greater(t, sess.PID, 0)

	events := collect(t, ch)
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, sess.ID, evt.SessionID)
	}
	assert.Equal(t, model.EventProgress, events[0].Kind)
	assert.Equal(t, model.EventWarning, events[1].Kind)
	assert.Equal(t, model.EventTaskCompleted, events[2].Kind)
	assert.Equal(t, "task=daily dir=/tmp/maa-cfg", events[3].Message)
	assert.Equal(t, model.EventEngineExited, events[4].Kind)
	assert.Equal(t, "normal", events[4].Fields["reason"])

	waitIdle(t, e)
	st := e.State()
	assert.Equal(t, model.StateIdle, st.State)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, model.ExitNormal, st.LastExit.Reason)
	require.NotNil(t, st.LastExit.Code)
	assert.Equal(t, 0, *st.LastExit.Code)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "daily", rec.all()[0].ConfigName)
	assert.Equal(t, 1, rec.all()[0].TaskCount)
}

func TestCrashReportsExitCode(t *testing.T) {
	bin := writeScript(t, `echo "[ERROR] adb disconnected"
exit 3`)
	e, bus, _ := newTestEngine(t, bin, nil)
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	_, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)

	events := collect(t, ch)
	last := events[len(events)-1]
	assert.Equal(t, "crashed", last.Fields["reason"])
	assert.Equal(t, 3, last.Fields["code"])
	assert.Equal(t, "error", last.Level)

	waitIdle(t, e)
	assert.Equal(t, model.ExitCrashed, e.State().LastExit.Reason)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExitLogCarriesExitCode(t *testing.T) {
	bin := writeScript(t, `exit 3`)
	var out lockedBuffer
	e := New(Options{
		Config: config.EngineConfig{Binary: bin, RunArgs: []string{"{task}"}, OrphanGuard: new(bool)},
		Logger: slog.New(slog.NewTextHandler(&out, nil)),
	})
	t.Cleanup(e.KillAll)

	_, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)
	waitIdle(t, e)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "engine exited")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "code=3")
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	bin := writeScript(t, `echo "[INFO] running"
sleep 30`)
	e, _, _ := newTestEngine(t, bin, nil)

	first, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)

	_, err = e.Start(context.Background(), testConfig())
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	st := e.State()
	assert.Equal(t, model.StateRunning, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, first.ID, st.Session.ID)
	assert.True(t, processAlive(first.PID))

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, model.StateIdle, e.State().State)
	assert.Equal(t, model.ExitKilled, e.State().LastExit.Reason)
	assert.False(t, processAlive(first.PID))
}

func TestStopIsIdempotent(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	e, _, _ := newTestEngine(t, bin, nil)

	require.NoError(t, e.Stop(context.Background()))

	_, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Stop(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, model.StateIdle, e.State().State)
	require.NoError(t, e.Stop(context.Background()))
}

func TestStopEscalatesAfterGracePeriod(t *testing.T) {
	bin := writeScript(t, `trap '' TERM
echo "[INFO] stubborn"
while true; do sleep 1; done`)
	e, bus, _ := newTestEngine(t, bin, func(c *config.EngineConfig) { c.GracePeriodMs = 300 })
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	sess, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)
	// trap 已生效后才发送终止信号
	waitForLine(t, ch, "stubborn")

	started := time.Now()
	require.NoError(t, e.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
	assert.Equal(t, model.ExitKilled, e.State().LastExit.Reason)
	assert.False(t, processAlive(sess.PID))
}

func TestLaunchError(t *testing.T) {
	e, _, _ := newTestEngine(t, filepath.Join(t.TempDir(), "missing"), nil)
	_, err := e.Start(context.Background(), testConfig())
	assert.ErrorIs(t, err, model.ErrLaunch)
	assert.Equal(t, model.StateIdle, e.State().State)

	notExec := filepath.Join(t.TempDir(), "maa")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))
	e2, _, _ := newTestEngine(t, notExec, nil)
	_, err = e2.Start(context.Background(), testConfig())
	assert.ErrorIs(t, err, model.ErrLaunch)
	assert.Equal(t, model.StateIdle, e2.State().State)

	// 启动失败后可以再次启动
	_, err = e2.Start(context.Background(), testConfig())
	assert.ErrorIs(t, err, model.ErrLaunch)
}

func TestKillAllLeavesNoProcesses(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uses /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	bin := writeScript(t, `sleep 60 &
echo $! > `+pidFile+`
echo "[INFO] spawned"
wait`)
	e, _, _ := newTestEngine(t, bin, nil)

	sess, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)

	var child int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && child > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, processAlive(child))

	e.KillAll()

	assert.Equal(t, model.StateIdle, e.State().State)
	assert.Equal(t, model.ExitKilled, e.State().LastExit.Reason)
	assert.Eventually(t, func() bool {
		return !processAlive(sess.PID) && !processAlive(child)
	}, 2*time.Second, 20*time.Millisecond)

	e.KillAll()
}

func TestAcquireBinaryExcludesStart(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	e, _, _ := newTestEngine(t, bin, nil)

	release, err := e.AcquireBinary()
	require.NoError(t, err)
	assert.True(t, e.State().BinaryLocked)

	_, err = e.AcquireBinary()
	assert.ErrorIs(t, err, model.ErrUpdateBusy)

	_, err = e.Start(context.Background(), testConfig())
	assert.ErrorIs(t, err, model.ErrUpdating)

	release()
	release()

	_, err = e.Start(context.Background(), testConfig())
	require.NoError(t, err)
	_, err = e.AcquireBinary()
	assert.ErrorIs(t, err, model.ErrUpdateBusy)

	e.KillAll()
	release, err = e.AcquireBinary()
	require.NoError(t, err)
	release()
}

func TestStopDuringStartupWithCancelledContext(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	e, _, _ := newTestEngine(t, bin, func(c *config.EngineConfig) { c.GracePeriodMs = 30000 })

	started := make(chan error, 1)
	go func() {
		_, err := e.Start(context.Background(), testConfig())
		started <- err
	}()
	require.Eventually(t, func() bool {
		return e.State().State != model.StateIdle
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Stop(ctx)
	require.NoError(t, <-started)

	// 调用方放弃等待后，终止信号仍然会送达
	waitIdle(t, e)
	assert.Equal(t, model.ExitKilled, e.State().LastExit.Reason)
}

func TestGuardedSessionLifecycle(t *testing.T) {
	requireGuard(t)
	bin := writeScript(t, `echo "[INFO] guarded"
sleep 30`)
	e, bus, _ := newTestEngine(t, bin, func(c *config.EngineConfig) { c.OrphanGuard = nil })
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	sess, err := e.Start(context.Background(), testConfig())
	require.NoError(t, err)
	waitForLine(t, ch, "guarded")
	assert.True(t, processAlive(sess.PID))

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, model.ExitKilled, e.State().LastExit.Reason)
	assert.Eventually(t, func() bool { return !processAlive(sess.PID) }, 2*time.Second, 20*time.Millisecond)
}

const hostEnv = "MAABO_TEST_ENGINE_HOST"

// TestGuardedEngineDiesWithHost re-runs itself as a host process that starts a
// guarded engine, then kills the host with SIGKILL.
func TestGuardedEngineDiesWithHost(t *testing.T) {
	if bin := os.Getenv(hostEnv); bin != "" {
		runEngineHost(bin)
		return
	}
	requireGuard(t)

	pidFile := filepath.Join(t.TempDir(), "child.pid")
	bin := writeScript(t, `sleep 60 &
echo $! > `+pidFile+`
wait`)

	host := exec.Command(os.Args[0], "-test.run=^TestGuardedEngineDiesWithHost$")
	host.Env = append(os.Environ(), hostEnv+"="+bin)
	out, err := host.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, host.Start())
	defer func() { _ = host.Process.Kill() }()

	var enginePID int
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "ENGINEPID="); ok {
			enginePID, err = strconv.Atoi(v)
			require.NoError(t, err)
			break
		}
	}
	require.Greater(t, enginePID, 0, "host did not report the engine pid")

	var child int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && child > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, processAlive(enginePID))
	require.True(t, processAlive(child))

	require.NoError(t, host.Process.Kill())
	_ = host.Wait()

	assert.Eventually(t, func() bool {
		return !processAlive(enginePID) && !processAlive(child)
	}, 5*time.Second, 20*time.Millisecond)
}

func runEngineHost(bin string) {
	e := New(Options{Config: config.EngineConfig{
		Binary:         bin,
		RunArgs:        []string{"{task}"},
		StartTimeoutMs: 5000,
	}})
	sess, err := e.Start(context.Background(), testConfig())
	if err != nil {
		os.Stdout.WriteString("ERROR=" + err.Error() + "\n")
		os.Exit(1)
	}
	os.Stdout.WriteString("ENGINEPID=" + strconv.Itoa(sess.PID) + "\n")
	// 等待父测试发送 SIGKILL
	time.Sleep(time.Hour)
}
