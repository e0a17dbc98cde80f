package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"

	"maabo/internal/config"
	"maabo/internal/logbus"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/provider"
	"maabo/internal/utils"
)

const (
	TypeUpdateAvailable = "update_available"
	TypeUpdateProgress  = "update_progress"
	TypeUpdateApplied   = "update_applied"
	TypeUpdateFailed    = "update_failed"
)

type StateStore interface {
	GetUpdateState(ctx context.Context) (model.UpdateState, error)
	SaveUpdateState(ctx context.Context, st model.UpdateState) error
}

// BinaryGuard hands out exclusive use of the engine binary and reports whether
// a session is active.
type BinaryGuard interface {
	AcquireBinary() (func(), error)
	State() model.EngineState
}

// ProbeFunc reports the version of an engine binary.
type ProbeFunc func(ctx context.Context, bin string) (string, error)

type Options struct {
	Config   config.UpdateConfig
	Binary   string
	Provider provider.Provider
	Store    StateStore
	Guard    BinaryGuard
	Bus      *logbus.Bus
	Logger   *slog.Logger
	Probe    ProbeFunc
	Now      func() time.Time
}

type Updater struct {
	cfg      config.UpdateConfig
	binary   string
	provider provider.Provider
	store    StateStore
	guard    BinaryGuard
	bus      *logbus.Bus
	log      *slog.Logger
	probe    ProbeFunc
	now      func() time.Time
	breaker  *gobreaker.CircuitBreaker[model.Manifest]

	// stateMu 串行化 UpdateState 的读改写
	stateMu sync.Mutex

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Updater {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Probe == nil {
		opts.Probe = maacli.Version
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	maxFailures := opts.Config.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Updater{
		cfg:      opts.Config,
		binary:   opts.Binary,
		provider: opts.Provider,
		store:    opts.Store,
		guard:    opts.Guard,
		bus:      opts.Bus,
		log:      opts.Logger,
		probe:    opts.Probe,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	u.breaker = gobreaker.NewCircuitBreaker[model.Manifest](gobreaker.Settings{
		Name:        "update-manifest",
		MaxRequests: 1,
		Timeout:     opts.Config.Breaker.Open(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			u.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return u
}

// Start 按配置的 cron 表达式定时检查更新，并在后台立即检查一次。
func (u *Updater) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cron != nil {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(u.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", u.cfg.Schedule, err)
	}
	u.cron = cron.New()
	u.cron.Schedule(schedule, cron.FuncJob(u.scheduledCheck))
	u.cron.Start()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.scheduledCheck()
	}()
	return nil
}

// Stop 停止定时任务并取消后台下载，等待它们退出。
func (u *Updater) Stop() {
	u.mu.Lock()
	c := u.cron
	u.cron = nil
	u.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	u.cancel()
	u.wg.Wait()
}

func (u *Updater) scheduledCheck() {
	// 定时检查不与运行中的会话重叠，留给下一次调度
	if u.guard != nil {
		if st := u.guard.State(); st.State != model.StateIdle {
			u.log.Debug("skip scheduled update check", "state", st.State)
			return
		}
	}
	ctx, cancel := context.WithTimeout(u.ctx, u.cfg.Timeout())
	defer cancel()
	// 失败已记录日志，等待下一次调度重试
	_, _ = u.Check(ctx)
}

func (u *Updater) State(ctx context.Context) (model.UpdateState, error) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	return u.loadState(ctx)
}

func (u *Updater) loadState(ctx context.Context) (model.UpdateState, error) {
	st, err := u.store.GetUpdateState(ctx)
	if err != nil {
		return model.UpdateState{}, err
	}
	if st.Installed == "" && utils.FileExists(u.binary) {
		if v, err := u.probe(ctx, u.binary); err == nil {
			st.Installed = v
		} else {
			u.log.Debug("probe installed engine failed", "binary", u.binary, "err", err)
		}
	}
	return st, nil
}

func (u *Updater) fetchManifest(ctx context.Context) (model.Manifest, error) {
	return u.breaker.Execute(func() (model.Manifest, error) {
		return u.provider.Manifest(ctx)
	})
}

// Check 比较已安装版本与远端清单。检查失败不致命，返回 check_failed 结果。
func (u *Updater) Check(ctx context.Context) (model.CheckResult, error) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()

	st, err := u.loadState(ctx)
	if err != nil {
		return model.CheckResult{Status: model.CheckFailed, Error: err.Error()}, model.NewError("updater.Check", model.ErrCheckFailed, err.Error())
	}
	res := model.CheckResult{Installed: st.Installed}

	m, err := u.fetchManifest(ctx)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			err = fmt.Errorf("manifest source unavailable: %w", err)
		}
		res.Status = model.CheckFailed
		res.Error = err.Error()
		u.log.Warn("update check failed", "err", err)
		u.logBus("warn", "检查更新失败", map[string]any{"error": err.Error()})
		return res, model.NewError("updater.Check", model.ErrCheckFailed, err.Error())
	}

	st.Latest = m.Version
	st.CheckedAt = u.now()
	if err := u.store.SaveUpdateState(ctx, st); err != nil {
		u.log.Warn("save update state failed", "err", err)
	}

	res.Latest = m.Version
	if !Newer(m.Version, st.Installed) {
		res.Status = model.CheckUpToDate
		return res, nil
	}
	res.Status = model.CheckUpdateAvailable
	res.Ignored = st.IsIgnored(m.Version)
	if !res.Ignored {
		if u.bus != nil {
			u.bus.Publish(TypeUpdateAvailable, res)
		}
		u.logBus("info", "发现引擎新版本", map[string]any{"installed": st.Installed, "latest": m.Version})
	}
	return res, nil
}

// Ignore 记录被忽略的版本，只影响自动提示，仍可手动安装。
func (u *Updater) Ignore(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return model.NewError("updater.Ignore", model.ErrInvalidInput, "version is required")
	}
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	st, err := u.loadState(ctx)
	if err != nil {
		return err
	}
	st.Ignore(version)
	if err := u.store.SaveUpdateState(ctx, st); err != nil {
		return err
	}
	u.logBus("info", "已忽略引擎版本", map[string]any{"version": version})
	return nil
}

// Apply 下载并替换引擎二进制。引擎运行中返回 ErrUpdateBusy；任何失败都保留旧版本。
func (u *Updater) Apply(ctx context.Context, version string) error {
	release, err := u.acquire()
	if err != nil {
		return err
	}
	defer release()
	return u.apply(ctx, version)
}

// ApplyAsync 同步完成互斥检查后在后台执行更新，进度和结果通过事件推送。
func (u *Updater) ApplyAsync(version string) error {
	release, err := u.acquire()
	if err != nil {
		return err
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer release()
		ctx, cancel := context.WithTimeout(u.ctx, u.cfg.Timeout())
		defer cancel()
		_ = u.apply(ctx, version)
	}()
	return nil
}

func (u *Updater) acquire() (func(), error) {
	if u.guard == nil {
		return func() {}, nil
	}
	release, err := u.guard.AcquireBinary()
	if err != nil {
		if errors.Is(err, model.ErrUpdateBusy) || errors.Is(err, model.ErrUpdating) {
			return nil, err
		}
		return nil, model.NewError("updater.Apply", model.ErrUpdateBusy, err.Error())
	}
	return release, nil
}

func (u *Updater) apply(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	err := u.install(ctx, version)
	if err != nil {
		u.log.Warn("engine update failed", "version", version, "err", err)
		if u.bus != nil {
			u.bus.Publish(TypeUpdateFailed, map[string]any{
				"version": version,
				"error":   err.Error(),
				"code":    model.CodeOf(err),
			})
		}
		u.logBus("error", "引擎更新失败，已保留旧版本", map[string]any{"version": version, "error": err.Error()})
	}
	return err
}

func (u *Updater) install(ctx context.Context, version string) error {
	const op = "updater.Apply"
	m, err := u.fetchManifest(ctx)
	if err != nil {
		return model.NewError(op, model.ErrCheckFailed, err.Error())
	}
	if version != "" && !SameVersion(version, m.Version) {
		return model.Errorf(op, model.ErrVersionMismatch, "requested %s, available %s", version, m.Version)
	}
	asset, ok := m.Details.Assets[u.cfg.Target]
	if !ok {
		return model.Errorf(op, model.ErrDownloadFailed, "no asset for target %s", u.cfg.Target)
	}
	if strings.TrimSpace(asset.SHA256) == "" {
		return model.Errorf(op, model.ErrIntegrity, "manifest has no checksum for %s", asset.Name)
	}

	dir := filepath.Dir(u.binary)
	if err := utils.EnsureDir(dir); err != nil {
		return model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	u.logBus("info", "开始下载引擎更新", map[string]any{"version": m.Version, "asset": asset.Name})

	archive, err := u.download(ctx, m, asset, dir)
	if archive != "" {
		defer os.Remove(archive)
	}
	if err != nil {
		return err
	}

	staged, err := extractBinary(archive, asset.Name, dir, filepath.Base(u.binary))
	if staged != "" {
		defer os.Remove(staged)
	}
	if err != nil {
		return model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		return model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	if u.cfg.Verify() {
		if _, err := u.probe(ctx, staged); err != nil {
			return model.Errorf(op, model.ErrIntegrity, "new binary failed to run: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	if err := utils.ReplaceFile(staged, u.binary); err != nil {
		return model.Errorf(op, model.ErrDownloadFailed, "replace binary: %v", err)
	}

	u.stateMu.Lock()
	st, err := u.store.GetUpdateState(ctx)
	if err == nil {
		previous := st.Installed
		st.Installed = m.Version
		st.Latest = m.Version
		st.AppliedAt = u.now()
		err = u.store.SaveUpdateState(ctx, st)
		if err == nil && u.bus != nil {
			u.bus.Publish(TypeUpdateApplied, map[string]any{"version": m.Version, "previous": previous})
		}
	}
	u.stateMu.Unlock()
	if err != nil {
		// 二进制已替换成功，状态写入失败只影响显示，下次启动会重新探测
		u.log.Warn("save update state failed", "err", err)
	}
	u.logBus("info", "引擎已更新", map[string]any{"version": m.Version})
	return nil
}

// download 把资产流式写入二进制所在目录的临时文件，同时计算 sha256。
func (u *Updater) download(ctx context.Context, m model.Manifest, asset model.ReleaseAsset, dir string) (string, error) {
	const op = "updater.Apply"
	tmp, err := os.CreateTemp(dir, ".maabo-download-*")
	if err != nil {
		return "", model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	name := tmp.Name()

	hasher := sha256.New()
	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	progress := func(written, total int64) {
		if written != total && !limiter.Allow() {
			return
		}
		if u.bus != nil {
			u.bus.Publish(TypeUpdateProgress, map[string]any{
				"version": m.Version,
				"written": written,
				"total":   total,
			})
		}
	}
	_, err = u.provider.Download(ctx, m.Details.Tag, asset, io.MultiWriter(tmp, hasher), progress)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return name, model.NewError(op, model.ErrDownloadFailed, err.Error())
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(sum, strings.TrimSpace(asset.SHA256)) {
		return name, model.Errorf(op, model.ErrIntegrity, "sha256 %s, want %s", sum, asset.SHA256)
	}
	return name, nil
}

func (u *Updater) logBus(level, msg string, fields map[string]any) {
	if u.bus != nil {
		u.bus.Log(level, msg, fields)
	}
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Newer reports whether latest is a newer version than installed. Nothing
// installed counts as older than any release.
func Newer(latest, installed string) bool {
	if strings.TrimSpace(latest) == "" {
		return false
	}
	if strings.TrimSpace(installed) == "" {
		return true
	}
	l, i := canonical(latest), canonical(installed)
	if l == "" || i == "" {
		return !SameVersion(latest, installed)
	}
	return semver.Compare(l, i) > 0
}

func SameVersion(a, b string) bool {
	ca, cb := canonical(a), canonical(b)
	if ca != "" && cb != "" {
		return semver.Compare(ca, cb) == 0
	}
	return strings.TrimPrefix(strings.TrimSpace(a), "v") == strings.TrimPrefix(strings.TrimSpace(b), "v")
}
