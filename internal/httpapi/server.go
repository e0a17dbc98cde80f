package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"maabo/internal/app"
	"maabo/internal/config"
	"maabo/internal/logbus"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/notify"
	"maabo/internal/ws"
)

type SettingsStore interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
	UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error)
	GetNotifySettings(ctx context.Context) (model.NotifySettings, error)
	UpsertNotifySettings(ctx context.Context, v model.NotifySettings) (model.NotifySettings, error)
}

type Options struct {
	Cfg      config.ServerConfig
	App      *app.App
	Bus      *logbus.Bus
	Settings SettingsStore
	Logger   *slog.Logger
	WSBuffer int
}

type Server struct {
	cfg      config.ServerConfig
	app      *app.App
	bus      *logbus.Bus
	settings SettingsStore
	log      *slog.Logger
	ws       *ws.Handler
	sendTest func(ctx context.Context, s model.EmailSettings, events []notify.SessionEndedEvent) error
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	wsHandler := ws.NewHandler(opts.Bus, opts.Cfg.Cors.AllowOrigins)
	wsHandler.SetBuffer(opts.WSBuffer)
	return &Server{
		cfg:      opts.Cfg,
		app:      opts.App,
		bus:      opts.Bus,
		settings: opts.Settings,
		log:      opts.Logger,
		ws:       wsHandler,
		sendTest: notify.SendSessionSummaryEmail,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.ws.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(corsMiddleware(s.cfg.Cors))

		r.Post("/init", s.handleInit)
		r.Post("/quit", s.handleQuit)

		r.Get("/cli-config", s.handleGetCLIConfig)
		r.Put("/cli-config", s.handleSaveCLIConfig)
		r.Get("/core-config", s.handleGetCoreConfig)
		r.Put("/core-config", s.handleSaveCoreConfig)

		r.Get("/configs", s.handleListConfigs)
		r.Post("/configs", s.handleSaveConfig)
		r.Delete("/configs/{name}", s.handleDeleteConfig)

		r.Post("/one-key", s.handleOneKey)
		r.Post("/copilot", s.handleCopilot)
		r.Post("/stop", s.handleStop)
		r.Get("/engine/state", s.handleEngineState)
		r.Get("/sessions", s.handleSessions)

		r.Get("/update/state", s.handleUpdateState)
		r.Post("/update/check", s.handleUpdateCheck)
		r.Post("/update/ignore", s.handleUpdateIgnore)
		r.Post("/update/apply", s.handleUpdateApply)

		r.Get("/catalog/items", s.handleItems)
		r.Get("/catalog/stages", s.handleStages)
		r.Get("/catalog/sidestory", s.handleSidestory)

		r.Get("/settings/email", s.handleGetEmailSettings)
		r.Post("/settings/email", s.handleSaveEmailSettings)
		r.Post("/settings/email/test", s.handleEmailTest)
		r.Get("/settings/notify", s.handleGetNotifySettings)
		r.Post("/settings/notify", s.handleSaveNotifySettings)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.InitProcess(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleQuit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	// 先返回响应，再在后台结束引擎并关闭服务
	go s.app.Quit()
}

func (s *Server) handleGetCLIConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.GetCLIConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, cfg)
}

func (s *Server) handleSaveCLIConfig(w http.ResponseWriter, r *http.Request) {
	var body maacli.CLIConfig
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.app.SaveCLIConfig(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, body)
}

func (s *Server) handleGetCoreConfig(w http.ResponseWriter, r *http.Request) {
	core, err := s.app.GetCoreConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, core)
}

func (s *Server) handleSaveCoreConfig(w http.ResponseWriter, r *http.Request) {
	var body model.CoreOptions
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.app.SaveCoreConfig(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, body)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.GetUserConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, list)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var body model.UserTaskProfile
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	saved, err := s.app.SaveTaskConfig(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, saved)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteUserConfig(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOneKey(w http.ResponseWriter, r *http.Request) {
	var body app.OneKeyRequest
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.app.OneKey(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, sess)
}

func (s *Server) handleCopilot(w http.ResponseWriter, r *http.Request) {
	var body app.CopilotRequest
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.app.Copilot(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, sess)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, s.app.EngineState())
}

func (s *Server) handleEngineState(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.app.EngineState())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	list, err := s.app.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, list)
}

type versionPayload struct {
	Version string `json:"version"`
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.UpdateState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, st)
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.CheckUpdate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleUpdateIgnore(w http.ResponseWriter, r *http.Request) {
	var body versionPayload
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.app.IgnoreMaaCLIUpdate(r.Context(), body.Version); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUpdateApply(w http.ResponseWriter, r *http.Request) {
	var body versionPayload
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.app.MaaCLIUpdateProcess(r.Context(), body.Version); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleItems(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.app.GetItemIndex())
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.app.GetFightStages())
}

func (s *Server) handleSidestory(w http.ResponseWriter, _ *http.Request) {
	side, ok := s.app.GetCurrentSidestory(time.Now())
	if !ok {
		writeData(w, nil)
		return
	}
	writeData(w, side)
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func (s *Server) handleGetEmailSettings(w http.ResponseWriter, r *http.Request) {
	val, ok, err := s.settings.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeData(w, model.EmailSettings{})
		return
	}
	if val.AuthCode != "" {
		val.AuthCode = "******"
	}
	writeData(w, val)
}

func (s *Server) handleSaveEmailSettings(w http.ResponseWriter, r *http.Request) {
	var body emailSettingsPayload
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	current, _, err := s.settings.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	next := current
	if body.Enabled != nil {
		next.Enabled = *body.Enabled
	}
	if body.Email != nil {
		next.Email = strings.TrimSpace(*body.Email)
	}
	if body.AuthCode != nil {
		ac := strings.TrimSpace(*body.AuthCode)
		if ac != "******" {
			next.AuthCode = ac
		}
	}

	saved, err := s.settings.UpsertEmailSettings(r.Context(), next)
	if err != nil {
		writeError(w, err)
		return
	}
	if saved.AuthCode != "" {
		saved.AuthCode = "******"
	}
	writeData(w, saved)
}

type emailTestPayload struct {
	Email    string `json:"email,omitempty"`
	AuthCode string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	var body emailTestPayload
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	val, _, err := s.settings.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Email) != "" {
		val.Email = strings.TrimSpace(body.Email)
	}
	if strings.TrimSpace(body.AuthCode) != "" {
		val.AuthCode = strings.TrimSpace(body.AuthCode)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	now := time.Now()
	code := 0
	if err := s.sendTest(ctx, val, []notify.SessionEndedEvent{{
		SessionID:  "test-" + strconv.FormatInt(now.Unix(), 10),
		ConfigName: "邮件测试",
		TaskCount:  3,
		StartedAt:  now.Add(-10 * time.Minute).UnixMilli(),
		EndedAt:    now.UnixMilli(),
		Reason:     model.ExitNormal,
		ExitCode:   &code,
	}}); err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetNotifySettings(w http.ResponseWriter, r *http.Request) {
	val, err := s.settings.GetNotifySettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, val)
}

func (s *Server) handleSaveNotifySettings(w http.ResponseWriter, r *http.Request) {
	var body model.NotifySettings
	if err := readJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	saved, err := s.settings.UpsertNotifySettings(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, saved)
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "code": model.CodeInvalidInput})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "code": model.CodeOf(err)})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsConfigError(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyRunning),
		errors.Is(err, model.ErrUpdateBusy),
		errors.Is(err, model.ErrUpdating),
		errors.Is(err, model.ErrVersionMismatch):
		return http.StatusConflict
	case errors.Is(err, model.ErrCheckFailed),
		errors.Is(err, model.ErrDownloadFailed),
		errors.Is(err, model.ErrIntegrity):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
