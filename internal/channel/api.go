package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coreastra/internal/config"
	"coreastra/internal/domain"
	"coreastra/internal/metrics"
	"coreastra/internal/pipeline"
	"coreastra/internal/sysinfo"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
	defaultPageSize = 100
)

// Pipeline is the part of the coordinator the API drives.
type Pipeline interface {
	Analyze(command, cwd string) (domain.CommandAnalysis, error)
	Submit(ctx context.Context, req domain.ExecRequest) (*pipeline.Stream, error)
	Approve(ctx context.Context, id string, createBackup bool) (*pipeline.Stream, error)
	Reject(id, reason string) error
	Cancel(id string) error
	Get(id string) (domain.SessionInfo, error)
	List() []domain.SessionInfo
	Stats() pipeline.Stats

	Dir() string
	ChangeDir(path string) (string, error)
	SetEnv(key, value string) error
	UnsetEnv(key string)
	Env() map[string]string
}

// Backups lists and restores snapshots.
type Backups interface {
	List(ctx context.Context, limit int) ([]domain.BackupRecord, error)
	Restore(ctx context.Context, backupPath, originalPath string) ([]domain.BackupRecord, error)
}

// AuditReader queries the audit trail.
type AuditReader interface {
	Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

// API serves the terminal HTTP API with SSE event streams.
type API struct {
	host    string
	port    int
	logger  *slog.Logger
	server  *http.Server
	version string

	pipeline Pipeline
	backups  Backups
	audit    AuditReader
	cfg      *config.Config
	ws       *WebSocketChannel

	metricsPath string
	metrics     http.Handler

	authEnabled  bool
	authUser     string
	authPassHash string
}

type APIConfig struct {
	Host     string
	Port     int
	Version  string
	Auth     config.ServerAuth
	Pipeline Pipeline
	Backups  Backups     // optional
	Audit    AuditReader // optional
	Config   *config.Config
	// WebSocket is mounted at its path when set.
	WebSocket *WebSocketChannel
	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		host:         cfg.Host,
		port:         cfg.Port,
		logger:       cfg.Logger,
		version:      cfg.Version,
		pipeline:     cfg.Pipeline,
		backups:      cfg.Backups,
		audit:        cfg.Audit,
		cfg:          cfg.Config,
		ws:           cfg.WebSocket,
		metricsPath:  cfg.MetricsPath,
		metrics:      cfg.Metrics,
		authEnabled:  cfg.Auth.Enabled,
		authUser:     cfg.Auth.Username,
		authPassHash: cfg.Auth.PasswordHash,
	}
}

func (a *API) Name() string { return "api" }

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/terminal/analyze", a.requireAuth(a.handleAnalyze))
	mux.HandleFunc("POST /api/terminal/execute", a.requireAuth(a.handleExecute))
	mux.HandleFunc("GET /api/terminal/sessions", a.requireAuth(a.handleListSessions))
	mux.HandleFunc("GET /api/terminal/sessions/{id}", a.requireAuth(a.handleGetSession))
	mux.HandleFunc("POST /api/terminal/sessions/{id}/approve", a.requireAuth(a.handleApprove))
	mux.HandleFunc("POST /api/terminal/sessions/{id}/reject", a.requireAuth(a.handleReject))
	mux.HandleFunc("POST /api/terminal/sessions/{id}/cancel", a.requireAuth(a.handleCancel))
	mux.HandleFunc("POST /api/terminal/cd", a.requireAuth(a.handleChangeDir))
	mux.HandleFunc("GET /api/terminal/pwd", a.requireAuth(a.handlePwd))
	mux.HandleFunc("GET /api/terminal/env", a.requireAuth(a.handleGetEnv))
	mux.HandleFunc("POST /api/terminal/env", a.requireAuth(a.handleSetEnv))
	mux.HandleFunc("GET /api/system/info", a.requireAuth(a.handleSystemInfo))

	mux.HandleFunc("GET /api/backups", a.requireAuth(a.handleListBackups))
	mux.HandleFunc("POST /api/backups/restore", a.requireAuth(a.handleRestore))
	mux.HandleFunc("GET /api/audit", a.requireAuth(a.handleAudit))
	mux.HandleFunc("GET /api/config", a.requireAuth(a.handleGetConfig))

	mux.HandleFunc("GET /status", a.handleStatus) // public endpoint
	if a.metrics != nil {
		mux.Handle("GET "+a.metricsPath, a.metrics)
	}
	if a.ws != nil {
		mux.HandleFunc("GET "+a.ws.Path(), a.requireAuth(a.ws.HandleUpgrade))
	}
	return mux
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("api server started", "addr", "http://"+addr, "auth", a.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !a.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !a.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="CoreAstra"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the stored SHA-256 hex.
func (a *API) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.authPassHash)) == 1
}

type analyzeRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

type approveRequest struct {
	CreateBackup bool `json:"create_backup"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type cdRequest struct {
	Path string `json:"path"`
}

// envRequest sets key, or removes it when Unset is true.
type envRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Unset bool   `json:"unset,omitempty"`
}

type restoreRequest struct {
	BackupPath   string `json:"backup_path"`
	OriginalPath string `json:"original_path"`
}

func (a *API) handleAnalyze(rw http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	analysis, err := a.pipeline.Analyze(req.Command, req.Cwd)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, analysis)
}

func (a *API) handleExecute(rw http.ResponseWriter, r *http.Request) {
	var req domain.ExecRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	stream, err := a.pipeline.Submit(r.Context(), req)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	a.logger.Info("command submitted", "session", stream.Session.ID, "risk", stream.Session.Analysis.RiskLevel, "state", stream.Session.State)
	a.streamEvents(rw, r, stream)
}

func (a *API) handleApprove(rw http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	stream, err := a.pipeline.Approve(r.Context(), r.PathValue("id"), req.CreateBackup)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	a.streamEvents(rw, r, stream)
}

func (a *API) handleReject(rw http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	id := r.PathValue("id")
	if err := a.pipeline.Reject(id, req.Reason); err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "rejected", "session_id": id})
}

func (a *API) handleCancel(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.pipeline.Cancel(id); err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "cancelling", "session_id": id})
}

func (a *API) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": a.pipeline.List()})
}

func (a *API) handleGetSession(rw http.ResponseWriter, r *http.Request) {
	info, err := a.pipeline.Get(r.PathValue("id"))
	if err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, info)
}

func (a *API) handleChangeDir(rw http.ResponseWriter, r *http.Request) {
	var req cdRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	dir, err := a.pipeline.ChangeDir(req.Path)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "path": dir})
}

func (a *API) handlePwd(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"path": a.pipeline.Dir()})
}

func (a *API) handleGetEnv(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"env": a.pipeline.Env()})
}

func (a *API) handleSetEnv(rw http.ResponseWriter, r *http.Request) {
	var req envRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	if req.Unset {
		a.pipeline.UnsetEnv(req.Key)
	} else if err := a.pipeline.SetEnv(req.Key, req.Value); err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"env": a.pipeline.Env()})
}

func (a *API) handleSystemInfo(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, sysinfo.Collect(r.Context(), a.pipeline.Dir()))
}

func (a *API) handleListBackups(rw http.ResponseWriter, r *http.Request) {
	if a.backups == nil {
		writeJSON(rw, http.StatusServiceUnavailable, errorBody{Error: "backups are disabled", Code: "unavailable"})
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	list, err := a.backups.List(r.Context(), limit)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	if list == nil {
		list = []domain.BackupRecord{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"backups": list})
}

func (a *API) handleRestore(rw http.ResponseWriter, r *http.Request) {
	if a.backups == nil {
		writeJSON(rw, http.StatusServiceUnavailable, errorBody{Error: "backups are disabled", Code: "unavailable"})
		return
	}
	var req restoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	if req.BackupPath == "" || req.OriginalPath == "" {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: "backup_path and original_path are required", Code: "bad_request"})
		return
	}
	safety, err := a.backups.Restore(r.Context(), req.BackupPath, req.OriginalPath)
	if err != nil {
		a.logger.Warn("restore failed", "backup", req.BackupPath, "err", err)
		writeJSON(rw, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "restore_failed"})
		return
	}
	if safety == nil {
		safety = []domain.BackupRecord{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "restored", "pre_restore": safety})
}

func (a *API) handleAudit(rw http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeJSON(rw, http.StatusServiceUnavailable, errorBody{Error: "audit is disabled", Code: "unavailable"})
		return
	}
	f, err := auditFilter(r)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
		return
	}
	entries, err := a.audit.Query(r.Context(), f)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	if a.cfg == nil {
		writeJSON(rw, http.StatusServiceUnavailable, errorBody{Error: "config not loaded", Code: "unavailable"})
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(a.cfg))
}

func (a *API) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": a.version,
		"time":    time.Now().Format(time.RFC3339),
		"stats":   a.pipeline.Stats(),
	})
}

// streamEvents writes the session's events as server-sent events until the
// stream ends or the client goes away.
func (a *API) streamEvents(rw http.ResponseWriter, r *http.Request, stream *pipeline.Stream) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Session-ID", stream.Session.ID)
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("sse client disconnected", "session", stream.Session.ID)
			return
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				a.logger.Error("marshal event", "session", stream.Session.ID, "err", err)
				continue
			}
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type errorBody struct {
	Error   string  `json:"error"`
	Code    string  `json:"code"`
	RetryIn float64 `json:"retry_in_seconds,omitempty"`
}

// writeError maps pipeline errors onto HTTP statuses.
func (a *API) writeError(rw http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code}
	var cd *domain.CoolDownError
	if errors.As(err, &cd) {
		body.RetryIn = cd.Remaining.Seconds()
		rw.Header().Set("Retry-After", strconv.Itoa(int(cd.Remaining.Seconds()+0.999)))
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
	}
	writeJSON(rw, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrEmptyCommand), errors.Is(err, domain.ErrInvalidCwd), errors.Is(err, domain.ErrInvalidEnv):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrCoolDown):
		return http.StatusTooEarly, "cooldown"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusTooManyRequests, domain.CodeBusy
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, domain.CodeShutdown
	}
	return http.StatusInternalServerError, domain.CodeInternal
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// decodeBody reads a JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func auditFilter(r *http.Request) (domain.AuditFilter, error) {
	var (
		f   domain.AuditFilter
		err error
	)
	if f.Limit, err = intParam(r, "limit", defaultPageSize); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Since, err = timeParam(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(r, "until"); err != nil {
		return f, err
	}
	q := r.URL.Query()
	if s := q.Get("risk_level"); s != "" {
		if f.RiskLevel, err = domain.ParseRiskLevel(s); err != nil {
			return f, err
		}
	}
	if s := strings.ToLower(q.Get("status")); s != "" {
		switch st := domain.AuditStatus(s); st {
		case domain.AuditApproved, domain.AuditRejected, domain.AuditSucceeded, domain.AuditFailed:
			f.Status = st
		default:
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	return f, nil
}
