// Package api exposes the HTTP surface: import endpoints, task control,
// scheme management, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/config"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/queue"
	"portfolio-backoffice/internal/ratelimit"
	"portfolio-backoffice/internal/storage"
	"portfolio-backoffice/internal/store"
	"portfolio-backoffice/internal/telemetry"
)

// maxUploadBytes bounds multipart import uploads.
const maxUploadBytes = 64 << 20

// TaskStore is the slice of the store the API needs. *store.Store is the
// production implementation.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id int64) (models.Task, error)
	ListTasks(ctx context.Context, spaceCode, status string, limit int) ([]models.Task, error)
	Cancel(ctx context.Context, id int64) (models.Task, error)
	ListAttachments(ctx context.Context, taskID int64) ([]models.TaskAttachment, error)
	SaveScheme(ctx context.Context, spaceCode string, scheme models.ImportScheme) (models.ImportScheme, error)
	GetSchemeByUserCode(ctx context.Context, spaceCode, userCode string) (models.ImportScheme, error)
	ListSchemes(ctx context.Context, spaceCode string) ([]models.ImportScheme, error)
	ProvisionTenant(ctx context.Context, spaceCode string) error
}

// TaskBroker publishes and revokes broker messages.
type TaskBroker interface {
	Send(ctx context.Context, msg queue.Message) (string, error)
	Revoke(ctx context.Context, brokerID string) error
}

// Server wires HTTP handlers for the back office API.
type Server struct {
	cfg     config.Config
	store   TaskStore
	broker  TaskBroker
	blob    storage.Storage
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

func New(cfg config.Config, st TaskStore, broker TaskBroker, blob storage.Storage, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		broker:  broker,
		blob:    blob,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/import/csv", s.handleImportUpload)
	r.Post("/import/csv/execute", s.handleImportExecute)
	r.Post("/import/schemes", s.handleSaveScheme)
	r.Get("/import/schemes", s.handleListSchemes)
	r.Get("/import/schemes/{user_code}", s.handleGetScheme)

	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancelTask)

	r.Post("/spaces/{space_code}/provision", s.handleProvisionSpace)
	return r
}

type taskResponse struct {
	TaskID     int64  `json:"task_id"`
	TaskStatus string `json:"task_status"`
}

// handleImportUpload accepts a multipart file plus a scheme user code,
// stores the file, and enqueues a simple_import task.
func (s *Server) handleImportUpload(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, spaceCode) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	schemeCode := r.FormValue("scheme")
	if schemeCode == "" {
		http.Error(w, "scheme is required", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		http.Error(w, "read file", http.StatusBadRequest)
		return
	}

	// The scheme must exist before a task is queued for it.
	scheme, err := s.store.GetSchemeByUserCode(r.Context(), spaceCode, schemeCode)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	key := storage.TenantKey(spaceCode, "imports",
		fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), header.Filename))
	if _, err := s.blob.Save(r.Context(), key, body, header.Header.Get("Content-Type")); err != nil {
		http.Error(w, "store file", http.StatusInternalServerError)
		return
	}

	s.createImportTask(w, r, spaceCode, map[string]any{
		"scheme_user_code": scheme.UserCode,
		"file_path":        key,
		"file_name":        header.Filename,
	}, fmt.Sprintf("Import %s", header.Filename))
}

type importExecuteRequest struct {
	SchemeID       int64  `json:"scheme_id"`
	SchemeUserCode string `json:"scheme_user_code"`
	FilePath       string `json:"file_path"`
	FileName       string `json:"file_name"`
	Items          []any  `json:"items"`
}

// handleImportExecute enqueues a simple_import task from JSON: either inline
// items or a path to an already uploaded file.
func (s *Server) handleImportExecute(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, spaceCode) {
		return
	}

	var req importExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SchemeID == 0 && req.SchemeUserCode == "" {
		http.Error(w, "scheme_id or scheme_user_code is required", http.StatusBadRequest)
		return
	}
	if req.FilePath == "" && len(req.Items) == 0 {
		http.Error(w, "file_path or items is required", http.StatusBadRequest)
		return
	}

	options := map[string]any{}
	if req.SchemeID != 0 {
		options["scheme_id"] = req.SchemeID
	} else {
		options["scheme_user_code"] = req.SchemeUserCode
	}
	if req.FilePath != "" {
		options["file_path"] = req.FilePath
		options["file_name"] = req.FileName
	}
	if len(req.Items) > 0 {
		options["items"] = req.Items
	}

	s.createImportTask(w, r, spaceCode, options, "Import execute")
}

// createImportTask inserts the task row and publishes the broker message.
func (s *Server) createImportTask(w http.ResponseWriter, r *http.Request, spaceCode string, options map[string]any, verboseName string) {
	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		SpaceCode:   spaceCode,
		Type:        models.KindSimpleImport,
		Options:     options,
		VerboseName: verboseName,
		TTL:         s.cfg.DefaultTaskTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksCreated.Inc()

	if _, err := s.broker.Send(r.Context(), queue.Message{
		TaskID:    task.ID,
		Kind:      task.Type,
		SpaceCode: spaceCode,
		Queue:     s.importQueue(),
	}); err != nil {
		s.log.Error().Err(err).Int64("task_id", task.ID).Msg("broker send failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, TaskStatus: task.Status})
}

// importQueue prefers a dedicated imports queue when one is configured.
func (s *Server) importQueue() string {
	for _, q := range s.cfg.Queues {
		if strings.Contains(q, "import") {
			return q
		}
	}
	if len(s.cfg.Queues) > 0 {
		return s.cfg.Queues[0]
	}
	return ""
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	attachments, err := s.store.ListAttachments(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":        task,
		"status_name": models.StatusName(task.Status),
		"attachments": attachments,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), spaceCode, status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// Pull the message out of the queue when it is still there; a running
	// handler observes the canceled status instead.
	if task.BrokerTaskID != nil && *task.BrokerTaskID != "" {
		if err := s.broker.Revoke(r.Context(), *task.BrokerTaskID); err != nil {
			s.log.Warn().Err(err).Int64("task_id", id).Msg("broker revoke failed")
		}
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: task.ID, TaskStatus: task.Status})
}

func (s *Server) handleSaveScheme(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	var scheme models.ImportScheme
	if err := json.NewDecoder(r.Body).Decode(&scheme); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if scheme.UserCode == "" || scheme.ContentType == "" {
		http.Error(w, "user_code and content_type are required", http.StatusBadRequest)
		return
	}
	saved, err := s.store.SaveScheme(r.Context(), spaceCode, scheme)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetScheme(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	scheme, err := s.store.GetSchemeByUserCode(r.Context(), spaceCode, chi.URLParam(r, "user_code"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

func (s *Server) handleListSchemes(w http.ResponseWriter, r *http.Request) {
	spaceCode, ok := s.requireSpace(w, r)
	if !ok {
		return
	}
	schemes, err := s.store.ListSchemes(r.Context(), spaceCode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemes": schemes})
}

// handleProvisionSpace creates the tenant schema and runs its migrations.
// Idempotent: provisioning an existing space re-applies migrations only.
func (s *Server) handleProvisionSpace(w http.ResponseWriter, r *http.Request) {
	spaceCode := chi.URLParam(r, "space_code")
	if spaceCode == "" {
		http.Error(w, "space_code is required", http.StatusBadRequest)
		return
	}
	if err := s.store.ProvisionTenant(r.Context(), spaceCode); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "provisioned", "space_code": spaceCode})
}

// requireSpace reads the tenant from the X-Space-Code header. Tenant-scoped
// endpoints fail closed without it.
func (s *Server) requireSpace(w http.ResponseWriter, r *http.Request) (string, bool) {
	spaceCode := r.Header.Get("X-Space-Code")
	if spaceCode == "" {
		http.Error(w, "X-Space-Code header is required", http.StatusBadRequest)
		return "", false
	}
	return spaceCode, true
}

// allow applies the per-tenant rate limit on task-creating endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, spaceCode string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowSpace(r.Context(), spaceCode)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
