package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
	"github.com/otcheredev/dicom-transfer-connector/internal/models"
	"github.com/otcheredev/dicom-transfer-connector/internal/repository"
	"github.com/otcheredev/dicom-transfer-connector/internal/services"
)

// TransferService is the part of the transfer service the API exposes.
type TransferService interface {
	CreateProfile(ctx context.Context, req *models.ServerProfileRequest) (*models.ServerProfile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, req *models.ServerProfileRequest) (*models.ServerProfile, error)
	DeleteProfile(ctx context.Context, id uuid.UUID) error
	ListProfiles(ctx context.Context) ([]models.ServerProfile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*models.ServerProfile, error)
	Echo(ctx context.Context, name string) (*models.ConnectionStatus, error)
	Find(ctx context.Context, name string, level connector.Level, q *connector.Query, limit int) ([]connector.Attributes, error)
	DownloadSeries(ctx context.Context, name string, q *connector.Query, folder string) error
	DownloadStudy(ctx context.Context, name string, q *connector.Query, folder string, modalities []string) error
	MoveStudy(ctx context.Context, name string, q *connector.Query, destination string, modalities []string) error
	UploadFolder(ctx context.Context, name, folder string) error
	ServerAudit(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AuditLog, error)
	ResourceAudit(ctx context.Context, resourceUID string) ([]models.AuditLog, error)
}

type ServerHandler struct {
	service TransferService
}

func NewServerHandler(service TransferService) *ServerHandler {
	return &ServerHandler{service: service}
}

// Routes mounts the server profile API.
func (h *ServerHandler) Routes(r chi.Router) {
	r.Get("/servers", h.List)
	r.Post("/servers", h.Create)
	r.Get("/servers/{id}", h.Get)
	r.Put("/servers/{id}", h.Update)
	r.Delete("/servers/{id}", h.Delete)
	r.Post("/servers/{name}/echo", h.Echo)
	r.Post("/servers/{name}/find/{level}", h.Find)
	r.Post("/servers/{name}/download/series", h.DownloadSeries)
	r.Post("/servers/{name}/download/study", h.DownloadStudy)
	r.Post("/servers/{name}/move/study", h.MoveStudy)
	r.Post("/servers/{name}/upload", h.Upload)
	r.Get("/servers/{id}/audit", h.ServerAudit)
	r.Get("/audit", h.ResourceAudit)
}

func (h *ServerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.ServerProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := h.service.CreateProfile(r.Context(), &req)
	if err != nil {
		writeError(w, err, "Failed to create server profile")
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.ListProfiles(r.Context())
	if err != nil {
		writeError(w, err, "Failed to list server profiles")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *ServerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	profile, err := h.service.GetProfile(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to get server profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ServerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	var req models.ServerProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	profile, err := h.service.UpdateProfile(r.Context(), id, &req)
	if err != nil {
		writeError(w, err, "Failed to update server profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ServerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteProfile(r.Context(), id); err != nil {
		writeError(w, err, "Failed to delete server profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Echo answers 200 with the connection status even when the echo failed.
func (h *ServerHandler) Echo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, err := h.service.Echo(r.Context(), name)
	if status == nil {
		writeError(w, err, "Failed to echo server")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type findRequest struct {
	Query map[string]any `json:"query"`
	Limit int            `json:"limit"`
}

func (h *ServerHandler) Find(w http.ResponseWriter, r *http.Request) {
	level := connector.Level(strings.ToUpper(chi.URLParam(r, "level")))
	switch level {
	case connector.LevelPatient, connector.LevelStudy, connector.LevelSeries, connector.LevelImage:
	default:
		http.Error(w, "Unknown query level", http.StatusNotFound)
		return
	}

	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Limit < 0 {
		http.Error(w, "limit must not be negative", http.StatusBadRequest)
		return
	}
	q, err := connector.ParseQuery(req.Query)
	if err != nil {
		writeError(w, err, "Invalid query")
		return
	}

	results, err := h.service.Find(r.Context(), chi.URLParam(r, "name"), level, q, req.Limit)
	if err != nil {
		writeError(w, err, "Query failed")
		return
	}
	if results == nil {
		results = []connector.Attributes{}
	}
	writeJSON(w, http.StatusOK, results)
}

// transferRequest is the body of the download, move and upload routes.
type transferRequest struct {
	Query       map[string]any `json:"query"`
	Folder      string         `json:"folder"`
	Destination string         `json:"destination"`
	Modalities  []string       `json:"modalities"`
}

type transferResponse struct {
	Status string `json:"status"`
}

// decodeTransfer reads the body and parses its query. It writes the error
// response itself.
func decodeTransfer(w http.ResponseWriter, r *http.Request, needQuery bool) (*transferRequest, *connector.Query, bool) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, nil, false
	}
	if !needQuery {
		return &req, nil, true
	}
	q, err := connector.ParseQuery(req.Query)
	if err != nil {
		writeError(w, err, "Invalid query")
		return nil, nil, false
	}
	return &req, q, true
}

func (h *ServerHandler) DownloadSeries(w http.ResponseWriter, r *http.Request) {
	req, q, ok := decodeTransfer(w, r, true)
	if !ok {
		return
	}
	if req.Folder == "" {
		http.Error(w, "folder is required", http.StatusBadRequest)
		return
	}
	if err := h.service.DownloadSeries(r.Context(), chi.URLParam(r, "name"), q, req.Folder); err != nil {
		writeError(w, err, "Series download failed")
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Status: "completed"})
}

func (h *ServerHandler) DownloadStudy(w http.ResponseWriter, r *http.Request) {
	req, q, ok := decodeTransfer(w, r, true)
	if !ok {
		return
	}
	if req.Folder == "" {
		http.Error(w, "folder is required", http.StatusBadRequest)
		return
	}
	if err := h.service.DownloadStudy(r.Context(), chi.URLParam(r, "name"), q, req.Folder, req.Modalities); err != nil {
		writeError(w, err, "Study download failed")
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Status: "completed"})
}

func (h *ServerHandler) MoveStudy(w http.ResponseWriter, r *http.Request) {
	req, q, ok := decodeTransfer(w, r, true)
	if !ok {
		return
	}
	if req.Destination == "" {
		http.Error(w, "destination is required", http.StatusBadRequest)
		return
	}
	if err := h.service.MoveStudy(r.Context(), chi.URLParam(r, "name"), q, req.Destination, req.Modalities); err != nil {
		writeError(w, err, "Study move failed")
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Status: "completed"})
}

func (h *ServerHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req, _, ok := decodeTransfer(w, r, false)
	if !ok {
		return
	}
	if req.Folder == "" {
		http.Error(w, "folder is required", http.StatusBadRequest)
		return
	}
	if err := h.service.UploadFolder(r.Context(), chi.URLParam(r, "name"), req.Folder); err != nil {
		writeError(w, err, "Upload failed")
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{Status: "completed"})
}

// ServerAudit lists a profile's audit entries, newest first. limit and
// offset page through them.
func (h *ServerHandler) ServerAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	entries, err := h.service.ServerAudit(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err, "Failed to list audit logs")
		return
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ResourceAudit lists the audit entries of one study or series UID.
func (h *ServerHandler) ResourceAudit(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("resource_uid")
	if uid == "" {
		http.Error(w, "resource_uid is required", http.StatusBadRequest)
		return
	}
	entries, err := h.service.ResourceAudit(r.Context(), uid)
	if err != nil {
		writeError(w, err, "Failed to list audit logs")
		return
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, name+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func profileID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "Invalid server profile ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps service and connector errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error, msg string) {
	var (
		cfg       *connector.ConfigurationError
		transport *connector.TransportError
		retry     *connector.RetriableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalid), errors.As(err, &cfg):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrServerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &transport), errors.As(err, &retry):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: connector.Kind(err)})
}
