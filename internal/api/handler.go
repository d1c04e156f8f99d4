package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"securesend/internal/common"
	"securesend/internal/cryptox"
	"securesend/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	partMetadata = "metadata"
	partFrames   = "frames"

	// RevokeTokenHeader carries the sender's revocation capability.
	RevokeTokenHeader = "X-Revoke-Token"

	maxJSONBody = 64 << 10
)

// Handler serves the object API on top of an ObjectService.
type Handler struct {
	objects       *service.ObjectService
	log           *zap.SugaredLogger
	validate      *validator.Validate
	maxUploadSize int64
	corsOrigins   []string
}

func NewHandler(objects *service.ObjectService, log *zap.SugaredLogger, maxUploadSize int64, corsOrigins []string) *Handler {
	return &Handler{
		objects:       objects,
		log:           log,
		validate:      validator.New(),
		maxUploadSize: maxUploadSize,
		corsOrigins:   corsOrigins,
	}
}

type (
	// CreateObjectRequest is the "metadata" part of an upload.
	CreateObjectRequest struct {
		ID            string              `json:"id" validate:"required,len=22"`
		SealedMeta    []byte              `json:"sealedMeta" validate:"required"`
		WrappedKey    *cryptox.WrappedKey `json:"wrappedKey,omitempty"`
		DownloadLimit int                 `json:"downloadLimit" validate:"omitempty,min=1,max=100"`
		ExpirySeconds int64               `json:"expirySeconds" validate:"omitempty,min=3600,max=604800"`
	}

	// BeginDownloadRequest carries the optional password proof.
	BeginDownloadRequest struct {
		PasswordProof []byte `json:"passwordProof,omitempty" validate:"omitempty,len=32"`
	}

	// ErrorBody is the error envelope.
	ErrorBody struct {
		Error ErrorDetail `json:"error"`
	}

	ErrorDetail struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

// === Response helpers ===

func (h *Handler) respondWithError(w http.ResponseWriter, code int, kind, message string) {
	h.respondWithJSON(w, code, ErrorBody{Error: ErrorDetail{Code: code, Type: kind, Message: message}})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"type":"internal","message":"internal error"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithServiceError translates a service error. Lifecycle denials all
// look the same from outside; the real reason is only logged.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, msg := classify(err)
	fields := []interface{}{"request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "status", status, "error", err}
	if status >= 500 {
		h.log.Errorw("request failed", fields...)
	} else {
		h.log.Infow("request denied", fields...)
	}
	h.respondWithError(w, status, kind, msg)
}

// Error types used in the envelope.
const (
	TypeUnavailable          = "unavailable"
	TypeWrongPassword        = "wrong_password"
	TypeInvalidHandle        = "invalid_handle"
	TypeInvalidToken         = "invalid_token"
	TypeConflict             = "conflict"
	TypeValidation           = "validation"
	TypeIncompleteStream     = "incomplete_stream"
	TypeOutOfOrder           = "out_of_order"
	TypeAuthenticationFailed = "authentication_failed"
	TypeStorageFailure       = "storage_failure"
	TypeInternal             = "internal"
)

func classify(err error) (int, string, string) {
	var maxErr *http.MaxBytesError
	switch {
	case common.IsUnavailable(err):
		return http.StatusNotFound, TypeUnavailable, "file unavailable"
	case errors.Is(err, common.ErrWrongPassword):
		return http.StatusForbidden, TypeWrongPassword, "wrong password"
	case errors.Is(err, common.ErrInvalidHandle):
		return http.StatusUnauthorized, TypeInvalidHandle, "invalid or used download handle"
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusForbidden, TypeInvalidToken, "invalid revoke token"
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict, TypeConflict, "object id already in use"
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, TypeValidation, "upload too large"
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, TypeValidation, err.Error()
	case errors.Is(err, common.ErrIncompleteStream):
		return http.StatusBadRequest, TypeIncompleteStream, "incomplete frame stream"
	case errors.Is(err, common.ErrOutOfOrder):
		return http.StatusBadRequest, TypeOutOfOrder, "frames out of order"
	case errors.Is(err, common.ErrAuthenticationFailed):
		return http.StatusBadRequest, TypeAuthenticationFailed, "malformed frame"
	case common.IsRetryable(err):
		return http.StatusServiceUnavailable, TypeStorageFailure, "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, TypeInternal, "internal error"
	}
}

// === Handlers ===

// handleCreateObject (POST /v1/objects) reads a multipart body whose first
// part is the JSON metadata and whose second part is the frame stream. The
// frames are never buffered whole.
func (h *Handler) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "multipart body required")
		return
	}

	part, err := mr.NextPart()
	if err != nil || part.FormName() != partMetadata {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "first part must be metadata")
		return
	}
	var req CreateObjectRequest
	if err := json.NewDecoder(io.LimitReader(part, maxJSONBody)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "invalid metadata JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "invalid metadata: "+err.Error())
		return
	}

	part, err = mr.NextPart()
	if err != nil || part.FormName() != partFrames {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "second part must be frames")
		return
	}

	res, err := h.objects.Create(r.Context(), service.CreateRequest{
		ID:            req.ID,
		SealedMeta:    req.SealedMeta,
		WrappedKey:    req.WrappedKey,
		DownloadLimit: req.DownloadLimit,
		Expiry:        time.Duration(req.ExpirySeconds) * time.Second,
	}, cryptox.NewFrameReader(part))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, res)
}

// handleGetObject (GET /v1/objects/{id})
func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, err := h.objects.FetchMetadata(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, obj)
}

// handleBeginDownload (POST /v1/objects/{id}/download)
func (h *Handler) handleBeginDownload(w http.ResponseWriter, r *http.Request) {
	var req BeginDownloadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondWithError(w, http.StatusBadRequest, TypeValidation, "invalid JSON payload")
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, "invalid request: "+err.Error())
		return
	}

	handle, err := h.objects.BeginDownload(r.Context(), chi.URLParam(r, "id"), req.PasswordProof)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, handle)
}

// handleGetFrames (GET /v1/objects/{id}/frames) streams the ciphertext or
// redirects to a presigned blob URL.
func (h *Handler) handleGetFrames(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, TypeInvalidHandle, "download handle required")
		return
	}

	url, presigned, err := h.objects.FrameURL(r.Context(), token)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if presigned {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	rc, err := h.objects.StreamFrames(r.Context(), token)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the client sees a truncated stream.
		h.log.Warnw("frame stream interrupted", "request_id", RequestIDFromContext(r.Context()), "bytes", n, "error", err)
	}
}

// handleRevokeObject (DELETE /v1/objects/{id})
func (h *Handler) handleRevokeObject(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(RevokeTokenHeader)
	if token == "" {
		h.respondWithError(w, http.StatusBadRequest, TypeValidation, fmt.Sprintf("%s header required", RevokeTokenHeader))
		return
	}
	if err := h.objects.Revoke(r.Context(), chi.URLParam(r, "id"), token); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
