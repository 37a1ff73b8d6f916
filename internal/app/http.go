package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rebuttal/api/internal/archive"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/webhook"
)

const (
	orgHeader       = "X-Org-ID"
	maxWebhookBytes = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	// Providers call webhooks directly, so the org comes from the path instead of the header.
	r.Post("/api/webhooks/{provider}/{orgID}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(requireOrg)
		r.Route("/api/disputes/{disputeID}", func(r chi.Router) {
			r.Get("/packet", s.handlePacket)
			r.Get("/validation", s.handleValidation)
			r.Post("/submissions", s.handleSubmit)
			r.Get("/submissions", s.handleListSubmissions)
			r.Put("/overrides/{title}", s.handlePutOverride)
			r.Post("/sections/{title}/regenerate", s.handleRegenerate)
			r.Put("/attachments/{type}", s.handlePutAttachment)
		})
		r.Delete("/api/jobs/{jobID}", s.handleCancelJob)
		r.Get("/api/archive/search", s.handleArchiveSearch)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// Optional dependencies are reported but never flip readiness.
	for _, check := range s.service.Checks() {
		if err := check.Ping(ctx); err != nil {
			checks[check.Name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePacket(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Packet(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleValidation(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.Validation(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.Submit(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	switch {
	case resp.JobID != "":
		status = http.StatusAccepted
	case resp.Reused:
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *HTTPServer) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListSubmissions(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	title, ok := pathParam(w, r, "title")
	if !ok {
		return
	}
	var body OverrideInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	saved, err := s.service.PutOverride(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"), title, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *HTTPServer) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	title, ok := pathParam(w, r, "title")
	if !ok {
		return
	}
	section, err := s.service.Regenerate(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"), title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	attachmentType, ok := pathParam(w, r, "type")
	if !ok {
		return
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAttachmentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read attachment body", nil)
		return
	}
	att, err := s.service.PutAttachment(r.Context(), scopeFrom(r), chi.URLParam(r, "disputeID"), attachmentType, r.Header.Get("Content-Type"), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelJob(r.Context(), scopeFrom(r), chi.URLParam(r, "jobID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": string(store.JobCancelled)})
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read webhook body", nil)
		return
	}
	if len(payload) > maxWebhookBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body exceeds 1 MiB", nil)
		return
	}
	providerName := chi.URLParam(r, "provider")
	ack, err := s.service.Webhook(r.Context(), webhook.Delivery{
		Provider: providerName,
		OrgID:    chi.URLParam(r, "orgID"),
		Payload:  payload,
		Header:   r.Header,
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Status == http.StatusUnauthorized {
			s.logger.Warn("webhook signature rejected", "provider", providerName, "request_id", requestIDFrom(r.Context()))
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *HTTPServer) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.SearchArchive(r.Context(), scopeFrom(r), archive.Query{
		Text:   strings.TrimSpace(query.Get("q")),
		Status: strings.TrimSpace(query.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	var domainErr *DomainError
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "code", code, "error", err)
	case errors.As(err, &domainErr) && domainErr.Err != nil:
		s.logger.Debug("request rejected", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "code", code, "cause", domainErr.Err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type scopeKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requireOrg rejects requests that arrive without the organization header.
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(orgHeader))
		if orgID == "" {
			writeError(w, http.StatusUnauthorized, "MISSING_ORG", "X-Org-ID header is required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), scopeKey{}, packet.Scope{OrgID: orgID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func scopeFrom(r *http.Request) packet.Scope {
	scope, _ := r.Context().Value(scopeKey{}).(packet.Scope)
	return scope
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := chi.URLParam(r, name)
	var err error
	// chi routes on RawPath when the request carried escapes the default encoding would not produce.
	if r.URL.RawPath != "" {
		value, err = url.PathUnescape(value)
	}
	if err != nil || strings.TrimSpace(value) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", fmt.Sprintf("invalid %s", name), nil)
		return "", false
	}
	return value, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Org-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
