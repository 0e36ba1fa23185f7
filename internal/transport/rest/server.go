// Package rest exposes registered models over a JSON HTTP API: list and
// query endpoints, document CRUD by id, counts, plus health and metrics.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	mongocrud "github.com/parlane-io/mongocrud"
	"github.com/parlane-io/mongocrud/internal/db"
)

const maxBatchSize = 100

// errorHandler tries to handle a known error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server routes HTTP requests to the model registry.
type Server struct {
	registry      *mongocrud.Registry
	store         db.Store
	logger        *zap.Logger
	defaultLimit  int64
	maxLimit      int64
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server over the registry. The store is
// only used for health reporting.
func NewServer(registry *mongocrud.Registry, store db.Store, logger *zap.Logger) *Server {
	s := &Server{
		registry:     registry,
		store:        store,
		logger:       logger,
		defaultLimit: 20,
		maxLimit:     100,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(mongocrud.ErrNoModel, http.StatusNotFound, codeDocumentNotFound),
		sentinelHandler(mongocrud.ErrUnknownModel, http.StatusNotFound, codeModelNotFound),
		sentinelHandler(mongocrud.ErrModelExists, http.StatusConflict, codeModelExists),
		sentinelHandler(mongocrud.ErrMissingID, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(mongocrud.ErrDeadlineExceeded, http.StatusGatewayTimeout, codeDeadlineExceeded),
	}
	return s
}

// WithPagination overrides the default and maximum page sizes.
func (s *Server) WithPagination(defaultLimit, maxLimit int64) *Server {
	if defaultLimit > 0 {
		s.defaultLimit = defaultLimit
	}
	if maxLimit > 0 {
		s.maxLimit = maxLimit
	}
	return s
}

// Router builds the chi route tree for the API surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/models", s.ListModels)
		api.Route("/models/{model}", func(m chi.Router) {
			m.Get("/", s.ListDocuments)
			m.Post("/", s.CreateDocuments)
			m.Post("/query", s.QueryDocuments)
			m.Get("/count", s.CountDocuments)
			m.Get("/{id}", s.GetDocument)
			m.Put("/{id}", s.ReplaceDocument)
			m.Patch("/{id}", s.MergeDocument)
			m.Delete("/{id}", s.DeleteDocument)
		})
	})
	return r
}

// ListModels handles GET /api/v1/models.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.Models()})
}

// ListDocuments handles GET /api/v1/models/{model}.
func (s *Server) ListDocuments(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	filter, opts, err := s.listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	docs, err := svc.Find(r.Context(), filter, opts)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, documentList(docs))
}

// QueryDocuments handles POST /api/v1/models/{model}/query. The body
// carries the full option set the query string cannot express.
func (s *Server) QueryDocuments(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	opts := req.options()
	if err := s.capLimit(opts); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	docs, err := svc.Find(r.Context(), toM(req.Filter), opts)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, documentList(docs))
}

// CountDocuments handles GET /api/v1/models/{model}/count.
func (s *Server) CountDocuments(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	filter, opts, err := s.listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	n, err := svc.Count(r.Context(), filter, opts)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// GetDocument handles GET /api/v1/models/{model}/{id}.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	_, opts, err := s.listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
		return
	}

	doc, err := svc.FindByID(r.Context(), id, opts)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

// CreateDocuments handles POST /api/v1/models/{model}. A JSON object
// creates one document; a JSON array creates a transactional batch.
func (s *Server) CreateDocuments(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if isJSONArray(raw) {
		var items []bson.M
		if err := json.Unmarshal(raw, &items); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
			return
		}
		if len(items) == 0 || len(items) > maxBatchSize {
			writeError(w, http.StatusBadRequest, codeValidationFailed,
				fmt.Sprintf("documents count must be between 1 and %d", maxBatchSize))
			return
		}
		docs, err := svc.CreateMany(r.Context(), items, nil)
		if err != nil {
			s.handleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, documentList(docs))
		return
	}

	var item bson.M
	if err := json.Unmarshal(raw, &item); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	doc, err := svc.Create(r.Context(), item, nil)
	if err != nil {
		s.handleError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/models/%s/%s", svc.Name(), doc.ID.Hex()))
	writeJSON(w, http.StatusCreated, documentToResponse(doc))
}

// ReplaceDocument handles PUT /api/v1/models/{model}/{id}.
func (s *Server) ReplaceDocument(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	var payload bson.M
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	doc, err := svc.ReplaceByID(r.Context(), id, payload, nil)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

// MergeDocument handles PATCH /api/v1/models/{model}/{id}.
func (s *Server) MergeDocument(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	var payload bson.M
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	doc, err := svc.MergeByID(r.Context(), id, payload, nil)
	if err != nil {
		s.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

// DeleteDocument handles DELETE /api/v1/models/{model}/{id}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	if _, err := svc.DeleteByID(r.Context(), id, nil); err != nil {
		s.handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	status := "healthy"
	httpStatus := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		checks["database"] = "unavailable"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) service(w http.ResponseWriter, r *http.Request) (*mongocrud.Service, bool) {
	name := chi.URLParam(r, "model")
	svc, ok := s.registry.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, codeModelNotFound, fmt.Sprintf("model %q is not registered", name))
		return nil, false
	}
	return svc, true
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, fmt.Sprintf("invalid document id %q", raw))
		return primitive.NilObjectID, false
	}
	return id, true
}

// listOptions translates query-string parameters into call options.
func (s *Server) listOptions(r *http.Request) (bson.M, *mongocrud.Options, error) {
	q := r.URL.Query()
	opts := &mongocrud.Options{}

	var filter bson.M
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			return nil, nil, fmt.Errorf("parse filter: %w", err)
		}
	}

	if raw := q.Get("sort"); raw != "" {
		opts.Sort = splitList(raw)
	}
	if raw := q.Get("select"); raw != "" {
		opts.Select = splitList(raw)
	}
	if raw := q.Get("distinct"); raw != "" {
		opts.Distinct = splitList(raw)
	}
	if q.Has("populate") {
		opts.Populate = []mongocrud.Populate{}
		for _, path := range splitList(q.Get("populate")) {
			opts.Populate = append(opts.Populate, mongocrud.Populate{Path: path})
		}
	}

	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("skip must be a non-negative integer, got %q", raw)
		}
		opts.Skip = &n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		opts.Limit = &n
	}
	if raw := q.Get("random"); raw != "" {
		opts.Random = raw == "true" || raw == "1"
	}
	if raw := q.Get("maxTimeMs"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("maxTimeMs must be a non-negative integer, got %q", raw)
		}
		opts.MaxTimeMS = n
	}

	if err := s.capLimit(opts); err != nil {
		return nil, nil, err
	}
	return filter, opts, nil
}

// capLimit applies the default page size and rejects oversized pages.
func (s *Server) capLimit(opts *mongocrud.Options) error {
	if opts.Limit == nil {
		n := s.defaultLimit
		opts.Limit = &n
		return nil
	}
	if *opts.Limit > s.maxLimit {
		return fmt.Errorf("limit must not exceed %d", s.maxLimit)
	}
	return nil
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	s.logger.Warn("request failed", zap.Error(err))
	msg := safeMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}

// queryRequest is the body of POST /query: filter plus shaping options.
type queryRequest struct {
	Filter    map[string]any    `json:"filter"`
	Sort      any               `json:"sort"`
	Select    []string          `json:"select"`
	Distinct  []string          `json:"distinct"`
	Populate  []populateRequest `json:"populate"`
	AddFields map[string]any    `json:"addFields"`
	Skip      *int64            `json:"skip"`
	Limit     *int64            `json:"limit"`
	Random    bool              `json:"random"`
	MaxTimeMS int64             `json:"maxTimeMs"`
}

type populateRequest struct {
	Path     string            `json:"path"`
	Select   []string          `json:"select"`
	Match    map[string]any    `json:"match"`
	Sort     any               `json:"sort"`
	Skip     *int64            `json:"skip"`
	Limit    *int64            `json:"limit"`
	Populate []populateRequest `json:"populate"`
}

func (q *queryRequest) options() *mongocrud.Options {
	return &mongocrud.Options{
		Sort:      q.Sort,
		Select:    q.Select,
		Distinct:  q.Distinct,
		Populate:  populatesFromRequest(q.Populate),
		AddFields: toM(q.AddFields),
		Skip:      q.Skip,
		Limit:     q.Limit,
		Random:    q.Random,
		MaxTimeMS: q.MaxTimeMS,
	}
}

func populatesFromRequest(reqs []populateRequest) []mongocrud.Populate {
	if reqs == nil {
		return nil
	}
	out := make([]mongocrud.Populate, len(reqs))
	for i, p := range reqs {
		out[i] = mongocrud.Populate{
			Path:     p.Path,
			Select:   p.Select,
			Match:    toM(p.Match),
			Sort:     p.Sort,
			Skip:     p.Skip,
			Limit:    p.Limit,
			Populate: populatesFromRequest(p.Populate),
		}
	}
	return out
}

// documentResponse is the wire shape of one document.
type documentResponse struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Data      bson.M         `json:"data"`
	Relations map[string]any `json:"relations,omitempty"`
}

func documentToResponse(doc *mongocrud.Document) documentResponse {
	resp := documentResponse{
		ID:    doc.ID.Hex(),
		Model: doc.Model,
		Data:  doc.Data,
	}
	if len(doc.Relations) > 0 {
		resp.Relations = make(map[string]any, len(doc.Relations))
		for name, rel := range doc.Relations {
			resp.Relations[name] = relationToResponse(rel)
		}
	}
	return resp
}

func relationToResponse(rel any) any {
	switch v := rel.(type) {
	case *mongocrud.Document:
		return documentToResponse(v)
	case []*mongocrud.Document:
		return documentList(v)
	default:
		return v
	}
}

func documentList(docs []*mongocrud.Document) []documentResponse {
	items := make([]documentResponse, len(docs))
	for i, d := range docs {
		items[i] = documentToResponse(d)
	}
	return items
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	return strings.HasPrefix(trimmed, "[")
}

func toM(m map[string]any) bson.M {
	if m == nil {
		return nil
	}
	return bson.M(m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire shape of all error replies.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest       = "bad_request"
	codeValidationFailed = "validation_failed"
	codeModelNotFound    = "model_not_found"
	codeDocumentNotFound = "document_not_found"
	codeModelExists      = "model_already_exists"
	codeDeadlineExceeded = "deadline_exceeded"
	codeInternalError    = "internal_error"
)

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeMessage returns a sentinel error message for the client without
// exposing internals.
func safeMessage(err error) string {
	sentinels := []error{
		mongocrud.ErrNoModel,
		mongocrud.ErrUnknownModel,
		mongocrud.ErrModelExists,
		mongocrud.ErrMissingID,
		mongocrud.ErrDeadlineExceeded,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}
