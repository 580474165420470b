package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/fingerprint"
)

// Router serves the upload and registry endpoints the client SDK talks to.
type Router struct {
	registry ports.RegistryRepository
	sessions ports.UploadSessionRepository
	chunks   ports.ChunkStore
	events   ports.EventPublisher

	apiToken         string
	maxChunkBytes    int64
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
	contentThreshold float64
}

type RouterOptions struct {
	APIToken         string
	MaxChunkBytes    int64
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration
}

func NewRouter(
	registry ports.RegistryRepository,
	sessions ports.UploadSessionRepository,
	chunks ports.ChunkStore,
	events ports.EventPublisher,
	opts RouterOptions,
) *Router {
	maxChunk := opts.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = 6 << 20
	}
	return &Router{
		registry:         registry,
		sessions:         sessions,
		chunks:           chunks,
		events:           events,
		apiToken:         opts.APIToken,
		maxChunkBytes:    maxChunk,
		rateLimitRPS:     opts.RateLimitRPS,
		rateLimitBurst:   opts.RateLimitBurst,
		maxInFlight:      opts.MaxInFlight,
		backpressureWait: opts.BackpressureWait,
		contentThreshold: 0.85,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/uploads/chunk", rt.authorized(rt.receiveChunk))
	mux.HandleFunc("/v1/uploads/finalize", rt.authorized(rt.finalizeUpload))
	mux.HandleFunc("/v1/uploads/", rt.authorized(rt.uploadStatus))
	mux.HandleFunc("/v1/registry/check", rt.authorized(rt.checkDuplicate))
	mux.HandleFunc("/v1/registry/documents", rt.authorized(rt.registerDocument))
	mux.HandleFunc("/v1/registry/stats", rt.authorized(rt.registryStats))

	var handler http.Handler = mux
	if rt.maxInFlight > 0 {
		handler = backpressureMiddleware(handler, rt.maxInFlight, rt.backpressureWait)
	}
	if rt.rateLimitRPS > 0 {
		handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized enforces the bearer token when one is configured. Health stays
// open either way.
func (rt *Router) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.apiToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != rt.apiToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
				return
			}
		}
		next(w, r)
	}
}

func (rt *Router) receiveChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := r.ParseMultipartForm(rt.maxChunkBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	uploadID := r.FormValue("upload_id")
	index, okIndex := formInt(r, "chunk_index")
	totalChunks, okTotal := formInt(r, "total_chunks")
	if uploadID == "" || !okIndex || !okTotal || index < 0 || totalChunks <= 0 || index >= totalChunks {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "upload_id, chunk_index and total_chunks are required"})
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'chunk' is required"})
		return
	}
	defer file.Close()

	session := &domain.UploadSession{
		UploadID:    uploadID,
		FileName:    r.FormValue("file_name"),
		TotalChunks: totalChunks,
	}
	if err := rt.sessions.EnsureSession(r.Context(), session); err != nil {
		writeError(w, err)
		return
	}
	if err := rt.chunks.SaveChunk(r.Context(), uploadID, index, file); err != nil {
		writeError(w, err)
		return
	}
	if err := rt.sessions.MarkChunkReceived(r.Context(), uploadID, index); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"upload_id": uploadID, "chunk_index": index})
}

func (rt *Router) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UploadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "upload_id is required"})
		return
	}

	session, err := rt.sessions.GetSession(r.Context(), req.UploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Received < session.TotalChunks {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "upload incomplete",
			"received": session.Received,
			"total":    session.TotalChunks,
		})
		return
	}

	path, err := rt.chunks.Assemble(r.Context(), req.UploadID, session.FileName, session.TotalChunks)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rt.sessions.MarkFinalized(r.Context(), req.UploadID); err != nil {
		writeError(w, err)
		return
	}
	if rt.events != nil {
		_ = rt.events.PublishUploadFinalized(r.Context(), req.UploadID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"upload_id": req.UploadID, "storage_path": path})
}

func (rt *Router) uploadStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/uploads/")
	uploadID, ok := strings.CutSuffix(rest, "/chunks")
	if !ok || uploadID == "" || strings.Contains(uploadID, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	received, err := rt.sessions.ReceivedChunks(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if received == nil {
		received = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"upload_id": uploadID, "received": received})
}

func (rt *Router) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		FileHash  string                 `json:"file_hash"`
		FileName  string                 `json:"file_name"`
		UserID    string                 `json:"user_id"`
		Extracted domain.ExtractedFields `json:"extracted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileHash == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file_hash and user_id are required"})
		return
	}

	if matched, err := rt.registry.FindByFileHash(r.Context(), req.UserID, req.FileHash); err == nil {
		rt.respondDuplicate(w, r, req.UserID, &domain.DuplicateCheckResult{
			IsDuplicate: true,
			MatchType:   domain.MatchExact,
			Matched:     matched,
			Confidence:  1.0,
		})
		return
	} else if !domain.IsKind(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}

	if contentHash := fingerprint.ContentHash(req.Extracted); contentHash != "" {
		matched, err := rt.registry.FindByContentHash(r.Context(), req.UserID, contentHash)
		if err == nil {
			score, ok := fingerprint.FieldSimilarity(req.Extracted, matched.Extracted)
			if ok && score >= rt.contentThreshold {
				rt.respondDuplicate(w, r, req.UserID, &domain.DuplicateCheckResult{
					IsDuplicate: true,
					MatchType:   domain.MatchContent,
					Matched:     matched,
					Confidence:  score,
				})
				return
			}
		} else if !domain.IsKind(err, domain.ErrNotFound) {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, &domain.DuplicateCheckResult{
		IsDuplicate: false,
		MatchType:   domain.MatchNone,
		Source:      domain.SourceRemote,
	})
}

func (rt *Router) respondDuplicate(w http.ResponseWriter, r *http.Request, userID string, result *domain.DuplicateCheckResult) {
	result.Source = domain.SourceRemote
	// Best effort: a failed counter bump never blocks the answer.
	_ = rt.registry.IncrementBlocked(r.Context(), userID)
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) registerDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		UserID      string                     `json:"user_id"`
		Fingerprint domain.DocumentFingerprint `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Fingerprint.FileHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and fingerprint.file_hash are required"})
		return
	}

	if err := rt.registry.Insert(r.Context(), req.UserID, req.Fingerprint); err != nil {
		writeError(w, err)
		return
	}
	if rt.events != nil {
		_ = rt.events.PublishDocumentRegistered(r.Context(), req.Fingerprint.ID)
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": req.Fingerprint.ID})
}

func (rt *Router) registryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	stats, err := rt.registry.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	stats.Source = domain.SourceRemote
	writeJSON(w, http.StatusOK, stats)
}

func formInt(r *http.Request, field string) (int, bool) {
	value := r.FormValue(field)
	if value == "" {
		return 0, false
	}
	var n int
	if err := json.Unmarshal([]byte(value), &n); err != nil {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}
