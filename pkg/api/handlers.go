package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sovereignrag/gateway/pkg/config"
	"github.com/sovereignrag/gateway/pkg/gateway"
	"github.com/sovereignrag/gateway/pkg/metrics"
	"github.com/sovereignrag/gateway/pkg/openai"
)

// Server routes HTTP requests into the gateway pipeline.
type Server struct {
	svc     *gateway.Service
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer builds the HTTP surface over a gateway service. Metrics may be
// nil, which turns /metrics into a 404.
func NewServer(svc *gateway.Service, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, cfg: cfg, metrics: m, logger: logger}
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/traces/{request_id}", s.handleGetTrace)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = WithAuth(s.cfg.APIKeySet(), handler)
	if s.cfg.RateLimitRPS > 0 {
		handler = NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).Middleware(handler)
	}
	handler = WithRequestID(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	dependencies := s.svc.Readiness()
	status := "ready"
	for _, state := range dependencies {
		if state != "ok" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"dependencies": dependencies,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListModels())
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.svc.GetTrace(r.PathValue("request_id"))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) requestContext(r *http.Request, endpoint string) (gateway.RequestContext, bool) {
	principal, ok := PrincipalFrom(r)
	if !ok {
		return gateway.RequestContext{}, false
	}
	return gateway.RequestContext{
		RequestID:      RequestID(r),
		TenantID:       principal.TenantID,
		UserID:         principal.UserID,
		Classification: principal.Classification,
		Endpoint:       endpoint,
		StartedAt:      time.Now(),
	}, true
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, r, "malformed JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	reqCtx, ok := s.requestContext(r, "/v1/chat/completions")
	if !ok {
		WriteErrorEnvelope(w, 401, "auth_missing", "auth", "Missing bearer token", RequestID(r))
		return
	}

	if req.Stream {
		s.streamChat(w, r, reqCtx, &req)
		return
	}

	resp, err := s.svc.Chat(r.Context(), reqCtx, &req)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat serves a chat completion as server-sent events. Response
// headers are deferred until the first frame so preflight failures still
// render the JSON envelope.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, reqCtx gateway.RequestContext, req *openai.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, r, gateway.NewError(500, "internal_error", "provider", "streaming unsupported by server"))
		return
	}

	headersSent := false
	write := func(frame []byte) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.svc.ChatStream(r.Context(), reqCtx, req, write)
	if err == nil {
		return
	}
	if headersSent {
		// Mid-stream failure: the status line is already out, so the
		// connection just ends. The audit event carries the error.
		s.logger.Warn("chat_stream_aborted",
			"request_id", reqCtx.RequestID, "error", err)
		return
	}
	writeGatewayError(w, r, err)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openai.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, r, "malformed JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	reqCtx, ok := s.requestContext(r, "/v1/embeddings")
	if !ok {
		WriteErrorEnvelope(w, 401, "auth_missing", "auth", "Missing bearer token", RequestID(r))
		return
	}

	resp, err := s.svc.Embeddings(r.Context(), reqCtx, &req)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
