package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/actions"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/egress"
	"github.com/Mindburn-Labs/warden/pkg/policy"
	"github.com/Mindburn-Labs/warden/pkg/signing"
	"github.com/Mindburn-Labs/warden/pkg/tokenstore"
)

const maxBodyBytes = 1 << 20

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Tokens  *tokenstore.Store
	Proxy   *egress.Proxy
	Actions *actions.Guard
	Signing *signing.Service
	Audit   *audit.Log
	Auth    *Authenticator
	Limiter *RateLimiter
	Logger  *slog.Logger
}

// Server routes API requests to the components.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer builds a server. Auth is required; without it every
// non-public route answers 401.
func NewServer(deps Deps) *Server {
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/secrets", requireRole(s.handleRegisterSecret, RoleOperator))
	mux.HandleFunc("POST /api/v1/fetch", requireRole(s.handleFetch, RoleAgent, RoleOperator))

	mux.HandleFunc("GET /api/v1/actions", requireRole(s.handleListActions, RoleAgent, RoleOperator))
	mux.HandleFunc("POST /api/v1/actions/{name}/invoke", requireRole(s.handleInvokeAction, RoleAgent, RoleOperator))

	mux.HandleFunc("GET /api/v1/signing/address", requireRole(s.handleSignerAddress, RoleAgent, RoleOperator))
	mux.HandleFunc("POST /api/v1/signing/requests", requireRole(s.handleSubmit, RoleAgent, RoleOperator))
	mux.HandleFunc("GET /api/v1/signing/pending", requireRole(s.handlePending, RoleOperator))
	mux.HandleFunc("POST /api/v1/signing/pending/{id}/approve", requireRole(s.handleApprove, RoleOperator))
	mux.HandleFunc("POST /api/v1/signing/pending/{id}/reject", requireRole(s.handleReject, RoleOperator))

	mux.HandleFunc("GET /api/v1/policy", requireRole(s.handleGetPolicy, RoleOperator))
	mux.HandleFunc("PUT /api/v1/policy", requireRole(s.handlePutPolicy, RoleOperator))

	mux.HandleFunc("GET /api/v1/audit", requireRole(s.handleAudit, RoleOperator))
	mux.HandleFunc("GET /api/v1/audit/verify", requireRole(s.handleAuditVerify, RoleOperator))

	var h http.Handler = mux
	h = s.deps.Auth.Middleware(h)
	if s.deps.Limiter != nil {
		h = s.deps.Limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

type registerSecretRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

func (s *Server) handleRegisterSecret(w http.ResponseWriter, r *http.Request) {
	var req registerSecretRequest
	if !decode(w, r, &req) {
		return
	}
	token, err := s.deps.Tokens.Register(req.ID, req.Secret)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	s.record(r.Context(), audit.Entry{
		Type:     audit.EventLifecycle,
		Severity: audit.SeverityInfo,
		Summary:  fmt.Sprintf("secret %s registered", req.ID),
		Metadata: map[string]any{"secretId": req.ID},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID, "token": token})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req egress.Request
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.deps.Proxy.Fetch(r.Context(), req)
	if err != nil {
		writeEgressError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEgressError maps proxy errors. Messages are already generic.
func writeEgressError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, egress.ErrBlocked), errors.Is(err, egress.ErrRedirect):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, egress.ErrInvalidMethod):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, egress.ErrResponseTooLarge):
		WriteErrorR(w, r, http.StatusBadGateway, "Bad Gateway", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		WriteErrorR(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "upstream request did not complete")
	default:
		WriteErrorR(w, r, http.StatusBadGateway, "Bad Gateway", err.Error())
	}
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.deps.Actions.Actions()})
}

type invokeRequest struct {
	Params map[string]any `json:"params"`
}

func (s *Server) handleInvokeAction(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Actions.Invoke(r.Context(), r.PathValue("name"), req.Params)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, actions.ErrUnknownAction):
		WriteNotFound(w, err.Error())
	case errors.Is(err, actions.ErrInvalidParams):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, actions.ErrNoShellRunner):
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", err.Error())
	default:
		writeEgressError(w, r, err)
	}
}

func (s *Server) handleSignerAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.deps.Signing.Address(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Signing.Submit(r.Context(), req)
	switch {
	case errors.Is(err, signing.ErrInvalidRequest):
		WriteBadRequest(w, err.Error())
	case err != nil:
		s.logger.ErrorContext(r.Context(), "signing submit failed", "request_id", req.RequestID, "error", err)
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", res.Error)
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.RequiresHumanConfirmation:
		writeJSON(w, http.StatusAccepted, res)
	case res.Decision != nil && !res.Decision.Allowed:
		writeJSON(w, http.StatusForbidden, res)
	default:
		writeJSON(w, http.StatusBadGateway, res)
	}
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.deps.Signing.PendingApprovals(r.Context())})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Signing.Approve(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, signing.ErrNoPendingApproval):
		WriteNotFound(w, err.Error())
	case errors.Is(err, signing.ErrApprovalExpired):
		WriteErrorR(w, r, http.StatusGone, "Gone", err.Error())
	case err != nil:
		WriteInternal(w, err)
	case !res.Success:
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Signing.Reject(r.Context(), id) {
		WriteNotFound(w, signing.ErrNoPendingApproval.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "rejected": true})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Signing.Policy())
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if !decode(w, r, &p) {
		return
	}
	if err := s.deps.Signing.UpdatePolicy(r.Context(), p); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Signing.Policy())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var entries []audit.Entry
	if t := q.Get("type"); t != "" {
		et := audit.EventType(t)
		if !et.Valid() {
			WriteBadRequest(w, fmt.Sprintf("unknown event type %q", t))
			return
		}
		entries = s.deps.Audit.ByType(et)
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = s.deps.Audit.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Audit.Verify(); err != nil {
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entries": s.deps.Audit.Len()})
}

func (s *Server) record(ctx context.Context, e audit.Entry) {
	if s.deps.Audit == nil {
		return
	}
	if _, err := s.deps.Audit.Record(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed", "type", e.Type, "error", err)
	}
}

// ListenAndServe serves h on addr until ctx is done, then drains for up
// to ten seconds.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
