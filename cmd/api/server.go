package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/certificate"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
)

type contextKey string

const (
	ctxKeyIdentity contextKey = "identity"
	ctxKeyRole     contextKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

type configService interface {
	Get(ctx context.Context) (feeconfig.Config, error)
	Initialize(ctx context.Context, params feeconfig.InitParams) (feeconfig.Config, error)
	Update(ctx context.Context, params feeconfig.UpdateParams) (feeconfig.Config, error)
}

type escrowService interface {
	Create(ctx context.Context, p escrow.CreateParams) (*escrow.Agreement, error)
	Get(ctx context.Context, id string) (*escrow.Agreement, error)
	ApproveMilestone(ctx context.Context, id, caller string, index int) (*escrow.Agreement, error)
	ReleaseMilestone(ctx context.Context, id, caller string, index int) (*escrow.Agreement, error)
	CancelEscrow(ctx context.Context, id, caller string) (*escrow.Agreement, error)
	CloseEscrow(ctx context.Context, id, caller string) (uint64, error)
	InitiateDispute(ctx context.Context, id, caller string, reason escrow.Hash) (*escrow.Agreement, error)
	ResolveDispute(ctx context.Context, id, caller string, r escrow.Resolution) (*escrow.Agreement, error)
	ClaimExpired(ctx context.Context, id, caller string) (*escrow.Agreement, error)
	TransferClaim(ctx context.Context, id, caller, newBeneficiary string) (*escrow.Agreement, error)
	MintCertificate(ctx context.Context, id, caller string) (*escrow.Agreement, error)
	SyncBeneficiary(ctx context.Context, id, caller string) (*escrow.Agreement, error)
	RevokeCertificate(ctx context.Context, id, caller string) (*escrow.Agreement, error)
}

type certificateService interface {
	Get(ctx context.Context, handle string) (certificate.Certificate, error)
	Transfer(ctx context.Context, handle, caller, to string) error
	Burn(ctx context.Context, handle, caller string) error
}

type eventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	authService        authService
	configService      configService
	escrowService      escrowService
	certificateService certificateService
	// events is nil when the outbox relay is disabled.
	events eventStream
	logger *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Routes builds the HTTP surface. Every /api route except auth requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)

			authed.Get("/config", s.handleGetConfig)
			authed.Get("/escrows/{id}", s.handleGetEscrow)
			authed.Get("/certificates/{handle}", s.handleGetCertificate)
			if s.events != nil {
				authed.Get("/events", s.events.ServeWS)
			}

			// Permissionless cranks, open to keeper accounts as well.
			authed.Post("/escrows/{id}/milestones/{index}/release", s.handleRelease)
			authed.Post("/escrows/{id}/claim-expired", s.handleClaimExpired)
			authed.Post("/escrows/{id}/certificate/sync", s.handleSyncBeneficiary)
			authed.Post("/escrows/{id}/certificate/revoke", s.handleRevokeCertificate)

			authed.Group(func(parties chi.Router) {
				parties.Use(partiesOnly)

				parties.Post("/config/init", s.handleInitConfig)
				parties.Patch("/config", s.handleUpdateConfig)

				parties.Post("/escrows", s.handleCreateEscrow)
				parties.Post("/escrows/{id}/milestones/{index}/approve", s.handleApprove)
				parties.Post("/escrows/{id}/cancel", s.handleCancel)
				parties.Post("/escrows/{id}/close", s.handleClose)
				parties.Post("/escrows/{id}/dispute", s.handleInitiateDispute)
				parties.Post("/escrows/{id}/dispute/resolve", s.handleResolveDispute)
				parties.Post("/escrows/{id}/claim/transfer", s.handleTransferClaim)
				parties.Post("/escrows/{id}/certificate", s.handleMintCertificate)

				parties.Post("/certificates/{handle}/transfer", s.handleTransferCertificate)
				parties.Post("/certificates/{handle}/burn", s.handleBurnCertificate)
			})
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "InvalidToken", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, claims.Identity)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// partiesOnly keeps keeper accounts on the permissionless routes.
func partiesOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role == auth.RoleKeeper {
			writeError(w, http.StatusForbidden, "KeeperNotAllowed", "keeper accounts may only call permissionless operations")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log().Error("request failed", fields...)
			return
		}
		s.log().Debug("request", fields...)
	})
}

func callerFrom(r *http.Request) string {
	identity, _ := r.Context().Value(ctxKeyIdentity).(string)
	return identity
}
