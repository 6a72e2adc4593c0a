package quizd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quizfund/core/payout"
	"quizfund/core/types"
	"quizfund/storage"
)

// ServerConfig carries the authenticators guarding each route group.
type ServerConfig struct {
	JWT   *JWTAuthenticator
	Admin *AdminAuthenticator
	// Metrics defaults to the Prometheus default gatherer.
	Metrics http.Handler
	// DefaultNetwork is used when onboarding requests omit one.
	DefaultNetwork string
}

// Server exposes the collaborator and operator HTTP APIs.
type Server struct {
	svc            *Service
	defaultNetwork string
	router         http.Handler
}

// NewServer constructs the routed, instrumented handler tree.
func NewServer(svc *Service, cfg ServerConfig) *Server {
	s := &Server{svc: svc, defaultNetwork: cfg.DefaultNetwork}
	if s.defaultNetwork == "" {
		s.defaultNetwork = string(types.Testnet)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(cfg.JWT.Middleware(ScopeQuizWrite))
		v1.Post("/users/{user_id}/wallets", s.handleOnboard)
		v1.Post("/quizzes/{id}/funding", s.handleOpenFunding)
		v1.Post("/quizzes/{id}/payment", s.handlePayment)
		v1.Post("/quizzes/{id}/distribution", s.handleScheduleDistribution)
		v1.Get("/quizzes/{id}/transfers", s.handleTransfers)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(cfg.Admin.Middleware)
		admin.Get("/breakers", s.handleBreakers)
		admin.Post("/breakers/reset", s.handleResetBreaker)
		admin.Post("/breakers/reset-all", s.handleResetAll)
		admin.Post("/pause", s.handlePause)
		admin.Post("/resume", s.handleResume)
		admin.Get("/status", s.handleStatus)
		admin.Post("/quizzes/{id}/distribute", s.handleDistribute)
	})

	s.router = otelhttp.NewHandler(r, "quizd")
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type onboardRequest struct {
	Network string `json:"network"`
}

type walletResponse struct {
	WalletID  uuid.UUID `json:"wallet_id"`
	AccountID string    `json:"account_id"`
	Network   string    `json:"network"`
	PublicKey string    `json:"public_key"`
	Verified  bool      `json:"verified"`
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	if strings.TrimSpace(req.Network) == "" {
		req.Network = s.defaultNetwork
	}
	wallet, err := s.svc.OnboardUser(r.Context(), chi.URLParam(r, "user_id"), req.Network)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{
		WalletID:  wallet.ID,
		AccountID: wallet.AccountID,
		Network:   wallet.Network,
		PublicKey: wallet.PublicKey,
		Verified:  wallet.Verified,
	})
}

func (s *Server) handleOpenFunding(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}
	instructions, err := s.svc.OpenFunding(r.Context(), quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instructions)
}

type paymentRequest struct {
	TxHash string `json:"tx_hash"`
	UserID string `json:"user_id"`
}

type paymentResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	accepted, msg, err := s.svc.SubmitPaymentHash(r.Context(), quizID, strings.TrimSpace(req.TxHash), strings.TrimSpace(req.UserID))
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, paymentResponse{OK: accepted, Message: msg})
}

type scheduleRequest struct {
	DelaySeconds int64 `json:"delay_seconds"`
}

func (s *Server) handleScheduleDistribution(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.svc.ScheduleDistribution(r.Context(), quizID, time.Duration(req.DelaySeconds)*time.Second); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type transferView struct {
	UserID    string    `json:"user_id"`
	Recipient string    `json:"recipient"`
	Rank      int       `json:"rank"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func transferViews(results []types.TransferResult) []transferView {
	out := make([]transferView, 0, len(results))
	for _, t := range results {
		amount := "0"
		if t.Amount != nil {
			amount = t.Amount.Dec()
		}
		out = append(out, transferView{
			UserID:    t.UserID,
			Recipient: t.Recipient,
			Rank:      t.Rank,
			Amount:    amount,
			Currency:  t.Currency,
			TxHash:    t.TxHash,
			Success:   t.Success,
			Reason:    t.Reason,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}
	results, err := s.svc.Transfers(r.Context(), quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transferViews(results))
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.BreakerStatus())
}

type resetRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": s.svc.ResetBreaker(req.Endpoint)})
}

func (s *Server) handleResetAll(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetAllBreakers()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.svc.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.svc.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

type distributionResponse struct {
	QuizID            uuid.UUID      `json:"quiz_id"`
	TotalParticipants int            `json:"total_participants"`
	Replayed          bool           `json:"replayed"`
	SplitFallback     bool           `json:"split_fallback"`
	Transfers         []transferView `json:"transfers"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(w, r)
	if !ok {
		return
	}
	report, err := s.svc.DistributeNow(r.Context(), quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, distributionResponse{
		QuizID:            report.QuizID,
		TotalParticipants: report.TotalParticipants,
		Replayed:          report.Replayed,
		SplitFallback:     report.SplitFallback,
		Transfers:         transferViews(report.Transfers),
	})
}

func quizIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid quiz id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStateConflict),
		errors.Is(err, payout.ErrWrongState),
		errors.Is(err, payout.ErrPaused),
		errors.Is(err, payout.ErrDistributionInProgress):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
