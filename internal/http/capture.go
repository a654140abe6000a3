package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
	"splitledger/internal/middleware/trace"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
	"splitledger/internal/services"
)

// CaptureServer is the device-local capture API. Writes land in the
// outbox before any network attempt, so mutations are accepted even while
// the authoritative store is unreachable. It also exposes the outbox
// maintenance operations for parked entries.
type CaptureServer struct {
	http.Server
	capture *services.CaptureService
	queue   *outbox.Store
	logger  *log.Logger
}

func NewCaptureServer(addr string, capture *services.CaptureService, queue *outbox.Store, logger *log.Logger) *CaptureServer {
	mux := http.NewServeMux()

	s := &CaptureServer{
		Server: http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		capture: capture,
		queue:   queue,
		logger:  logger.WithComponent(log.ComponentCapture),
	}

	// Write routes mirror the ledger API so a client can point either way.
	mux.HandleFunc("POST /groups/{id}/expenses", s.handleCaptureExpense)
	mux.HandleFunc("POST /groups/{id}/payments", s.handleCapturePayment)
	mux.HandleFunc("GET /outbox/stats", s.handleOutboxStats)
	mux.HandleFunc("POST /outbox/retry", s.handleOutboxRetry)
	mux.HandleFunc("POST /outbox/{id}/ack", s.handleOutboxAck)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	traceMW := trace.NewMiddleware(extractClientIP)
	s.Server.Handler = traceMW.Middleware(mux)

	return s
}

type receiptResponse struct {
	ClientID     string `json:"client_id"`
	CanonicalID  string `json:"canonical_id,omitempty"`
	Queued       bool   `json:"queued"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// writeReceipt renders the capture outcome: 202 while the mutation waits
// in the outbox, 200 when it collapsed into an earlier one, 201 otherwise.
func writeReceipt(w http.ResponseWriter, receipt *services.Receipt) {
	status := http.StatusCreated
	switch {
	case receipt.Queued:
		status = http.StatusAccepted
	case receipt.Deduplicated:
		status = http.StatusOK
	}
	writeJSON(w, status, receiptResponse{
		ClientID:     receipt.ClientID,
		CanonicalID:  receipt.CanonicalID,
		Queued:       receipt.Queued,
		Deduplicated: receipt.Deduplicated,
	})
}

func (s *CaptureServer) handleCaptureExpense(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	expense, err := expenseFromRequest(groupID, req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	receipt, err := s.capture.RecordExpense(r.Context(), expense)
	if err != nil {
		s.writeCaptureError(w, r, err)
		return
	}
	writeReceipt(w, receipt)
}

func (s *CaptureServer) handleCapturePayment(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	amountCents := req.AmountCents
	if amountCents == 0 && req.Amount != "" {
		var err error
		amountCents, err = core.ParseDecimalToCents(req.Amount)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	payment := &core.Payment{
		GroupID:    groupID,
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Amount:     core.Money{Cents: amountCents},
	}
	if err := payment.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	receipt, err := s.capture.RecordPayment(r.Context(), payment)
	if err != nil {
		s.writeCaptureError(w, r, err)
		return
	}
	writeReceipt(w, receipt)
}

func (s *CaptureServer) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeCaptureError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"pending":            stats.Pending,
		"syncing":            stats.Syncing,
		"synced":             stats.Synced,
		"failed":             stats.Failed,
		"permanently_failed": stats.PermanentlyFailed,
		"conflict":           stats.Conflict,
	})
}

func (s *CaptureServer) handleOutboxRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryFailed(r.Context())
	if err != nil {
		s.writeCaptureError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *CaptureServer) handleOutboxAck(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Acknowledge(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, outbox.ErrNotParked) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeCaptureError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CaptureServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCaptureError maps capture failures onto HTTP statuses. A rejection
// from the authoritative store keeps its original status and reason.
func (s *CaptureServer) writeCaptureError(w http.ResponseWriter, r *http.Request, err error) {
	var submitErr *remote.SubmitError
	switch {
	case errors.As(err, &submitErr):
		writeError(w, submitErr.StatusCode, submitErr.Reason)
	case errors.Is(err, outbox.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "Capture failed", "error", err,
			"method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
