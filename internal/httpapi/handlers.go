package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hookrelay/deliverant/internal/domain"
	"github.com/hookrelay/deliverant/internal/ingest"
	"github.com/hookrelay/deliverant/internal/statemachine"
)

// tenantIDFromRequest stands in for the authentication layer named as out
// of scope in §1 ("tenant/API-key authentication ... are assumed
// capabilities"); it reads a header a real deployment would instead
// derive from a validated API key.
func tenantIDFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	resp := errorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	writeJSON(w, status, resp)
}

// writeErrorForErr maps a domain error to its §7 status code and error code.
func writeErrorForErr(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", err.Error())
	case domain.IsInvalidState(err):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case err == domain.ErrPayloadTooLarge:
		writeError(w, http.StatusBadRequest, "PAYLOAD_TOO_LARGE", err.Error())
	case err == domain.ErrBatchTooLarge:
		writeError(w, http.StatusBadRequest, "BATCH_TOO_LARGE", err.Error())
	default:
		if _, ok := err.(*domain.ValidationError); ok {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

type createEventRequest struct {
	Type           string      `json:"type"`
	Payload        interface{} `json:"payload"`
	EndpointIDs    []string    `json:"endpoint_ids"`
	IdempotencyKey *string     `json:"idempotency_key,omitempty"`
}

// handleCreateEvent implements POST /events (§6).
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var body createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		return
	}

	result, err := s.ingester.Ingest(r.Context(), tenantIDFromRequest(r), ingest.Request{
		Type:           body.Type,
		Payload:        body.Payload,
		EndpointIDs:    body.EndpointIDs,
		IdempotencyKey: body.IdempotencyKey,
	}, time.Now())
	if err != nil {
		writeErrorForErr(w, err)
		return
	}

	type deliveryEntry struct {
		DeliveryID string `json:"delivery_id"`
		EndpointID string `json:"endpoint_id"`
		Created    bool   `json:"created"`
	}
	deliveries := make([]deliveryEntry, 0, len(result.Deliveries))
	for _, d := range result.Deliveries {
		deliveries = append(deliveries, deliveryEntry{DeliveryID: d.DeliveryID, EndpointID: d.EndpointID, Created: d.Created})
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id":   result.EventID,
		"deliveries": deliveries,
	})
}

// handleCancelDelivery implements POST /deliveries/{id}/cancel (§6).
func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFromRequest(r)
	id := r.PathValue("id")

	// Cancellation competes with a worker's finalize (§4.5 step 8), which
	// also locks the row, so this goes through WithDeliveryLock rather than
	// a plain GetDelivery/Save: while a worker holds the row lock (lease
	// acquisition or finalize) this returns ErrLocked instead of silently
	// clobbering (or being clobbered by) the worker's write. The lock is not
	// held during the HTTP round trip itself, so a cancel then succeeds and
	// the worker's finalize finds CANCELLED and skips its transition.
	found := false
	err := s.store.WithDeliveryLock(r.Context(), id, func(d *domain.Delivery, _ *domain.Endpoint) error {
		if d.TenantID != tenantID {
			return domain.ErrNotFound
		}
		found = true
		return statemachine.Cancel(d, "Cancelled by user", time.Now())
	})
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	if !found {
		writeErrorForErr(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "delivery_id": id})
}

// handleListDeliveries implements GET /deliveries (§6).
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFromRequest(r)
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	deliveries, err := s.store.ListDeliveries(r.Context(), tenantID, limit)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}

// handleGetDelivery implements GET /deliveries/{id} (§6).
func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFromRequest(r)
	id := r.PathValue("id")
	d, err := s.store.GetDelivery(r.Context(), tenantID, id)
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type replayRequest struct {
	DeliveryIDs []string `json:"delivery_ids"`
	DryRun      bool     `json:"dry_run"`
}

// handleReplay implements the supplemented replay endpoint
// (SPEC_FULL.md §3 item 1).
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var body replayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		return
	}
	result, err := s.replayer.Replay(r.Context(), tenantIDFromRequest(r), body.DeliveryIDs, body.DryRun, time.Now())
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batch_id":          result.BatchID,
		"created_deliveries": result.Items,
		"dry_run":           result.DryRun,
	})
}

// handlePauseEndpoint implements the supplemented pause operation
// (SPEC_FULL.md §3 item 2).
func (s *Server) handlePauseEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointStatus(w, r, domain.EndpointPaused)
}

// handleResumeEndpoint implements the supplemented resume operation.
func (s *Server) handleResumeEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointStatus(w, r, domain.EndpointActive)
}

func (s *Server) setEndpointStatus(w http.ResponseWriter, r *http.Request, status domain.EndpointStatus) {
	tenantID := tenantIDFromRequest(r)
	id := r.PathValue("id")
	ep, err := s.store.SetEndpointStatus(r.Context(), tenantID, id, status, time.Now())
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// handleGetKillSwitch and handleSetKillSwitch implement the supplemented
// kill-switch admin view (SPEC_FULL.md §3 item 3). Authorization for Set
// is out of scope, matching §1's "tenant/API-key authentication... are
// assumed capabilities" non-goal.
func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.killSwitch.IsActive(r.Context())})
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		return
	}
	var err error
	if body.Active {
		err = s.killSwitch.Activate(r.Context())
	} else {
		err = s.killSwitch.Deactivate(r.Context())
	}
	if err != nil {
		writeErrorForErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": body.Active})
}
