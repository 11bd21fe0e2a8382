package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vlink/obdcore/pkg/connection"
	"github.com/vlink/obdcore/pkg/elm327"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	decoder := mux.Vars(r)["decoder"]

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.store.RecentReadings(decoder, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// udsReadRequest is the body for POST /uds/read.
type udsReadRequest struct {
	Target uint16 `json:"target"`
	DID    uint16 `json:"did"`
}

func (s *Server) handleUDSRead(w http.ResponseWriter, r *http.Request) {
	if s.uds == nil {
		respondError(w, http.StatusServiceUnavailable, "UDS client not configured")
		return
	}

	var req udsReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload, err := s.uds.ReadDataByIdentifier(r.Context(), req.Target, req.DID)
	if err != nil {
		respondUDSError(w, err)
		return
	}

	resp := map[string]interface{}{
		"target":  req.Target,
		"did":     req.DID,
		"payload": payload,
	}
	if s.decoders != nil {
		for _, name := range s.decoders.List() {
			dec, derr := s.decoders.Get(name)
			if derr != nil || dec.TargetCANID() != req.Target {
				continue
			}
			if reading, rerr := dec.Decode(req.DID, payload); rerr == nil {
				resp["reading"] = reading
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondUDSError translates diagnostic-stack error categories into HTTP
// status codes without masking the underlying error.
func respondUDSError(w http.ResponseWriter, err error) {
	var negResp *elm327.NegativeResponseError
	var noResp *elm327.NoResponseError
	switch {
	case errors.As(err, &negResp):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &noResp):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, connection.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, connection.ErrNotOpen):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
