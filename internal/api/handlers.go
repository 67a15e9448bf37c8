package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/gateway"
)

// HandleHealth health check handler
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if _, err := s.gw.Status(r.Context()); err != nil {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"status": status,
		"time":   time.Now(),
	})
}

// HandleStatus returns the full gateway status
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.Status(r.Context())
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// HandleStats returns the gateway counters
func (s *RESTServer) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.Status(r.Context())
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats":    st.Stats,
		"ackRatio": st.AckRatio,
		"dropped":  st.Stats.TotalDropped(),
	})
}

// HandleRadio returns the radio scheduler state
func (s *RESTServer) HandleRadio(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.Status(r.Context())
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st.Radio)
}

// HandleResetStats zeroes the session counters
func (s *RESTServer) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gw.ResetStats(r.Context())
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	log.Info().Str("operator", operator(r)).Msg("Statistics reset via API")
	s.respondJSON(w, http.StatusOK, stats)
}

// HandleReconfigure moves the radio to another channel
func (s *RESTServer) HandleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req gateway.RadioChange
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rs, err := s.gw.Reconfigure(r.Context(), req)
	if err != nil {
		if errors.Is(err, gateway.ErrStopped) {
			s.respondGatewayError(w, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("operator", operator(r)).Msg("Radio reconfigured via API")
	s.respondJSON(w, http.StatusOK, rs)
}

func (s *RESTServer) respondGatewayError(w http.ResponseWriter, err error) {
	log.Warn().Err(err).Msg("Gateway did not answer")
	s.respondError(w, http.StatusServiceUnavailable, "gateway unavailable")
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
