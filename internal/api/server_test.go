package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/lorawan-server/sc-gateway/internal/auth"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/gateway"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

type fakeGateway struct {
	stats   models.GatewayStats
	resets  int
	changes []gateway.RadioChange
	down    bool
}

func (f *fakeGateway) Status(ctx context.Context) (gateway.Status, error) {
	if f.down {
		return gateway.Status{}, gateway.ErrStopped
	}
	return gateway.Status{
		Stats:    f.stats,
		AckRatio: f.stats.AckRatio(),
		Radio:    gateway.RadioStatus{State: "LISTENING", Frequency: 868100000, DataRate: "SF8BW125"},
	}, nil
}

func (f *fakeGateway) ResetStats(ctx context.Context) (models.GatewayStats, error) {
	f.resets++
	f.stats.Reset()
	f.stats.Resets++
	return f.stats.Clone(), nil
}

func (f *fakeGateway) Reconfigure(ctx context.Context, change gateway.RadioChange) (gateway.RadioStatus, error) {
	if change.SpreadingFactor > 12 {
		return gateway.RadioStatus{}, fmt.Errorf("invalid spreading factor %d", change.SpreadingFactor)
	}
	f.changes = append(f.changes, change)
	return gateway.RadioStatus{State: "LISTENING", DataRate: fmt.Sprintf("SF%dBW125", change.SpreadingFactor)}, nil
}

func newFakeGateway() *fakeGateway {
	stats := models.NewGatewayStats()
	stats.RXForwarded = 4
	stats.AckedRoundTrips = 2
	stats.Drop(models.DropCRC)
	return &fakeGateway{stats: *stats}
}

func do(s *RESTServer, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestReadEndpoints(t *testing.T) {
	c := qt.New(t)

	s := NewRESTServer(config.APIConfig{Host: "127.0.0.1", Port: 8080}, newFakeGateway())

	rec := do(s, http.MethodGet, "/api/v1/health", "", "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(rec.Header().Get("Content-Type"), qt.Equals, "application/json")

	rec = do(s, http.MethodGet, "/api/v1/stats", "", "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	var stats struct {
		Stats    models.GatewayStats `json:"stats"`
		AckRatio float64             `json:"ackRatio"`
		Dropped  uint64              `json:"dropped"`
	}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &stats), qt.IsNil)
	c.Assert(stats.Stats.RXForwarded, qt.Equals, uint64(4))
	c.Assert(stats.AckRatio, qt.Equals, 50.0)
	c.Assert(stats.Dropped, qt.Equals, uint64(1))

	rec = do(s, http.MethodGet, "/api/v1/radio", "", "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	var radio gateway.RadioStatus
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &radio), qt.IsNil)
	c.Assert(radio.State, qt.Equals, "LISTENING")
	c.Assert(radio.DataRate, qt.Equals, "SF8BW125")
}

func TestGatewayDown(t *testing.T) {
	c := qt.New(t)

	gw := newFakeGateway()
	gw.down = true
	s := NewRESTServer(config.APIConfig{}, gw)

	c.Assert(do(s, http.MethodGet, "/api/v1/health", "", "").Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(do(s, http.MethodGet, "/api/v1/status", "", "").Code, qt.Equals, http.StatusServiceUnavailable)
}

func TestOperatorEndpointsWithoutSecret(t *testing.T) {
	c := qt.New(t)

	gw := newFakeGateway()
	s := NewRESTServer(config.APIConfig{}, gw)

	rec := do(s, http.MethodPost, "/api/v1/stats/reset", "", "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(gw.resets, qt.Equals, 1)
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	c := qt.New(t)

	gw := newFakeGateway()
	s := NewRESTServer(config.APIConfig{JWTSecret: "s3cret"}, gw)

	c.Assert(do(s, http.MethodPost, "/api/v1/stats/reset", "", "").Code, qt.Equals, http.StatusUnauthorized)
	c.Assert(do(s, http.MethodPost, "/api/v1/stats/reset", "", "bogus").Code, qt.Equals, http.StatusUnauthorized)
	c.Assert(gw.resets, qt.Equals, 0)

	token, err := auth.NewJWTManager("s3cret").GenerateToken("ops", time.Hour)
	c.Assert(err, qt.IsNil)

	rec := do(s, http.MethodPost, "/api/v1/stats/reset", "", token)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	var stats models.GatewayStats
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &stats), qt.IsNil)
	c.Assert(stats.RXForwarded, qt.Equals, uint64(0))
	c.Assert(stats.Resets, qt.Equals, uint64(1))

	// reads stay public
	c.Assert(do(s, http.MethodGet, "/api/v1/stats", "", "").Code, qt.Equals, http.StatusOK)
}

func TestReconfigure(t *testing.T) {
	c := qt.New(t)

	gw := newFakeGateway()
	s := NewRESTServer(config.APIConfig{}, gw)

	rec := do(s, http.MethodPut, "/api/v1/radio", `{"spreadingFactor":10}`, "")
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(gw.changes, qt.DeepEquals, []gateway.RadioChange{{SpreadingFactor: 10}})

	rec = do(s, http.MethodPut, "/api/v1/radio", `{"spreadingFactor":13}`, "")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(rec.Body.String(), qt.Contains, "invalid spreading factor 13")

	rec = do(s, http.MethodPut, "/api/v1/radio", `{`, "")
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}
