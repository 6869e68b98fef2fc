package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"magnetgate/pkg/cache"
	"magnetgate/pkg/ingest"
	"magnetgate/pkg/metrics"
	"magnetgate/pkg/ratelimit"
	"magnetgate/pkg/sensor"
	"magnetgate/pkg/store"
)

func newTestApp(t *testing.T, adminSecret []byte, ratePerMin int) (*app, *store.Memory) {
	t.Helper()
	reg := sensor.NewRegistry()
	for _, cfg := range sensor.Defaults() {
		if err := reg.Register(cfg); err != nil {
			t.Fatalf("register %s: %v", cfg.Type, err)
		}
	}
	mem := store.NewMemory()
	disp := ingest.NewDispatcher(
		ingest.NewAuthenticator(reg, nil),
		ingest.NewValidator(),
		ingest.NewNormalizer(nil),
		mem,
		nil,
	)
	a := newApp(reg, disp, mem, cache.NewLatest(nil, 0),
		ratelimit.New(nil, ratePerMin, time.Minute), nil, adminSecret)
	return a, mem
}

func newTestServer(t *testing.T, a *app) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	a.routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dustbinBody() map[string]interface{} {
	return map[string]interface{}{
		"cmd":     "RP",
		"device":  "DB-STATION-07",
		"battery": "3.92",
		"time":    "2024-05-20 04:30:00",
		"dIndex":  "0410",
		"data":    "82",
	}
}

func postIngest(t *testing.T, a *app, m, k string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/MagnetAPI", bytes.NewReader(raw))
	if m != "" {
		req.Header.Set("m", m)
		req.Header.Set("k", k)
	}
	rr := httptest.NewRecorder()
	a.handleIngest(rr, req)
	return rr
}

func decodeWire(t *testing.T, rr *httptest.ResponseRecorder) ingest.Response {
	t.Helper()
	var resp ingest.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestIngestDustbinSuccess(t *testing.T) {
	a, mem := newTestApp(t, nil, 100)

	rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeWire(t, rr)
	if resp.Status != "01" || resp.Message != "" {
		t.Fatalf("wire = %+v, want status 01 with empty message", resp)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id header")
	}

	items, err := mem.List(context.Background(), "dustbin_readings", "", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("stored %d readings, want 1", len(items))
	}
	got := items[0]
	if got.DeviceID != "DB-STATION-07" {
		t.Fatalf("device = %q", got.DeviceID)
	}
	if got.Battery != 3.92 {
		t.Fatalf("battery = %v", got.Battery)
	}
	if v := got.Fields["overflowPercentage"]; v != int64(82) {
		t.Fatalf("overflowPercentage = %v (%T), want int64 82", v, v)
	}
}

func TestIngestWrongIndexRejected(t *testing.T) {
	a, mem := newTestApp(t, nil, 100)

	body := dustbinBody()
	body["dIndex"] = "9999"
	rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for business rejection", rr.Code)
	}
	resp := decodeWire(t, rr)
	if resp.Status != "00" {
		t.Fatalf("wire status = %q, want 00", resp.Status)
	}
	if !bytes.Contains([]byte(resp.Message), []byte("index")) {
		t.Fatalf("message %q should mention the index", resp.Message)
	}
	items, _ := mem.List(context.Background(), "dustbin_readings", "", 0, 0)
	if len(items) != 0 {
		t.Fatalf("rejected reading was stored")
	}
}

func TestIngestManholeNormalization(t *testing.T) {
	a, mem := newTestApp(t, nil, 100)

	body := map[string]interface{}{
		"cmd":         "06",
		"device":      "MH-0042",
		"battery":     "4.1",
		"time":        "2024-01-01 10:00:00",
		"dIndex":      "0010",
		"battery_low": "0",
		"dt_state":    "1",
		"dt_waterLV":  "15",
		"dt_x":        "2",
		"dt_y":        "0",
		"dt_z":        "359",
	}
	rr := postIngest(t, a, "magnet-manhole", "manhole-k1", body)
	if resp := decodeWire(t, rr); resp.Status != "01" {
		t.Fatalf("wire = %+v, want success", resp)
	}

	reading, err := mem.Latest(context.Background(), "manhole_readings", "MH-0042")
	if err != nil || reading == nil {
		t.Fatalf("latest: %v %v", reading, err)
	}
	if reading.Battery != 4.1 {
		t.Fatalf("battery = %v", reading.Battery)
	}
	if v := reading.Fields["waterLevelCm"]; v != int64(15) {
		t.Fatalf("waterLevelCm = %v (%T)", v, v)
	}
	if v := reading.Fields["xAxisDegree"]; v != int64(2) {
		t.Fatalf("xAxisDegree = %v (%T)", v, v)
	}
	if v := reading.Fields["batteryLow"]; v != false {
		t.Fatalf("batteryLow = %v (%T), want false", v, v)
	}
}

func TestIngestNoCredentials(t *testing.T) {
	a, mem := newTestApp(t, nil, 100)

	rr := postIngest(t, a, "", "", dustbinBody())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	resp := decodeWire(t, rr)
	if resp.Status != "00" {
		t.Fatalf("wire status = %q, want 00", resp.Status)
	}
	if !bytes.Contains([]byte(resp.Message), []byte("Authentication")) {
		t.Fatalf("message %q should mention authentication", resp.Message)
	}
	items, _ := mem.List(context.Background(), "dustbin_readings", "", 0, 0)
	if len(items) != 0 {
		t.Fatalf("unauthenticated reading was stored")
	}
}

func TestIngestInvalidJSON(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)

	req := httptest.NewRequest(http.MethodPost, "/MagnetAPI", bytes.NewReader([]byte("{not json")))
	req.Header.Set("m", "magnet-dustbin")
	req.Header.Set("k", "dustbin-k1")
	rr := httptest.NewRecorder()
	a.handleIngest(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if resp := decodeWire(t, rr); resp.Status != "00" {
		t.Fatalf("wire status = %q, want 00", resp.Status)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)

	req := httptest.NewRequest(http.MethodGet, "/MagnetAPI", nil)
	rr := httptest.NewRecorder()
	a.handleIngest(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	a, _ := newTestApp(t, nil, 1)

	if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody()); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody())
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", rr.Code)
	}
	if resp := decodeWire(t, rr); resp.Status != "00" {
		t.Fatalf("wire status = %q, want 00", resp.Status)
	}
}

func TestIngestRateLimitKeysOnClientNotDevice(t *testing.T) {
	a, _ := newTestApp(t, nil, 1)

	body := dustbinBody()
	body["device"] = "DB-A"
	if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", body); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	// Same caller, different claimed device: the body must not buy the
	// caller a fresh budget.
	body["device"] = "DB-B"
	if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", body); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same client: %d, want 429", rr.Code)
	}
	// A different client gets its own budget.
	raw, _ := json.Marshal(dustbinBody())
	req := httptest.NewRequest(http.MethodPost, "/MagnetAPI", bytes.NewReader(raw))
	req.Header.Set("m", "magnet-dustbin")
	req.Header.Set("k", "dustbin-k1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rr := httptest.NewRecorder()
	a.handleIngest(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("other client throttled: %d", rr.Code)
	}
}

func TestThrottledCounterExposed(t *testing.T) {
	a, _ := newTestApp(t, nil, 1)
	mreg := metrics.NewRegistry()
	registerGatewayMetrics(mreg)

	if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody()); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody()); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", rr.Code)
	}

	scrape := httptest.NewRecorder()
	mreg.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	for _, name := range []string{
		"magnetgate_ingest_throttled_total",
		"magnetgate_latest_cache_hit_total",
		"magnetgate_latest_cache_miss_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("exposition missing %s:\n%s", name, body)
		}
	}
}

func TestReadSurface(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)
	srv := newTestServer(t, a)

	for _, dev := range []string{"DB-1", "DB-1", "DB-2"} {
		body := dustbinBody()
		body["device"] = dev
		if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", body); rr.Code != http.StatusOK {
			t.Fatalf("seed ingest: %d", rr.Code)
		}
	}

	res, err := http.Get(srv.URL + "/api/readings?type=dustbin&device=DB-1")
	if err != nil {
		t.Fatalf("get readings: %v", err)
	}
	defer res.Body.Close()
	var listResp struct {
		SensorType string          `json:"sensorType"`
		Count      int             `json:"count"`
		Items      []store.Reading `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listResp.Count != 2 || listResp.SensorType != "dustbin" {
		t.Fatalf("list = %+v, want 2 readings for dustbin", listResp)
	}

	res2, err := http.Get(srv.URL + "/api/readings/latest?type=dustbin&device=DB-2")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("latest status = %d", res2.StatusCode)
	}
	var latest store.Reading
	if err := json.NewDecoder(res2.Body).Decode(&latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if latest.DeviceID != "DB-2" {
		t.Fatalf("latest device = %q", latest.DeviceID)
	}

	res3, err := http.Get(srv.URL + "/api/devices?type=dustbin")
	if err != nil {
		t.Fatalf("get devices: %v", err)
	}
	defer res3.Body.Close()
	var devResp struct {
		Devices []string `json:"devices"`
	}
	if err := json.NewDecoder(res3.Body).Decode(&devResp); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devResp.Devices) != 2 {
		t.Fatalf("devices = %v, want 2", devResp.Devices)
	}
}

func TestReadSurfaceUnknownType(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)
	srv := newTestServer(t, a)

	res, err := http.Get(srv.URL + "/api/readings?type=submarine")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}

	res2, err := http.Get(srv.URL + "/api/readings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without type = %d, want 400", res2.StatusCode)
	}
}

func TestLatestMissingDevice(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)
	srv := newTestServer(t, a)

	res, err := http.Get(srv.URL + "/api/readings/latest?type=dustbin&device=GHOST")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)
	srv := newTestServer(t, a)

	res, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func adminToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAdminEndpointsDisabledWithoutSecret(t *testing.T) {
	a, _ := newTestApp(t, nil, 100)
	srv := newTestServer(t, a)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/readings?type=dustbin&id=1", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestAdminDeleteAndPurge(t *testing.T) {
	secret := []byte("test-admin-secret")
	a, mem := newTestApp(t, secret, 100)
	srv := newTestServer(t, a)

	for i := 0; i < 3; i++ {
		if rr := postIngest(t, a, "magnet-dustbin", "dustbin-k1", dustbinBody()); rr.Code != http.StatusOK {
			t.Fatalf("seed ingest: %d", rr.Code)
		}
	}

	doDelete := func(url, token string) int {
		req, _ := http.NewRequest(http.MethodDelete, url, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request %s: %v", url, err)
		}
		defer res.Body.Close()
		return res.StatusCode
	}

	deleteURL := srv.URL + "/api/readings?type=dustbin&id=1"
	if code := doDelete(deleteURL, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", code)
	}
	if code := doDelete(deleteURL, adminToken(t, secret, "viewer")); code != http.StatusForbidden {
		t.Fatalf("wrong role: %d, want 403", code)
	}
	if code := doDelete(deleteURL, adminToken(t, []byte("other-secret"), "admin")); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d, want 401", code)
	}
	if code := doDelete(deleteURL, adminToken(t, secret, "admin")); code != http.StatusOK {
		t.Fatalf("valid delete: %d, want 200", code)
	}
	if code := doDelete(deleteURL, adminToken(t, secret, "admin")); code != http.StatusNotFound {
		t.Fatalf("repeat delete: %d, want 404", code)
	}

	purgeURL := srv.URL + "/api/readings/purge?type=dustbin&device=DB-STATION-07"
	if code := doDelete(purgeURL, adminToken(t, secret, "admin")); code != http.StatusOK {
		t.Fatalf("purge: %d, want 200", code)
	}
	items, _ := mem.List(context.Background(), "dustbin_readings", "", 0, 0)
	if len(items) != 0 {
		t.Fatalf("%d readings left after purge", len(items))
	}

	if code := doDelete(srv.URL+"/api/readings/purge?type=dustbin", adminToken(t, secret, "admin")); code != http.StatusBadRequest {
		t.Fatalf("unfiltered purge: %d, want 400", code)
	}
}
