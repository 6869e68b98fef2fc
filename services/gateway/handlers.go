package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"magnetgate/pkg/cache"
	"magnetgate/pkg/ingest"
	"magnetgate/pkg/ledger"
	"magnetgate/pkg/metrics"
	"magnetgate/pkg/ratelimit"
	"magnetgate/pkg/sensor"
	"magnetgate/pkg/store"
)

var (
	mCacheHit  = metrics.NewCounter("magnetgate_latest_cache_hit_total", "Latest-reading cache hits")
	mCacheMiss = metrics.NewCounter("magnetgate_latest_cache_miss_total", "Latest-reading cache misses")
	mThrottled = metrics.NewCounter("magnetgate_ingest_throttled_total", "Ingest requests rejected by rate limiting")
)

// registerGatewayMetrics puts the package-level counters on the exposition
// registry. Counters do not self-register.
func registerGatewayMetrics(reg *metrics.Registry) {
	reg.Register(mCacheHit)
	reg.Register(mCacheMiss)
	reg.Register(mThrottled)
}

type app struct {
	reg         *sensor.Registry
	disp        *ingest.Dispatcher
	backend     store.Backend
	latest      *cache.LatestCache
	limiter     *ratelimit.Limiter
	audit       *ledger.Ledger
	adminSecret []byte
}

func newApp(reg *sensor.Registry, disp *ingest.Dispatcher, backend store.Backend,
	latest *cache.LatestCache, limiter *ratelimit.Limiter, audit *ledger.Ledger,
	adminSecret []byte) *app {
	return &app{
		reg:         reg,
		disp:        disp,
		backend:     backend,
		latest:      latest,
		limiter:     limiter,
		audit:       audit,
		adminSecret: adminSecret,
	}
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/MagnetAPI", a.handleIngest)
	mux.HandleFunc("/api/readings", a.handleReadings)
	mux.HandleFunc("/api/readings/latest", a.handleLatest)
	mux.HandleFunc("/api/readings/purge", a.handlePurge)
	mux.HandleFunc("/api/devices", a.handleDevices)
	mux.HandleFunc("/health", a.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleIngest is the sensor-facing endpoint. Whatever happens inside, the
// response body is always the fixed {status, message} envelope.
func (a *app) handleIngest(w http.ResponseWriter, r *http.Request) {
	rid := r.Header.Get("X-Request-Id")
	if rid == "" {
		rid = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", rid)

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ingest.FailureResponse("method not allowed"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ingest.FailureResponse("invalid JSON body"))
		return
	}

	// The throttle runs before authentication, so its key must not come
	// from the body; a device id there is caller-chosen and unverified.
	if !a.limiter.Allow(r.Context(), clientIP(r)) {
		mThrottled.Inc()
		writeJSON(w, http.StatusTooManyRequests, ingest.FailureResponse("rate limit exceeded"))
		return
	}

	headers := map[string]string{}
	for _, cfg := range a.reg.All() {
		if v := r.Header.Get(cfg.HeaderM); v != "" {
			headers[cfg.HeaderM] = v
		}
		if v := r.Header.Get(cfg.HeaderK); v != "" {
			headers[cfg.HeaderK] = v
		}
	}

	res := a.disp.Handle(r.Context(), headers, body)
	if res.Err == nil && res.Record != nil {
		if cfg, ok := a.reg.LookupByType(res.SensorType); ok {
			a.latest.Invalidate(r.Context(), cfg.StoreName, res.Record.DeviceID)
		}
	} else if res.Err != nil {
		log.Printf("[gateway] ingest rejected rid=%s type=%q: %v", rid, res.SensorType, res.Err)
	}
	writeJSON(w, res.HTTPStatus, res.Response)
}

// handleReadings serves GET (list) and DELETE (single row, admin only).
func (a *app) handleReadings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listReadings(w, r)
	case http.MethodDelete:
		a.deleteReading(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (a *app) listReadings(w http.ResponseWriter, r *http.Request) {
	cfg, ok := a.sensorFromQuery(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, err := a.backend.List(r.Context(), cfg.StoreName, strings.TrimSpace(q.Get("device")), limit, offset)
	if err != nil {
		log.Printf("[gateway] list %s: %v", cfg.StoreName, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if items == nil {
		items = []store.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensorType": cfg.Type,
		"count":      len(items),
		"items":      items,
	})
}

func (a *app) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	cfg, ok := a.sensorFromQuery(w, r)
	if !ok {
		return
	}
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device parameter required"})
		return
	}
	if cached := a.latest.Get(r.Context(), cfg.StoreName, device); cached != nil {
		mCacheHit.Inc()
		writeJSON(w, http.StatusOK, cached)
		return
	}
	mCacheMiss.Inc()
	reading, err := a.backend.Latest(r.Context(), cfg.StoreName, device)
	if err != nil {
		log.Printf("[gateway] latest %s/%s: %v", cfg.StoreName, device, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if reading == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no readings for device"})
		return
	}
	a.latest.Set(r.Context(), cfg.StoreName, device, reading)
	writeJSON(w, http.StatusOK, reading)
}

func (a *app) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	cfg, ok := a.sensorFromQuery(w, r)
	if !ok {
		return
	}
	devices, err := a.backend.Devices(r.Context(), cfg.StoreName)
	if err != nil {
		log.Printf("[gateway] devices %s: %v", cfg.StoreName, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensorType": cfg.Type,
		"devices":    devices,
	})
}

func (a *app) deleteReading(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	cfg, ok := a.sensorFromQuery(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "valid id parameter required"})
		return
	}
	deleted, err := a.backend.DeleteByID(r.Context(), cfg.StoreName, id)
	if err != nil {
		log.Printf("[gateway] delete %s id=%d: %v", cfg.StoreName, id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reading not found"})
		return
	}
	_ = a.audit.Append("readings.delete", map[string]interface{}{"store": cfg.StoreName, "id": id})
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

func (a *app) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	cfg, ok := a.sensorFromQuery(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	device := strings.TrimSpace(q.Get("device"))
	before := strings.TrimSpace(q.Get("before"))
	if device == "" && before == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device or before parameter required"})
		return
	}
	purged, err := a.backend.Purge(r.Context(), cfg.StoreName, device, before)
	if err != nil {
		log.Printf("[gateway] purge %s: %v", cfg.StoreName, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	if device != "" {
		a.latest.Invalidate(r.Context(), cfg.StoreName, device)
	}
	_ = a.audit.Append("readings.purge", map[string]interface{}{
		"store": cfg.StoreName, "device": device, "before": before, "purged": purged,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     serviceName,
		"sensorTypes": len(a.reg.All()),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

// sensorFromQuery resolves the ?type= parameter against the registry.
func (a *app) sensorFromQuery(w http.ResponseWriter, r *http.Request) (*sensor.Config, bool) {
	name := strings.TrimSpace(r.URL.Query().Get("type"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type parameter required"})
		return nil, false
	}
	cfg, ok := a.reg.LookupByType(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sensor type: " + name})
		return nil, false
	}
	return cfg, true
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if i := strings.IndexByte(xf, ','); i > 0 {
			return strings.TrimSpace(xf[:i])
		}
		return strings.TrimSpace(xf)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
