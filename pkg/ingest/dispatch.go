package ingest

import (
	"context"
	"net/http"

	"magnetgate/pkg/ledger"
	"magnetgate/pkg/metrics"
)

// Store is the only boundary the pipeline depends on. The gateway treats
// persistence as opaque; storeName selects the destination collection.
type Store interface {
	Insert(ctx context.Context, storeName string, rec *Record) error
}

// Response is the fixed two-field wire contract the upstream sensor
// gateway expects. "01" with an empty message signals success; "00" plus a
// human-readable message signals any failure.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	statusOK   = "01"
	statusFail = "00"
)

// FailureResponse builds the wire envelope for requests rejected before the
// pipeline runs (unreadable body, throttling).
func FailureResponse(msg string) Response { return Response{Status: statusFail, Message: msg} }

// Result is the dispatcher's complete verdict for one request.
type Result struct {
	HTTPStatus int
	Response   Response
	SensorType string  // empty when authentication failed
	Record     *Record // nil unless the pipeline reached normalization
	Err        error   // nil on success
}

// Dispatcher orchestrates authenticate → validate → normalize → store and
// owns the outcome-to-wire mapping. It never lets an error propagate past
// this boundary.
type Dispatcher struct {
	auth     *Authenticator
	validate *Validator
	norm     *Normalizer
	store    Store
	audit    *ledger.Ledger
	outcomes *metrics.LabeledCounter
}

func NewDispatcher(auth *Authenticator, val *Validator, norm *Normalizer, store Store, audit *ledger.Ledger) *Dispatcher {
	return &Dispatcher{auth: auth, validate: val, norm: norm, store: store, audit: audit}
}

// SetOutcomeCounter wires a labeled counter incremented once per request
// with labels {sensorType, outcome}.
func (d *Dispatcher) SetOutcomeCounter(c *metrics.LabeledCounter) { d.outcomes = c }

// Handle runs the full pipeline for one request.
func (d *Dispatcher) Handle(ctx context.Context, headers map[string]string, body map[string]interface{}) (res Result) {
	sensorType := ""
	defer func() {
		if r := recover(); r != nil {
			res = d.fail(sensorType, errUnexpected(r))
		}
		if d.outcomes != nil {
			outcome := "success"
			if res.Err != nil {
				outcome = KindOf(res.Err).String()
			}
			d.outcomes.Inc(map[string]string{"sensorType": res.SensorType, "outcome": outcome})
		}
	}()

	actx, err := d.auth.Authenticate(headers)
	if err != nil {
		return d.fail("", err)
	}
	sensorType = actx.SensorType

	if err := d.validate.Validate(actx, body); err != nil {
		return d.fail(sensorType, err)
	}

	rec := d.norm.Normalize(actx, body)

	if err := d.store.Insert(ctx, actx.Config.StoreName, rec); err != nil {
		res = d.fail(sensorType, errStore(err))
		res.Record = rec
		return res
	}

	return Result{
		HTTPStatus: http.StatusOK,
		Response:   Response{Status: statusOK, Message: ""},
		SensorType: sensorType,
		Record:     rec,
	}
}

// fail maps an error kind to the uniform response and audits the rejection.
func (d *Dispatcher) fail(sensorType string, err error) Result {
	kind := KindOf(err)
	httpStatus := http.StatusOK
	switch kind {
	case KindAuthenticationFailed:
		httpStatus = http.StatusUnauthorized
	case KindStore, KindUnexpected:
		httpStatus = http.StatusInternalServerError
	}
	if d.audit != nil && kind != KindAuthenticationFailed {
		// Auth attempts are already audited by the authenticator.
		_ = d.audit.Append("ingest.reject", map[string]interface{}{
			"sensorType": sensorType,
			"kind":       kind.String(),
			"message":    err.Error(),
		})
	}
	return Result{
		HTTPStatus: httpStatus,
		Response:   Response{Status: statusFail, Message: err.Error()},
		SensorType: sensorType,
		Err:        err,
	}
}
