package ingest

import (
	"magnetgate/pkg/ledger"
	"magnetgate/pkg/sensor"
)

// Context identifies the sensor type a request was authenticated as.
// It is only ever constructed from a successful credential match.
type Context struct {
	SensorType string
	Config     *sensor.Config
}

// Authenticator resolves the sensor type of an incoming request from its
// credential headers. Pure lookup against the immutable registry; the only
// side effect is an audit line per attempt.
type Authenticator struct {
	reg   *sensor.Registry
	audit *ledger.Ledger
}

func NewAuthenticator(reg *sensor.Registry, audit *ledger.Ledger) *Authenticator {
	return &Authenticator{reg: reg, audit: audit}
}

// Authenticate matches the header mapping against every registered type in
// registration order. Absent credentials and unrecognized credentials both
// yield the same failure.
func (a *Authenticator) Authenticate(headers map[string]string) (*Context, error) {
	for _, cfg := range a.reg.All() {
		m, mok := headers[cfg.HeaderM]
		k, kok := headers[cfg.HeaderK]
		if !mok || !kok || m == "" || k == "" {
			continue
		}
		if match, ok := a.reg.LookupByCredentials(m, k); ok {
			if a.audit != nil {
				_ = a.audit.Append("auth.ok", map[string]interface{}{"sensorType": match.Type})
			}
			return &Context{SensorType: match.Type, Config: match}, nil
		}
	}
	if a.audit != nil {
		_ = a.audit.Append("auth.fail", nil)
	}
	return nil, errAuthenticationFailed()
}
