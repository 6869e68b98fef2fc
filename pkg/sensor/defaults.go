package sensor

import (
	"magnetgate/shared/config"
)

// Defaults returns the built-in sensor types. Credentials come from the
// environment so deployments never ship with the fallback secrets.
func Defaults() []Config {
	return []Config{
		{
			Type:            "dustbin",
			CredentialM:     config.Get("DUSTBIN_CRED_M", "magnet-dustbin"),
			CredentialK:     config.Get("DUSTBIN_CRED_K", "dustbin-k1"),
			StoreName:       config.Get("DUSTBIN_STORE", "dustbin_readings"),
			ExpectedCommand: config.Get("DUSTBIN_CMD", "RP"),
			ExpectedIndex:   config.Get("DUSTBIN_INDEX", "0410"),
			Fields: []FieldSpec{
				{Key: "data", Column: "overflowPercentage", Type: FieldInteger, Required: true},
			},
		},
		{
			Type:            "manhole",
			CredentialM:     config.Get("MANHOLE_CRED_M", "magnet-manhole"),
			CredentialK:     config.Get("MANHOLE_CRED_K", "manhole-k1"),
			StoreName:       config.Get("MANHOLE_STORE", "manhole_readings"),
			ExpectedCommand: config.Get("MANHOLE_CMD", "06"),
			ExpectedIndex:   config.Get("MANHOLE_INDEX", "0010"),
			Fields: []FieldSpec{
				{Key: "battery_low", Column: "batteryLow", Type: FieldBoolean},
				{Key: "dt_state", Column: "coverState", Type: FieldInteger},
				{Key: "dt_waterLV", Column: "waterLevelCm", Type: FieldInteger},
				{Key: "dt_x", Column: "xAxisDegree", Type: FieldInteger},
				{Key: "dt_y", Column: "yAxisDegree", Type: FieldInteger},
				{Key: "dt_z", Column: "zAxisDegree", Type: FieldInteger},
			},
		},
	}
}
