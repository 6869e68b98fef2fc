// Package store persists normalized sensor readings. Each sensor type
// writes into its own table (the storeName from the registry); the ingest
// pipeline only sees the narrow Insert boundary.
package store

import (
	"context"
	"time"

	"magnetgate/pkg/ingest"
)

// Reading is one stored row, as returned by the query surface.
type Reading struct {
	ID                int64                  `json:"id"`
	DeviceID          string                 `json:"deviceId"`
	Battery           float64                `json:"battery"`
	ReceivedTimeUTC   string                 `json:"receivedTimeUtc"`
	ReceivedTimeLocal string                 `json:"receivedTimeLocal"`
	DataIndex         string                 `json:"dataIndex"`
	Fields            map[string]interface{} `json:"fields"`
	Raw               map[string]interface{} `json:"rawBody,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// Backend is the full persistence surface the gateway needs: the ingest
// Insert boundary plus the dashboard query operations.
type Backend interface {
	ingest.Store
	List(ctx context.Context, storeName, device string, limit, offset int) ([]Reading, error)
	Latest(ctx context.Context, storeName, device string) (*Reading, error)
	Devices(ctx context.Context, storeName string) ([]string, error)
	DeleteByID(ctx context.Context, storeName string, id int64) (bool, error)
	Purge(ctx context.Context, storeName, device, before string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
