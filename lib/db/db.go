package db

import (
	"context"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Handler is an interface for database access implementations
type Handler interface {
	Insert(ctx context.Context, measurements MeasurementGroup) error
	CreateQuery(measurements MeasurementGroup) string
	Close() error
}

// Config holds all configuration needed to initialize any Handler
// V1 only uses Host/Port. V2 requires URL, Token, Org, Bucket.
type Config struct {
	// V1
	Host string
	Port int

	// V2
	URL    string
	Token  string
	Org    string
	Bucket string
}

// MeasurementGroup is one point: a set of fields sharing a name, tags and timestamp.
type MeasurementGroup struct {
	DatabaseName string
	Tags         map[string]string
	Timestamp    int64
	Measurements []Measurement
}

// Measurement is a single field of a point
type Measurement struct {
	Name  string // Name of the measurement
	Value string // Value of the measurement
}

// CreateQuery renders a MeasurementGroup as one line of InfluxDB line
// protocol, encoded by the client library from the same point NewPoint builds.
func CreateQuery(measurements MeasurementGroup) string {
	line := write.PointToLineProtocol(NewPoint(measurements), time.Nanosecond)
	return strings.TrimSuffix(line, "\n")
}
