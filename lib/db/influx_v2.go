package db

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// InfluxDBV2Handler writes points to InfluxDB 2.x through its HTTP API.
// A benchmark produces one point per run, so writes are blocking.
type InfluxDBV2Handler struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	cfg      Config
}

// Initialize sets up the InfluxDB v2 client
func (handler *InfluxDBV2Handler) Initialize(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("influxdb v2 url is required")
	}
	if cfg.Org == "" {
		cfg.Org = "ipcbench"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "ipcbench"
	}
	handler.cfg = cfg

	options := influxdb2.DefaultOptions().SetPrecision(time.Nanosecond)
	handler.client = influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)
	handler.writeAPI = handler.client.WriteAPIBlocking(cfg.Org, cfg.Bucket)

	logger.Info("InfluxDB V2 client initialized",
		zap.String("url", cfg.URL),
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket),
	)
	return nil
}

// CreateQuery generates InfluxDB line protocol for a MeasurementGroup.
func (handler *InfluxDBV2Handler) CreateQuery(measurements MeasurementGroup) string {
	return CreateQuery(measurements)
}

// Insert writes a MeasurementGroup to InfluxDB v2 as a single point.
func (handler *InfluxDBV2Handler) Insert(ctx context.Context, measurements MeasurementGroup) error {
	if handler.writeAPI == nil {
		return fmt.Errorf("influxdb v2 client not initialized")
	}
	return handler.writeAPI.WritePoint(ctx, NewPoint(measurements))
}

// Close closes the client.
func (handler *InfluxDBV2Handler) Close() error {
	if handler.client != nil {
		handler.client.Close()
	}
	return nil
}

// NewPoint converts a MeasurementGroup to a client point. Values that parse
// as integers or finite floats become numeric fields; anything else,
// including NaN and Inf, is kept as a string. Tags and fields are sorted.
func NewPoint(measurements MeasurementGroup) *write.Point {
	point := influxdb2.NewPointWithMeasurement(measurements.DatabaseName)

	var timestamp time.Time
	if measurements.Timestamp != 0 {
		timestamp = time.Unix(0, measurements.Timestamp)
	} else {
		timestamp = time.Now()
	}
	point.SetTime(timestamp)

	for k, v := range measurements.Tags {
		point.AddTag(k, v)
	}
	for _, measurement := range measurements.Measurements {
		if intVal, err := strconv.ParseInt(measurement.Value, 10, 64); err == nil {
			point.AddField(measurement.Name, intVal)
		} else if floatVal, err := strconv.ParseFloat(measurement.Value, 64); err == nil && !math.IsNaN(floatVal) && !math.IsInf(floatVal, 0) {
			point.AddField(measurement.Name, floatVal)
		} else {
			point.AddField(measurement.Name, measurement.Value)
		}
	}
	return point.SortTags().SortFields()
}

var (
	_ Handler = (*InfluxDBV1Handler)(nil)
	_ Handler = (*InfluxDBV2Handler)(nil)
)
