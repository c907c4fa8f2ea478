package proc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AarC10/ipcbench/lib/db"
	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
)

// NewDatabaseHandler connects to the InfluxDB described by cfg.
func NewDatabaseHandler(cfg DatabaseConfig) (db.Handler, error) {
	dbCfg := db.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		URL:    cfg.URL,
		Token:  cfg.Token,
		Org:    cfg.Org,
		Bucket: cfg.Bucket,
	}
	switch cfg.Version {
	case 0, 1:
		handler := &db.InfluxDBV1Handler{}
		if err := handler.Initialize(dbCfg); err != nil {
			return nil, err
		}
		return handler, nil
	case 2:
		handler := &db.InfluxDBV2Handler{}
		if err := handler.Initialize(dbCfg); err != nil {
			return nil, err
		}
		return handler, nil
	default:
		return nil, fmt.Errorf("unsupported database version %d", cfg.Version)
	}
}

// ReportMeasurements converts a finished report into a measurement group
// named after the configuration and tagged with transport and mode.
func ReportMeasurements(cfg *Configuration, report *Report) db.MeasurementGroup {
	group := db.MeasurementGroup{
		DatabaseName: cfg.Name,
		Tags: map[string]string{
			"transport": report.Transport,
			"mode":      string(report.Mode),
			"label":     report.Label,
		},
		Timestamp: report.Started.UnixNano(),
		Measurements: []db.Measurement{
			{Name: "count", Value: strconv.Itoa(report.Count)},
			{Name: "bytes", Value: strconv.FormatInt(report.Bytes, 10)},
			{Name: "elapsed_ns", Value: strconv.FormatInt(report.Elapsed.Nanoseconds(), 10)},
			{Name: "rate", Value: strconv.FormatFloat(report.Rate(), 'f', 3, 64)},
		},
	}
	if report.Mode == ModeCounts {
		group.Measurements = append(group.Measurements,
			db.Measurement{Name: "distinct", Value: strconv.Itoa(len(report.Counts))})
	}
	return group
}

// PublishReport writes report to handler. Failures are logged and returned
// but never change the printed result.
func PublishReport(ctx context.Context, handler db.Handler, cfg *Configuration, report *Report) error {
	group := ReportMeasurements(cfg, report)
	log := logger.Log().Named("database").With(zap.String("measurement", group.DatabaseName))
	if err := handler.Insert(ctx, group); err != nil {
		log.Error("couldn't insert benchmark result", zap.Error(err))
		return err
	}
	log.Debug("published benchmark result", zap.String("query", handler.CreateQuery(group)))
	return nil
}
