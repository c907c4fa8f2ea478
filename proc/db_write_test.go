package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AarC10/ipcbench/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	groups []db.MeasurementGroup
	err    error
}

func (h *recordingHandler) Insert(_ context.Context, g db.MeasurementGroup) error {
	if h.err != nil {
		return h.err
	}
	h.groups = append(h.groups, g)
	return nil
}

func (h *recordingHandler) CreateQuery(g db.MeasurementGroup) string { return db.CreateQuery(g) }
func (h *recordingHandler) Close() error { return nil }

func TestReportMeasurements(t *testing.T) {
	cfg := DefaultConfig()
	started := time.Unix(1700000000, 0)
	report := &Report{
		Label:     "count",
		Transport: "pipe",
		Mode:      ModeCounts,
		Count:     4,
		Bytes:     10,
		Counts:    map[string]int{"a": 3, "b": 1},
		Started:   started,
		Elapsed:   2 * time.Second,
	}

	group := ReportMeasurements(cfg, report)
	assert.Equal(t, "ipc_bench", group.DatabaseName)
	assert.Equal(t, map[string]string{"transport": "pipe", "mode": "counts", "label": "count"}, group.Tags)
	assert.Equal(t, started.UnixNano(), group.Timestamp)
	assert.Equal(t, []db.Measurement{
		{Name: "count", Value: "4"},
		{Name: "bytes", Value: "10"},
		{Name: "elapsed_ns", Value: "2000000000"},
		{Name: "rate", Value: "2.000"},
		{Name: "distinct", Value: "2"},
	}, group.Measurements)
}

func TestPublishReport(t *testing.T) {
	cfg := DefaultConfig()
	report := &Report{Label: "count", Transport: "shm", Mode: ModeTotal, Count: 1}

	h := &recordingHandler{}
	require.NoError(t, PublishReport(t.Context(), h, cfg, report))
	require.Len(t, h.groups, 1)
	assert.Len(t, h.groups[0].Measurements, 4)

	failing := &recordingHandler{err: errors.New("connection refused")}
	assert.ErrorIs(t, PublishReport(t.Context(), failing, cfg, report), failing.err)
}

func TestNewDatabaseHandlerRejectsVersion(t *testing.T) {
	_, err := NewDatabaseHandler(DatabaseConfig{Version: 3})
	assert.Error(t, err)
}
