package db

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateQuery(t *testing.T) {
	tests := []struct {
		name  string
		group MeasurementGroup
		want  string
	}{
		{
			name: "numeric fields sorted",
			group: MeasurementGroup{
				DatabaseName: "ipc_bench",
				Timestamp:    7,
				Measurements: []Measurement{{"rate", "1.500"}, {"count", "3"}},
			},
			want: "ipc_bench count=3i,rate=1.5 7",
		},
		{
			name: "sorted tags",
			group: MeasurementGroup{
				DatabaseName: "ipc_bench",
				Tags:         map[string]string{"transport": "shm", "mode": "total"},
				Timestamp:    42,
				Measurements: []Measurement{{"count", "0"}},
			},
			want: "ipc_bench,mode=total,transport=shm count=0i 42",
		},
		{
			name: "escaping",
			group: MeasurementGroup{
				DatabaseName: "ipc bench,x",
				Tags:         map[string]string{"la bel": "a=b"},
				Timestamp:    1,
				Measurements: []Measurement{{"note", `say "hi"`}},
			},
			want: `ipc\ bench\,x,la\ bel=a\=b note="say \"hi\"" 1`,
		},
		{
			name: "non-finite floats stay strings",
			group: MeasurementGroup{
				DatabaseName: "ipc_bench",
				Timestamp:    1,
				Measurements: []Measurement{{"a", "NaN"}, {"b", "Inf"}, {"c", "-infinity"}},
			},
			want: `ipc_bench a="NaN",b="Inf",c="-infinity" 1`,
		},
		{
			name: "hex float is normalised",
			group: MeasurementGroup{
				DatabaseName: "ipc_bench",
				Timestamp:    1,
				Measurements: []Measurement{{"q", "0x1p-2"}},
			},
			want: "ipc_bench q=0.25 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CreateQuery(tt.group))
		})
	}
}

func TestInfluxDBV1HandlerInsert(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	h := &InfluxDBV1Handler{}
	require.NoError(t, h.Initialize(Config{Host: "127.0.0.1", Port: addr.Port}))
	defer h.Close()

	group := MeasurementGroup{DatabaseName: "ipc_bench", Timestamp: 42, Measurements: []Measurement{{"count", "7"}}}
	require.NoError(t, h.Insert(t.Context(), group))

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ipc_bench count=7i 42\n", string(buf[:n]))
}

func TestInfluxDBV1HandlerNotInitialized(t *testing.T) {
	h := &InfluxDBV1Handler{}
	assert.Error(t, h.Insert(t.Context(), MeasurementGroup{}))
	assert.NoError(t, h.Close())
}

func TestNewPointFieldTypes(t *testing.T) {
	group := MeasurementGroup{
		DatabaseName: "ipc_bench",
		Tags:         map[string]string{"transport": "socket"},
		Measurements: []Measurement{{"count", "12"}, {"rate", "3.5"}, {"label", "count"}, {"bad", "NaN"}},
	}
	point := NewPoint(group)
	assert.False(t, point.Time().IsZero(), "point without a timestamp gets the current time")

	fields := map[string]any{}
	for _, f := range point.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, map[string]any{"count": int64(12), "rate": 3.5, "label": "count", "bad": "NaN"}, fields)
}

func TestInfluxDBV2HandlerRequiresURL(t *testing.T) {
	h := &InfluxDBV2Handler{}
	assert.Error(t, h.Initialize(Config{}))
	assert.Error(t, h.Insert(t.Context(), MeasurementGroup{}))
	assert.NoError(t, h.Close())
}
