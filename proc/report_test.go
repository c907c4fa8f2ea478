package proc

import (
	"encoding/json"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportText(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{"total", Report{Label: "count", Mode: ModeTotal, Count: 3}, "count: 3\n"},
		{"zero", Report{Label: "count", Mode: ModeTotal}, "count: 0\n"},
		{"custom label", Report{Label: "words", Mode: ModeTotal, Count: 12}, "words: 12\n"},
		{
			"counts",
			Report{Label: "count", Mode: ModeCounts, Count: 4, Counts: map[string]int{"b": 1, "a": 1, "z": 2}},
			"count: 4\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.report.Text()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, strings.Count(got, "\n"), "text output must be a single line")
		})
	}
}

func TestReportRate(t *testing.T) {
	r := Report{Count: 500, Elapsed: 250 * time.Millisecond}
	assert.InDelta(t, 2000.0, r.Rate(), 1e-9)
	assert.Zero(t, (&Report{Count: 5}).Rate())
}

func TestReportJSON(t *testing.T) {
	r := &Report{Label: "count", Transport: "shm", Mode: ModeTotal, Count: 3, Bytes: 6}
	out, err := r.JSON()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "shm", got["Transport"])
	assert.Equal(t, 3.0, got["Count"])
	assert.NotContains(t, got, "Counts")
}

func TestReportTemplate(t *testing.T) {
	tmpl := template.Must(template.New("").Parse("{{.Transport}} {{.Count}}{{range .Words}} {{.Word}}={{.Count}}{{end}}"))
	r := &Report{Transport: "socket", Mode: ModeCounts, Count: 3, Counts: map[string]int{"x": 2, "y": 1}}

	out, err := r.Template(tmpl)
	require.NoError(t, err)
	assert.Equal(t, "socket 3 x=2 y=1", out)

	_, err = r.Template(template.Must(template.New("").Parse("{{.Missing}}")))
	assert.Error(t, err)
}
