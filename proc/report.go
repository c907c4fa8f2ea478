package proc

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"
)

// Report is the manager's result for one session.
type Report struct {
	Label     string
	Transport string
	Mode      Mode
	Count     int
	Bytes     int64
	Counts    map[string]int `json:",omitempty"`
	Started   time.Time
	Elapsed   time.Duration
}

// WordCount is one row of the frequency table.
type WordCount struct {
	Word  string
	Count int
}

// Words returns the frequency table, most frequent first and ties in
// lexical order.
func (r *Report) Words() []WordCount {
	words := make([]WordCount, 0, len(r.Counts))
	for w, n := range r.Counts {
		words = append(words, WordCount{Word: w, Count: n})
	}
	slices.SortFunc(words, func(a, b WordCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Word, b.Word)
	})
	return words
}

// Rate returns messages per second, or zero for an instantaneous run.
func (r *Report) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Count) / r.Elapsed.Seconds()
}

// Text renders the single "<label>: <count>" line the benchmark harness
// parses, in every mode. The frequency table is only available through JSON
// or a template.
func (r *Report) Text() string {
	return fmt.Sprintf("%s: %d\n", r.Label, r.Count)
}

func (r *Report) JSON() (string, error) {
	prettyJson, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return "", fmt.Errorf("generating json output: %w", err)
	}
	return string(prettyJson) + "\n", nil
}

func (r *Report) Template(tmpl *template.Template) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("generating template output: %w", err)
	}
	return buf.String(), nil
}
