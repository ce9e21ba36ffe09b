// Package record keeps the telemetry of a session: every sample as a JSON
// line, plus running per-variable statistics.
package record

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/gosuri/uitable"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/storage"
)

const ContentType = "application/x-ndjson"

var _ core.Observer = (*Recorder)(nil)

// line is one recorded sample. Non-finite readings are written as null.
type line struct {
	Timestamp int64               `json:"timestamp"`
	Values    map[string]*float64 `json:"values"`
}

func newLine(timestamp int64, values map[string]float64) line {
	l := line{Timestamp: timestamp, Values: make(map[string]*float64, len(values))}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			l.Values[name] = nil
			continue
		}
		l.Values[name] = &v
	}
	return l
}

// VariableStats summarizes one variable over the session.
type VariableStats struct {
	Name  string
	Count uint64
	Min   float64
	Max   float64
	Mean  float64
	Last  float64
}

// Summary summarizes a recording.
type Summary struct {
	Samples   uint64
	First     int64
	Last      int64
	Variables []VariableStats
}

type accumulator struct {
	count         uint64
	min, max, sum float64
	last          float64
}

// Recorder is a telemetry observer. Samples are written to w, if not nil,
// and folded into the summary.
type Recorder struct {
	mu    sync.Mutex
	w     *bufio.Writer
	enc   *json.Encoder
	err   error
	count uint64
	first int64
	last  int64
	vars  map[string]*accumulator
}

func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{vars: make(map[string]*accumulator)}
	if w != nil {
		r.w = bufio.NewWriter(w)
		r.enc = json.NewEncoder(r.w)
	}
	return r
}

func (r *Recorder) OnSample(timestamp int64, values map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		r.first = timestamp
	}
	r.count++
	r.last = timestamp

	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		a, ok := r.vars[name]
		if !ok {
			a = &accumulator{min: math.Inf(1), max: math.Inf(-1)}
			r.vars[name] = a
		}
		a.count++
		a.sum += v
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
		a.last = v
	}

	// Keep the first write error; later samples are still summarized.
	if r.enc != nil && r.err == nil {
		r.err = r.enc.Encode(newLine(timestamp, values))
	}
}

// Flush writes buffered lines and returns the first write error.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	r.err = r.w.Flush()
	return r.err
}

// Summary returns the statistics so far, variables sorted by name.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{Samples: r.count, First: r.first, Last: r.last}
	for name, a := range r.vars {
		s.Variables = append(s.Variables, VariableStats{
			Name:  name,
			Count: a.count,
			Min:   a.min,
			Max:   a.max,
			Mean:  a.sum / float64(a.count),
			Last:  a.last,
		})
	}
	sort.Slice(s.Variables, func(i, j int) bool { return s.Variables[i].Name < s.Variables[j].Name })
	return s
}

// WriteTable prints the summary as a table.
func (r *Recorder) WriteTable(w io.Writer) error {
	s := r.Summary()

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("VARIABLE", "SAMPLES", "MIN", "MAX", "MEAN", "LAST")
	for _, v := range s.Variables {
		table.AddRow(v.Name, v.Count, format(v.Min), format(v.Max), format(v.Mean), format(v.Last))
	}

	_, err := fmt.Fprintf(w, "%s\n%d samples, t=%d..%dms\n", table, s.Samples, s.First, s.Last)
	return err
}

func format(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// Archive uploads the recording at path under key.
func Archive(ctx context.Context, p storage.Provider, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}
	return p.Upload(ctx, key, f, st.Size(), ContentType)
}
