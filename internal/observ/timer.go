// Package observ times the stages of a bytecode run for --stats output.
package observ

import (
	"fmt"
	"strings"
	"time"
)

// stage is one timed step of a run.
type stage struct {
	name  string
	start time.Time
	dur   time.Duration
	note  string
}

// Timer tracks the wall time of a run's sequential stages (load,
// validate, execute, collect).
type Timer struct {
	stages []stage
}

// NewTimer creates a new empty Timer.
func NewTimer() *Timer { return &Timer{stages: make([]stage, 0, 8)} }

// Span is an in-flight stage measurement. The zero Span is inert.
type Span struct {
	t   *Timer
	idx int
}

// Begin opens a stage and returns its span.
func (t *Timer) Begin(name string) Span {
	t.stages = append(t.stages, stage{name: name, start: time.Now()})
	return Span{t: t, idx: len(t.stages) - 1}
}

// End closes the span's stage.
func (s Span) End() { s.Endf("") }

// Endf closes the span's stage with a formatted note.
func (s Span) Endf(format string, args ...any) {
	if s.t == nil || s.idx < 0 || s.idx >= len(s.t.stages) {
		return
	}
	st := &s.t.stages[s.idx]
	st.dur = time.Since(st.start)
	if format != "" {
		st.note = fmt.Sprintf(format, args...)
	}
}

// StageReport is the serializable form of one timed stage.
type StageReport struct {
	Stage string  `json:"stage"`
	MS    float64 `json:"ms"`
	Note  string  `json:"note,omitempty"`
}

// Report aggregates all stages with durations in milliseconds.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Stages  []StageReport `json:"stages"`
}

// Report builds the aggregated view of the tracked stages.
func (t *Timer) Report() Report {
	if len(t.stages) == 0 {
		return Report{}
	}
	report := Report{
		Stages: make([]StageReport, len(t.stages)),
	}
	var total time.Duration
	for i, st := range t.stages {
		total += st.dur
		report.Stages[i] = StageReport{
			Stage: st.name,
			MS:    durationToMillis(st.dur),
			Note:  st.note,
		}
	}
	report.TotalMS = durationToMillis(total)
	return report
}

// Summary renders the report for stderr.
func (t *Timer) Summary() string {
	report := t.Report()
	var out strings.Builder
	out.WriteString("run stages:\n")
	for _, s := range report.Stages {
		fmt.Fprintf(&out, "  %-10s %8.3f ms", s.Stage, s.MS)
		if s.Note != "" {
			out.WriteString("  (" + s.Note + ")")
		}
		out.WriteString("\n")
	}
	fmt.Fprintf(&out, "  %-10s %8.3f ms\n", "total", report.TotalMS)
	return out.String()
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
