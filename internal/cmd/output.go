package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// printer serialises writes to w; watch prints from bus handlers.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, jsonFmt bool) *printer {
	return &printer{w: w, json: jsonFmt}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// encode writes v as indented JSON.
func (p *printer) encode(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// line writes v as a single JSON line, for streams.
func (p *printer) line(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.NewEncoder(p.w).Encode(v)
}

func (p *printer) events(evs []telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range evs {
		fmt.Fprintln(p.w, ev)
	}
}

func (p *printer) runs(runs []history.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSAMPLES\tEVENTS\tREJECTED\tSTARTED\tFINISHED")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Source, r.Samples, r.Events, r.Rejected,
			r.StartedAt.Format(time.RFC3339), finished)
	}
	_ = tw.Flush()
}
