package status

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/projector/internal/httputil"
	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/projection/transport"
)

// Snapshot is the body of the projection debug route.
type Snapshot struct {
	Connected    bool                   `json:"connected"`
	Capabilities transport.Capabilities `json:"capabilities"`
	Client       *transport.ClientInfo  `json:"client_info,omitempty"`
}

// TakeSnapshot collects t's current state.
func TakeSnapshot(t transport.Transport) Snapshot {
	s := Snapshot{Connected: t.IsConnected(), Capabilities: t.Capabilities()}
	if info, ok := t.ClientInfo(); ok {
		s.Client = &info
	}
	return s
}

// AttachAdminRoutes mounts the transport's debug routes under /debug/.
func AttachAdminRoutes(mux *http.ServeMux, t transport.Transport, p *perf.Profiler) {
	debug := tsweb.Debugger(mux)

	debug.Handle("projection", "Projection transport counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, TakeSnapshot(t))
	}))
	debug.Handle("projection-report", "Serialization performance report (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, p.Report())
	}))
	debug.Handle("projection-chart", "Serialization time per strategy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := renderStrategyChart(&buf, p.Report()); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}))
	debug.Handle("projection-latency.png", "Recent serialization samples", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := renderLatencyPlot(&buf, p); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
}

func renderStrategyChart(buf *bytes.Buffer, rep perf.Report) error {
	names := make([]string, 0, len(rep.Strategies))
	avg := make([]opts.BarData, 0, len(rep.Strategies))
	median := make([]opts.BarData, 0, len(rep.Strategies))
	for _, s := range rep.Strategies {
		names = append(names, s.Name)
		avg = append(avg, opts.BarData{Value: s.AvgMs * 1000})
		median = append(median, opts.BarData{Value: s.MedianMs * 1000})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Projection serialization", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Serialization time (µs)", Subtitle: rep.GeneratedAt.Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("average", avg).
		AddSeries("median", median,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(buf)
}

func renderLatencyPlot(buf *bytes.Buffer, p *perf.Profiler) error {
	pl := plot.New()
	pl.Title.Text = "Serialization samples"
	pl.X.Label.Text = "sample"
	pl.Y.Label.Text = "µs"

	plotted := 0
	for i, name := range protocol.Strategies() {
		samples := p.Samples(name)
		if len(samples) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(samples))
		for j, s := range samples {
			pts[j] = plotter.XY{X: float64(j), Y: float64(s.Elapsed) / float64(time.Microsecond)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add(name, line)
		plotted++
	}
	if plotted == 0 {
		pl.X.Min, pl.X.Max = 0, 1
		pl.Y.Min, pl.Y.Max = 0, 1
	}

	wt, err := pl.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(buf)
	return err
}
