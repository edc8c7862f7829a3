package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the debug charts on the /debug/ mux. These routes
// are accessible only over localhost/via Tailscale.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("telemetry-chart", "Temperature and heading from the journal", http.HandlerFunc(s.handleTelemetryChart))
	debug.Handle("trajectory.png", "Recent gimbal trajectory", http.HandlerFunc(s.handleTrajectoryPlot))
}

// handleTelemetryChart renders the latest journal telemetry as an HTML line
// chart. Query params:
//   - limit (optional; default 600) number of samples
func (s *Server) handleTelemetryChart(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Journal disabled")
		return
	}
	limit := 600
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	samples, err := s.journal.Telemetry(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve telemetry: %v", err))
		return
	}

	x := make([]string, 0, len(samples))
	temps := make([]opts.LineData, 0, len(samples))
	headings := make([]opts.LineData, 0, len(samples))
	elevations := make([]opts.LineData, 0, len(samples))
	for _, smp := range samples {
		x = append(x, smp.Time.Format("15:04:05"))
		temps = append(temps, opts.LineData{Value: smp.Temperature})
		headings = append(headings, opts.LineData{Value: smp.Heading})
		elevations = append(elevations, opts.LineData{Value: smp.Elevation})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Turret telemetry", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Turret telemetry", Subtitle: fmt.Sprintf("samples=%d", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "°C / °"}),
	)
	line.SetXAxis(x).
		AddSeries("temperature", temps).
		AddSeries("heading", headings).
		AddSeries("elevation", elevations)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleTrajectoryPlot renders heading and elevation of the confirmed gimbal
// positions against time as a PNG.
func (s *Server) handleTrajectoryPlot(w http.ResponseWriter, r *http.Request) {
	history := s.t.Trajectory()

	p := plot.New()
	p.Title.Text = "Gimbal trajectory"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Angle (°)"

	if len(history) > 0 {
		start := history[0].Time
		heading := make(plotter.XYs, 0, len(history))
		elevation := make(plotter.XYs, 0, len(history))
		for _, smp := range history {
			t := smp.Time.Sub(start).Seconds()
			heading = append(heading, plotter.XY{X: t, Y: smp.Heading})
			elevation = append(elevation, plotter.XY{X: t, Y: smp.Elevation})
		}

		hLine, err := plotter.NewLine(heading)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		hLine.Width = vg.Points(1)
		hLine.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}

		vLine, err := plotter.NewLine(elevation)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		vLine.Width = vg.Points(1)
		vLine.Color = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}

		p.Add(hLine, vLine, plotter.NewGrid())
		p.Legend.Add("heading", hLine)
		p.Legend.Add("elevation", vLine)
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		s.log.Warn().Err(err).Msg("failed to write trajectory plot")
	}
}
