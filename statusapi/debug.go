package statusapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches the debug pages to mux under /debug/. They are
// only reachable from localhost or over Tailscale.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("mode", func() any { return s.nav.Status().Mode.String() })
	debug.KVFunc("last ack", func() any { return s.nav.Status().LastAckSeq })
	debug.HandleFunc("nav", "heading and speed of recent decisions", s.handleNavChart)
	debug.HandleSilentFunc("dispatch", func(w http.ResponseWriter, r *http.Request) {
		writeJSONOK(w, s.nav.Status().Dispatch)
	})
}

func (s *Server) handleNavChart(w http.ResponseWriter, r *http.Request) {
	history := s.nav.History()
	x := make([]string, 0, len(history))
	headings := make([]opts.LineData, 0, len(history))
	speeds := make([]opts.LineData, 0, len(history))
	for _, d := range history {
		x = append(x, d.Timestamp.Format("15:04:05.000"))
		headings = append(headings, opts.LineData{Value: d.Heading, Name: string(d.Reason)})
		speeds = append(speeds, opts.LineData{Value: d.Speed, Name: string(d.Reason)})
	}
	subtitle := fmt.Sprintf("decisions=%d at %s", len(history), time.Now().Format(time.RFC3339))

	heading := charts.NewLine()
	heading.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Skimmer navigation", Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Heading", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 360, Name: "deg"}),
	)
	heading.SetXAxis(x).AddSeries("heading", headings)

	speed := charts.NewLine()
	speed.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "240px"}),
		charts.WithTitleOpts(opts.Title{Title: "Speed"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Name: "speed"}),
	)
	speed.SetXAxis(x).AddSeries("speed", speeds)

	page := components.NewPage()
	page.AddCharts(heading, speed)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
