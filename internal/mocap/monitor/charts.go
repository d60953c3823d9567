// Package monitor renders debug charts of the rig: the camera layout seen
// from above and the acquisition and tracking rates over time.
package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mocap/internal/httputil"
	"github.com/banshee-data/mocap/internal/mocap/l5world"
	"github.com/banshee-data/mocap/internal/timeutil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// DefaultHistory is the number of rate samples kept.
const DefaultHistory = 300

// Source supplies the values charted.
type Source interface {
	CameraPositions() ([]l5world.CameraPlacement, error)
	AcquisitionRate() float64
	TrackingRate() float64
}

// RateSample is one point of the rate history.
type RateSample struct {
	At          time.Time `json:"at"`
	Acquisition float64   `json:"acquisition_hz"`
	Tracking    float64   `json:"tracking_hz"`
}

// Monitor samples rates into a ring and serves charts.
type Monitor struct {
	src   Source
	clock timeutil.Clock

	mu      sync.Mutex
	history []RateSample
	next    int
	full    bool
}

// New returns a monitor keeping size samples.
func New(src Source, clock timeutil.Clock, size int) *Monitor {
	if size <= 0 {
		size = DefaultHistory
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Monitor{src: src, clock: clock, history: make([]RateSample, size)}
}

// Sample records the current rates.
func (m *Monitor) Sample() {
	s := RateSample{At: m.clock.Now(), Acquisition: m.src.AcquisitionRate(), Tracking: m.src.TrackingRate()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[m.next] = s
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
}

// History returns the samples oldest first.
func (m *Monitor) History() []RateSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]RateSample(nil), m.history[:m.next]...)
	}
	out := append([]RateSample(nil), m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// Run samples every interval until done is closed.
func (m *Monitor) Run(done <-chan struct{}, interval time.Duration) {
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C():
			m.Sample()
		}
	}
}

// AttachAdminRoutes mounts the charts under /debug/.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("cameras", "camera layout, top view", m.handleCameraLayout)
	debug.HandleFunc("rates", "acquisition and tracking rate history", m.handleRates)
	debug.HandleSilentFunc("rates.json", m.handleRatesJSON)
}

func (m *Monitor) handleCameraLayout(w http.ResponseWriter, r *http.Request) {
	placements, err := m.src.CameraPositions()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}

	const axisLen = 0.3
	cams := make([]opts.ScatterData, 0, len(placements))
	axes := make([]opts.ScatterData, 0, len(placements))
	maxAbs := 0.0
	for i, p := range placements {
		cams = append(cams, opts.ScatterData{Value: []interface{}{p.Position.X, p.Position.Y, i}, Name: fmt.Sprintf("camera %d", i)})
		tip := p.Position.Add(p.Direction.Mul(axisLen))
		axes = append(axes, opts.ScatterData{Value: []interface{}{tip.X, tip.Y, i}})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.Position.X), math.Abs(p.Position.Y)))
	}
	pad := maxAbs*1.2 + axisLen
	if pad == 0 {
		pad = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Camera layout", Theme: "dark", Width: "800px", Height: "800px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Camera layout", Subtitle: fmt.Sprintf("cameras=%d (world X/Y, markers show optical axis)", len(placements))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("cameras", cams, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	scatter.AddSeries("optical axis", axes, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) handleRates(w http.ResponseWriter, r *http.Request) {
	hist := m.History()
	x := make([]string, len(hist))
	acq := make([]opts.LineData, len(hist))
	trk := make([]opts.LineData, len(hist))
	for i, s := range hist {
		x[i] = s.At.Format("15:04:05")
		acq[i] = opts.LineData{Value: s.Acquisition}
		trk[i] = opts.LineData{Value: s.Tracking}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Rates", Subtitle: fmt.Sprintf("samples=%d", len(hist))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Hz"}),
	)
	line.SetXAxis(x).
		AddSeries("acquisition", acq).
		AddSeries("tracking", trk)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) handleRatesJSON(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, m.History())
}
