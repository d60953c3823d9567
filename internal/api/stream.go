package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/banshee-data/mocap/internal/httputil"
	"github.com/banshee-data/mocap/internal/mocap/visualiser"
)

// streamPoses serves pose records as Server-Sent Events until the client
// disconnects or the publisher stops.
func (s *Server) streamPoses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ch, err := s.Publisher.Subscribe()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.Publisher.Unsubscribe(id)

	stream, err := httputil.NewEventStream(w)
	if err != nil {
		if errors.Is(err, httputil.ErrStreamingUnsupported) {
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.Send("pose", rec.Seq, rec); err != nil {
				return
			}
		}
	}
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sessionView())
}

// RateView reports loop rates in Hz and the pose stream counters.
type RateView struct {
	Acquisition float64                   `json:"acquisition_hz"`
	Tracking    float64                   `json:"tracking_hz"`
	Stream      visualiser.PublisherStats `json:"stream"`
}

func (s *Server) showRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	v := RateView{Tracking: s.Tracker.Rate()}
	if s.Rig.Frames != nil {
		v.Acquisition = s.Rig.Frames.Rate()
	}
	if s.Publisher != nil {
		v.Stream = s.Publisher.Stats()
	}
	httputil.WriteJSONOK(w, v)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := s.Calibrator.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"runs": runs})
}
