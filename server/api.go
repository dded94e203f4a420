package server

import (
	"net/http"
	"strconv"

	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/server/monitor"
	"github.com/aquasentry/aquasentry/server/transmitter"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() *httprouter.Router {
	router := httprouter.New()

	handle := func(method, route string, h httprouter.Handle) {
		www.Handle(s.Log, router, method, route, h)
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/status", s.httpStatus)
	handle("GET", "/api/monitor/latest.jpg", s.httpLatestImage)

	handle("POST", "/api/perimeter/configure", s.httpPerimeterConfigure)
	handle("POST", "/api/perimeter/rectangle", s.httpPerimeterRectangle)
	handle("POST", "/api/perimeter/reference", s.httpPerimeterReference)
	handle("POST", "/api/perimeter/reset", s.httpPerimeterReset)
	handle("GET", "/api/perimeter", s.httpPerimeterState)

	handle("GET", "/api/alerts/recent", s.httpAlertsRecent)

	handle("GET", "/api/signal/ports", s.httpSignalPorts)
	handle("POST", "/api/signal/connect", s.httpSignalConnect)
	handle("POST", "/api/signal/disconnect", s.httpSignalDisconnect)

	handle("GET", "/api/ws/alerts", s.httpAlertWebSocket)

	return router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

// statusJSON is the /api/status response
type statusJSON struct {
	monitor.Status
	StateName       string `json:"stateName"`
	SignalPort      string `json:"signalPort"`
	SignalConnected bool   `json:"signalConnected"`
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	status := s.Monitor.Status()
	www.SendJSON(w, &statusJSON{
		Status:          status,
		StateName:       status.Session.State.String(),
		SignalPort:      s.Transmitter.PortName(),
		SignalConnected: s.Transmitter.Connected(),
	})
}

func (s *Server) httpLatestImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	img := s.Monitor.LatestAnnotated()
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	www.Check(err)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

type perimeterConfigureJSON struct {
	Vertices []nn.Point `json:"vertices"`
}

func (s *Server) httpPerimeterConfigure(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	body := perimeterConfigureJSON{}
	www.ReadJSON(w, r, &body, 1024*1024)
	www.Check(s.Monitor.ConfigurePerimeter(body.Vertices))
	www.SendOK(w)
}

type perimeterRectangleJSON struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) httpPerimeterRectangle(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	body := perimeterRectangleJSON{}
	www.ReadJSON(w, r, &body, 1024*1024)
	www.Check(s.Monitor.ConfigurePerimeter([]nn.Point{
		{X: body.X, Y: body.Y},
		{X: body.X + body.Width, Y: body.Y},
		{X: body.X + body.Width, Y: body.Y + body.Height},
		{X: body.X, Y: body.Y + body.Height},
	}))
	www.SendOK(w)
}

func (s *Server) httpPerimeterReference(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.Monitor.UpdatePerimeterReference())
	www.SendOK(w)
}

func (s *Server) httpPerimeterReset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Monitor.ResetPerimeter()
	www.SendOK(w)
}

func (s *Server) httpPerimeterState(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.Monitor.Perimeter().State())
}

func (s *Server) httpAlertsRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := 100
	if v := www.QueryValue(r, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			www.PanicBadRequestf("Invalid limit '%v'", v)
		}
		limit = n
	}
	if s.AlertDB == nil {
		// No persistent store. Serve the in-memory ring.
		recent := s.Monitor.Status().Recent
		if len(recent) > limit {
			recent = recent[:limit]
		}
		www.SendJSON(w, recent)
		return
	}
	events, err := s.AlertDB.RecentEvents(limit)
	www.Check(err)
	www.SendJSON(w, events)
}

func (s *Server) httpSignalPorts(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ports, err := transmitter.ListPorts()
	www.Check(err)
	www.SendJSON(w, ports)
}

func (s *Server) httpSignalConnect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	port := www.RequiredQueryValue(r, "port")
	www.Check(s.Transmitter.Connect(port))
	www.SendOK(w)
}

func (s *Server) httpSignalDisconnect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Transmitter.Disconnect()
	www.SendOK(w)
}
