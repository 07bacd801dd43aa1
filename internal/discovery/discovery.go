// Package discovery implements the Discovery HTTP surface (spec §4.7,
// C7): the /json/* endpoints standard CDP tooling probes before opening
// a WebSocket, plus the call-log tail endpoint.
//
// Grounded on the teacher's direct net/http handler style and its
// util.JSONResponse helper (internal/util/response.go), and on the
// LogSnapshot/GetLogSnapshot shape of internal/server/log_accessor.go
// (mined before that package was retired), generalized from a
// file-backed log to the in-memory internal/calllog ring.
package discovery

import (
	"net/http"
	"strconv"

	"github.com/brop-dev/bridge/internal/calllog"
	"github.com/brop-dev/bridge/internal/eventbus"
	"github.com/brop-dev/bridge/internal/extlink"
	"github.com/brop-dev/bridge/internal/targets"
	"github.com/brop-dev/bridge/internal/util"
)

const protocolVersion = "1.3"

// Server serves the Devtools port's HTTP discovery endpoints.
type Server struct {
	targets *targets.Manager
	link    *extlink.Link
	bus     *eventbus.Bus
	log     *calllog.Ring
	cdpPort int
}

// New creates a Server. cdpPort is embedded in webSocketDebuggerUrl
// fields so discovered clients dial back to the right port.
func New(tm *targets.Manager, link *extlink.Link, bus *eventbus.Bus, log *calllog.Ring, cdpPort int) *Server {
	return &Server{targets: tm, link: link, bus: bus, log: log, cdpPort: cdpPort}
}

// Register mounts the discovery handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/json", s.handleList)
	mux.HandleFunc("/json/protocol", s.handleProtocol)
	mux.HandleFunc("/logs", s.handleLogs)
}

func (s *Server) browserWSURL() string {
	return "ws://127.0.0.1:" + strconv.Itoa(s.cdpPort) + "/devtools/browser/bridge"
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	util.JSONResponse(w, http.StatusOK, map[string]any{
		"Browser":              "Bridge/1.0",
		"Protocol-Version":     protocolVersion,
		"User-Agent":           "brop-bridge",
		"V8-Version":           "0",
		"WebKit-Version":       "0",
		"webSocketDebuggerUrl": s.browserWSURL(),
		"extensionLink":        s.link.Status(),
	})
}

type listEntry struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.targets.List()
	out := make([]listEntry, 0, len(list))
	for _, t := range list {
		out = append(out, listEntry{
			ID:                   t.ID,
			Type:                 t.Type,
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: "ws://127.0.0.1:" + strconv.Itoa(s.cdpPort) + "/devtools/page/" + t.ID,
		})
	}
	util.JSONResponse(w, http.StatusOK, out)
}

// handleProtocol returns a stub CDP protocol definition (spec §4.7:
// "a stub CDP protocol definition" — full domain coverage is out of
// scope for the bridge's own discovery surface).
func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	util.JSONResponse(w, http.StatusOK, map[string]any{
		"version": map[string]string{"major": "1", "minor": "3"},
		"domains": []map[string]string{
			{"domain": "Target"},
			{"domain": "Browser"},
			{"domain": "Page"},
			{"domain": "Runtime"},
		},
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := calllog.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	level := r.URL.Query().Get("level")

	entries := s.log.Tail(limit, level)
	util.JSONResponse(w, http.StatusOK, map[string]any{
		"entries":           entries,
		"total_added":       s.log.TotalAdded(),
		"event_bus_subs":    s.bus.SubscriberCount(),
		"event_bus_dropped": s.bus.TotalDropped(),
	})
}
