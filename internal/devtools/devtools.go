// Package devtools implements the Devtools Endpoint (spec §4.4, C4): a
// WebSocket server speaking the Chrome DevTools Protocol wire format
// closely enough that standard CDP clients (Playwright among them) can
// drive the browser through the bridge, including session routing,
// target lifecycle, and auto-attach.
//
// Grounded on the retrieved devtoolsproxy.WebSocketProxyHandler reference
// file for the Accept/Read/Write connection shape and its CDP message
// logging discipline, and on the target-event handling in the retrieved
// cdp manager.go, generalized from a pass-through proxy to the bridge's
// own session-routing and auto-attach logic against internal/targets.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/brop-dev/bridge/internal/bridgeerr"
	"github.com/brop-dev/bridge/internal/bridgelog"
	"github.com/brop-dev/bridge/internal/calllog"
	"github.com/brop-dev/bridge/internal/extlink"
	"github.com/brop-dev/bridge/internal/registry"
	"github.com/brop-dev/bridge/internal/targets"
	"github.com/brop-dev/bridge/internal/wire"
)

// IDPrefix scopes Registry client ids originated by this endpoint.
const IDPrefix = "cdp"

// forwardedBrowserMethods still go upstream (the agent performs the real
// browser action) but carry no tabId/sessionId of their own.
var forwardedBrowserMethods = map[string]bool{
	"Target.createTarget":   true,
	"Target.activateTarget": true,
	"Target.closeTarget":    true,
}

type client struct {
	id         string
	conn       *websocket.Conn
	writeMu    sync.Mutex
	autoAttach atomic.Bool
	discover   atomic.Bool
}

// Server is the Devtools Endpoint.
type Server struct {
	reg     *registry.Registry
	link    *extlink.Link
	targets *targets.Manager
	log     *calllog.Ring
	logger  *slog.Logger

	mu         sync.RWMutex
	clients    map[string]*client
	nextClient atomic.Uint64
}

// New creates a Server wired to the shared Registry, Extension Link, and
// Target & Session Manager.
func New(reg *registry.Registry, link *extlink.Link, tm *targets.Manager, log *calllog.Ring) *Server {
	return &Server{
		reg:     reg,
		link:    link,
		targets: tm,
		log:     log,
		logger:  bridgelog.For("devtools"),
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection. The path only needs to end with
// /devtools/browser/<token>; the token itself is not validated (spec
// §4.4: "any path ending in ... is accepted").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, "/devtools/browser/") {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return
	}

	num := s.nextClient.Add(1)
	c := &client{id: fmt.Sprintf("%s:%d", IDPrefix, num), conn: conn}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("devtools client connected", "clientId", c.id)
	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.reg.ForgetClient(c.id)
	for _, sid := range s.targets.SessionsForClient(c.id) {
		s.targets.Detach(sid)
	}

	s.logger.Info("devtools client disconnected", "clientId", c.id)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		var req wire.CDPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.handleRequest(ctx, c, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, c *client, req wire.CDPRequest) {
	started := time.Now()

	switch {
	case req.Method == "Browser.getVersion":
		s.respond(c, req.ID, "", mustJSON(map[string]string{
			"protocolVersion": "1.3",
			"product":         "Bridge/1.0",
			"userAgent":       "bridge",
		}), nil)

	case req.Method == "Target.getTargets":
		infos := make([]wire.TargetInfo, 0)
		for _, t := range s.targets.List() {
			infos = append(infos, wire.TargetInfo{
				TargetID: t.ID, Type: t.Type, Title: t.Title, URL: t.URL,
				Attached: len(t.SessionIDs) > 0,
			})
		}
		s.respond(c, req.ID, "", mustJSON(map[string]any{"targetInfos": infos}), nil)

	case req.Method == "Target.setDiscoverTargets":
		var params struct {
			Discover bool `json:"discover"`
		}
		json.Unmarshal(req.Params, &params)
		c.discover.Store(params.Discover)
		s.respond(c, req.ID, "", json.RawMessage(`{}`), nil)

	case req.Method == "Target.setAutoAttach":
		var params struct {
			AutoAttach bool `json:"autoAttach"`
		}
		json.Unmarshal(req.Params, &params)
		c.autoAttach.Store(params.AutoAttach)
		s.respond(c, req.ID, "", json.RawMessage(`{}`), nil)

	case req.Method == "Target.attachToTarget":
		var params struct {
			TargetID string `json:"targetId"`
		}
		json.Unmarshal(req.Params, &params)
		sess, err := s.targets.Attach(c.id, params.TargetID)
		if err != nil {
			s.respondErr(c, req.ID, "", err)
			return
		}
		s.respond(c, req.ID, "", mustJSON(map[string]string{"sessionId": sess.ID}), nil)
		s.emitAttached(c, sess)

	case req.Method == "Target.detachFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		json.Unmarshal(req.Params, &params)
		sess, err := s.targets.Detach(params.SessionID)
		if err != nil {
			s.respondErr(c, req.ID, "", err)
			return
		}
		s.respond(c, req.ID, "", json.RawMessage(`{}`), nil)
		s.emitEvent(c, wire.CDPEvent{Method: "Target.detachedFromTarget",
			Params: mustJSON(wire.DetachedFromTargetParams{SessionID: sess.ID, TargetID: sess.TargetID})})

	case forwardedBrowserMethods[req.Method]:
		s.forward(ctx, c, req, "", started)

	case req.SessionID != "":
		sess, ok := s.targets.Session(req.SessionID)
		if !ok {
			s.respondErr(c, req.ID, req.SessionID, bridgeerr.New(bridgeerr.SessionNotFound, "no session %s", req.SessionID))
			return
		}
		s.forward(ctx, c, req, sess.TargetID, started)

	default:
		// Top-level Runtime.* and any other browser-scope command: forward
		// upstream with no tab binding (spec §4.4 point 1).
		s.forward(ctx, c, req, "", started)
	}
}

func (s *Server) forward(ctx context.Context, c *client, req wire.CDPRequest, tabID string, started time.Time) {
	deadline := started.Add(registry.DefaultTimeout)
	upstreamID, err := s.reg.Register(c.id, mustJSON(req.ID), req.Method, req.SessionID, deadline)
	if err != nil {
		s.respondErr(c, req.ID, req.SessionID, err)
		s.recordCall(req.Method, req.Params, false, string(bridgeerr.KindOf(err)), started)
		return
	}

	upstream := wire.UpstreamRequest{ID: upstreamID, Method: req.Method, Params: req.Params, TabID: tabID}
	if err := s.link.Send(ctx, upstream); err != nil {
		s.reg.Complete(upstreamID)
		s.respondErr(c, req.ID, req.SessionID, err)
		s.recordCall(req.Method, req.Params, false, string(bridgeerr.KindOf(err)), started)
	}
}

// Deliver completes a forwarded request for the originating Devtools
// client, tagging the reply with the session it was issued on, if any.
func (s *Server) Deliver(pr *registry.PendingRequest, result json.RawMessage, errStr string) {
	s.mu.RLock()
	c, ok := s.clients[pr.ClientID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	var id int64
	json.Unmarshal(pr.ClientMsgID, &id)
	if errStr == "" {
		s.respond(c, id, pr.SessionID, result, nil)
	} else {
		s.respond(c, id, pr.SessionID, nil, &wire.CDPError{Message: errStr})
	}
	s.recordCall(pr.Method, nil, errStr == "", errStr, pr.CreatedAt)
}

// HandleUpstreamEvent reacts to one upstream event already applied to
// Manager state (targets.Manager.TranslateUpstreamEvent ran first):
//   - Target.targetCreated is broadcast to every discovery-enabled client
//     (spec §4.4's standing event-emission rule) and additionally
//     auto-attaches every auto-attach client, synthesizing a session and
//     an attachedToTarget event per spec §4.4 point 3.
//   - Target.targetDestroyed is broadcast to discovery-enabled clients
//     and, for every session the target had attached, emits
//     Target.detachedFromTarget to that session's owning client.
//   - Any other event carrying a sessionId (e.g. Page.frameNavigated) is
//     relayed verbatim to that session's client, tagged with its
//     sessionId, since the client issued its command on that session and
//     expects its events back on it (spec §4.4: "per-session events ...
//     carry the correct sessionId").
func (s *Server) HandleUpstreamEvent(method string, params json.RawMessage, sessionID string, detached []*targets.Session) {
	switch method {
	case "Target.targetCreated":
		s.handleTargetCreated(params)
	case "Target.targetDestroyed":
		s.handleTargetDestroyed(params, detached)
	default:
		if sessionID != "" {
			s.relayToSession(sessionID, method, params)
		}
	}
}

func (s *Server) handleTargetCreated(params json.RawMessage) {
	var p wire.TargetCreatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	discoverClients, autoAttachClients := s.clientsByInterest()

	for _, c := range discoverClients {
		s.emitEvent(c, wire.CDPEvent{Method: "Target.targetCreated", Params: mustJSON(p)})
	}
	for _, c := range autoAttachClients {
		sess, err := s.targets.Attach(c.id, p.TargetInfo.TargetID)
		if err != nil {
			continue
		}
		s.emitAttached(c, sess)
	}
}

func (s *Server) handleTargetDestroyed(params json.RawMessage, detached []*targets.Session) {
	var p wire.TargetDestroyedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	discoverClients, _ := s.clientsByInterest()
	for _, c := range discoverClients {
		s.emitEvent(c, wire.CDPEvent{Method: "Target.targetDestroyed", Params: mustJSON(p)})
	}

	for _, sess := range detached {
		s.mu.RLock()
		c, ok := s.clients[sess.ClientID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		s.emitEvent(c, wire.CDPEvent{
			Method: "Target.detachedFromTarget",
			Params: mustJSON(wire.DetachedFromTargetParams{SessionID: sess.ID, TargetID: p.TargetID}),
		})
	}
}

// relayToSession forwards an upstream event to the single client holding
// sessionID, verbatim apart from stamping the sessionId (spec §4.4).
func (s *Server) relayToSession(sessionID, method string, params json.RawMessage) {
	sess, ok := s.targets.Session(sessionID)
	if !ok {
		return
	}
	s.mu.RLock()
	c, ok := s.clients[sess.ClientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.emitEvent(c, wire.CDPEvent{Method: method, Params: params, SessionID: sessionID})
}

func (s *Server) clientsByInterest() (discover, autoAttach []*client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.discover.Load() {
			discover = append(discover, c)
		}
		if c.autoAttach.Load() {
			autoAttach = append(autoAttach, c)
		}
	}
	return discover, autoAttach
}

func (s *Server) emitAttached(c *client, sess *targets.Session) {
	t, ok := s.targets.Target(sess.TargetID)
	info := wire.TargetInfo{TargetID: sess.TargetID, Attached: true}
	if ok {
		info.Type, info.Title, info.URL = t.Type, t.Title, t.URL
	}
	s.emitEvent(c, wire.CDPEvent{
		Method: "Target.attachedToTarget",
		Params: mustJSON(wire.AttachedToTargetParams{
			SessionID:          sess.ID,
			TargetInfo:         info,
			WaitingForDebugger: false,
		}),
	})
}

func (s *Server) emitEvent(c *client, evt wire.CDPEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *Server) respond(c *client, id int64, sessionID string, result json.RawMessage, cdpErr *wire.CDPError) {
	resp := wire.CDPResponse{ID: id, Result: result, Error: cdpErr, SessionID: sessionID}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *Server) respondErr(c *client, id int64, sessionID string, err error) {
	s.respond(c, id, sessionID, nil, &wire.CDPError{Message: err.Error()})
}

func (s *Server) recordCall(method string, params json.RawMessage, success bool, errStr string, started time.Time) {
	if s.log == nil {
		return
	}
	s.log.Append(calllog.Entry{
		Method:       method,
		ParamsDigest: calllog.Digest(params),
		Success:      success,
		Error:        errStr,
		Latency:      time.Since(started),
		StartedAt:    started,
		FinishedAt:   time.Now(),
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
