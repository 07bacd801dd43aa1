// Package native implements the Native Endpoint (spec §4.3, C3): the
// WebSocket server speaking the bridge's original flat
// {id,method,params} protocol, including strict tabId enforcement and
// tab-event subscriptions.
//
// Grounded on the teacher's client-connection bookkeeping shape
// (cmd/dev-console/client_registry.go's ClientRegistry/DeriveClientID,
// generalized from an LRU cache of CLI sessions to a live WebSocket
// client table) and on coder/websocket's Accept/Read/Write pattern as
// used in the retrieved devtoolsproxy.WebSocketProxyHandler reference.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/brop-dev/bridge/internal/bridgeerr"
	"github.com/brop-dev/bridge/internal/bridgelog"
	"github.com/brop-dev/bridge/internal/calllog"
	"github.com/brop-dev/bridge/internal/eventbus"
	"github.com/brop-dev/bridge/internal/extlink"
	"github.com/brop-dev/bridge/internal/registry"
	"github.com/brop-dev/bridge/internal/wire"
)

// IDPrefix scopes Registry client ids originated by this endpoint so the
// upstream-response dispatcher can route without a second lookup table.
const IDPrefix = "native"

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string]func()
}

// Server is the Native Endpoint. One Server serves every client
// connected to the Native port.
type Server struct {
	reg    *registry.Registry
	link   *extlink.Link
	bus    *eventbus.Bus
	log    *calllog.Ring
	logger *slog.Logger

	mu         sync.RWMutex
	clients    map[string]*client
	nextClient atomic.Uint64
}

// New creates a Server wired to the shared Registry, Extension Link,
// Event Bus, and call log ring.
func New(reg *registry.Registry, link *extlink.Link, bus *eventbus.Bus, log *calllog.Ring) *Server {
	return &Server{
		reg:     reg,
		link:    link,
		bus:     bus,
		log:     log,
		logger:  bridgelog.For("native"),
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until it
// closes, at which point the client's state is fully torn down (spec §3:
// "on close, all in-flight requests ... are abandoned ... subscriptions
// purged").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return
	}

	num := s.nextClient.Add(1)
	c := &client{
		id:   fmt.Sprintf("%s:%d", IDPrefix, num),
		conn: conn,
		subs: make(map[string]func()),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("native client connected", "clientId", c.id)
	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.reg.ForgetClient(c.id)

	c.subsMu.Lock()
	for _, unsubscribe := range c.subs {
		unsubscribe()
	}
	c.subsMu.Unlock()

	s.logger.Info("native client disconnected", "clientId", c.id)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		var req wire.NativeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeResponse(c, json.RawMessage(`null`), false, nil, string(bridgeerr.Malformed))
			continue
		}
		s.handleRequest(ctx, c, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, c *client, req wire.NativeRequest) {
	var params wire.NativeParams
	json.Unmarshal(req.Params, &params)

	switch req.Method {
	case "subscribe_tab_events":
		s.subscribe(c, params.TabID)
		s.writeResponse(c, req.ID, true, nil, "")
		return
	case "unsubscribe_tab_events":
		s.unsubscribe(c, params.TabID)
		s.writeResponse(c, req.ID, true, nil, "")
		return
	}

	if wire.RequiresTabID(req.Method) && params.TabID == "" {
		s.writeResponse(c, req.ID, false, nil, "tabId is required")
		return
	}

	started := time.Now()
	deadline := started.Add(registry.DefaultTimeout)
	upstreamID, err := s.reg.Register(c.id, req.ID, req.Method, "", deadline)
	if err != nil {
		s.writeResponse(c, req.ID, false, nil, string(bridgeerr.KindOf(err)))
		s.recordCall(req.Method, req.Params, false, string(bridgeerr.KindOf(err)), started)
		return
	}

	upstream := wire.UpstreamRequest{ID: upstreamID, Method: req.Method, Params: req.Params, TabID: params.TabID}
	if err := s.link.Send(ctx, upstream); err != nil {
		s.reg.Complete(upstreamID)
		s.writeResponse(c, req.ID, false, nil, string(bridgeerr.KindOf(err)))
		s.recordCall(req.Method, req.Params, false, string(bridgeerr.KindOf(err)), started)
	}
}

// Deliver completes a forwarded request: pr is the Pending Request that
// was waiting on upstreamID, looked up by the caller's response
// dispatcher. Either result or errStr is set, never both.
func (s *Server) Deliver(pr *registry.PendingRequest, result json.RawMessage, errStr string) {
	s.mu.RLock()
	c, ok := s.clients[pr.ClientID]
	s.mu.RUnlock()
	if !ok {
		return // client disconnected before the response arrived
	}

	s.writeResponse(c, pr.ClientMsgID, errStr == "", result, errStr)
	s.recordCall(pr.Method, nil, errStr == "", errStr, pr.CreatedAt)
}

func (s *Server) subscribe(c *client, tabID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[tabID]; ok {
		return // idempotent (spec §8)
	}

	sub, unsubscribe := s.bus.Subscribe(tabID)
	c.subs[tabID] = unsubscribe

	go func() {
		for evt := range sub.Events() {
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			c.conn.Write(context.Background(), websocket.MessageText, data)
			c.writeMu.Unlock()
		}
	}()
}

func (s *Server) unsubscribe(c *client, tabID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if unsubscribe, ok := c.subs[tabID]; ok {
		unsubscribe()
		delete(c.subs, tabID)
	}
}

func (s *Server) writeResponse(c *client, id json.RawMessage, success bool, result json.RawMessage, errStr string) {
	resp := wire.NativeResponse{ID: id, Success: success, Result: result, Error: errStr}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Write(context.Background(), websocket.MessageText, data)
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
