package native

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/brop-dev/bridge/internal/calllog"
	"github.com/brop-dev/bridge/internal/eventbus"
	"github.com/brop-dev/bridge/internal/extlink"
	"github.com/brop-dev/bridge/internal/registry"
	"github.com/brop-dev/bridge/internal/wire"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// dialAsExtension connects into the Link's accept endpoint as the
// extension, replying to every request with reply's result.
func dialAsExtension(t *testing.T, linkSrvURL string, reply func(req wire.UpstreamRequest) any) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(linkSrvURL), nil)
	if err != nil {
		t.Fatalf("dial as extension: %v", err)
	}
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var req wire.UpstreamRequest
			json.Unmarshal(data, &req)
			resp := reply(req)
			out, _ := json.Marshal(resp)
			if err := conn.Write(context.Background(), websocket.MessageText, out); err != nil {
				return
			}
		}
	}()
	return conn
}

func waitConnected(t *testing.T, link *extlink.Link) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !link.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !link.Connected() {
		t.Fatal("expected extension link to connect")
	}
}

func newTestServer(t *testing.T, reply func(req wire.UpstreamRequest) any) (*Server, *httptest.Server, func()) {
	t.Helper()
	reg := registry.New()

	var srvHolder atomic.Pointer[Server]
	link := extlink.New("127.0.0.1:0", func(f wire.Frame) {
		if f.Kind != wire.KindUpstreamResponse {
			return
		}
		var id int64
		json.Unmarshal(f.Raw.ID, &id)
		pr, ok := reg.Complete(id)
		if !ok {
			return
		}
		var resp wire.UpstreamResponse
		json.Unmarshal(f.RawData, &resp)
		if s := srvHolder.Load(); s != nil {
			s.Deliver(pr, resp.Result, resp.Error)
		}
	})

	linkSrv := httptest.NewServer(http.HandlerFunc(link.ServeHTTP))
	extConn := dialAsExtension(t, linkSrv.URL, reply)
	waitConnected(t, link)

	bus := eventbus.New()
	ring := calllog.New(10)
	nativeSrv := New(reg, link, bus, ring)
	srvHolder.Store(nativeSrv)

	wsSrv := httptest.NewServer(http.HandlerFunc(nativeSrv.ServeHTTP))
	cleanup := func() {
		wsSrv.Close()
		extConn.Close(websocket.StatusNormalClosure, "")
		linkSrv.Close()
	}
	return nativeSrv, wsSrv, cleanup
}

func dialClient(t *testing.T, wsSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(wsSrv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHandleRequest_MissingTabIDFailsFastWithoutUpstreamCall(t *testing.T) {
	t.Parallel()
	called := false
	_, wsSrv, cleanup := newTestServer(t, func(req wire.UpstreamRequest) any {
		called = true
		return wire.UpstreamResponse{ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	defer cleanup()

	conn := dialClient(t, wsSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	reqBody, _ := json.Marshal(wire.NativeRequest{
		ID:     json.RawMessage(`1`),
		Method: "navigate",
		Params: json.RawMessage(`{"url":"https://example.com"}`),
	})
	if err := conn.Write(context.Background(), websocket.MessageText, reqBody); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp wire.NativeResponse
	json.Unmarshal(data, &resp)
	if resp.Success {
		t.Error("expected failure when tabId is missing")
	}
	if resp.Error != "tabId is required" {
		t.Errorf("expected 'tabId is required', got %q", resp.Error)
	}
	if called {
		t.Error("expected no upstream call for a request missing tabId")
	}
}

func TestHandleRequest_IDRoundTripsAcrossConcurrentClients(t *testing.T) {
	t.Parallel()
	_, wsSrv, cleanup := newTestServer(t, func(req wire.UpstreamRequest) any {
		return wire.UpstreamResponse{ID: req.ID, Result: json.RawMessage(`["tab1"]`)}
	})
	defer cleanup()

	connA := dialClient(t, wsSrv)
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialClient(t, wsSrv)
	defer connB.Close(websocket.StatusNormalClosure, "")

	reqBody, _ := json.Marshal(wire.NativeRequest{ID: json.RawMessage(`"x"`), Method: "list_tabs"})

	connA.Write(context.Background(), websocket.MessageText, reqBody)
	connB.Write(context.Background(), websocket.MessageText, reqBody)

	for _, conn := range []*websocket.Conn{connA, connB} {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp wire.NativeResponse
		json.Unmarshal(data, &resp)
		if string(resp.ID) != `"x"` {
			t.Errorf("expected id to round-trip as \"x\", got %s", resp.ID)
		}
		if !resp.Success {
			t.Errorf("expected success, got error %s", resp.Error)
		}
	}
}

func TestSubscribeTabEvents_IsIdempotent(t *testing.T) {
	t.Parallel()
	nativeSrv, wsSrv, cleanup := newTestServer(t, func(req wire.UpstreamRequest) any {
		return wire.UpstreamResponse{ID: req.ID}
	})
	defer cleanup()

	conn := dialClient(t, wsSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, _ := json.Marshal(wire.NativeRequest{ID: json.RawMessage(`1`), Method: "subscribe_tab_events", Params: json.RawMessage(`{"tabId":"t1"}`)})
	conn.Write(context.Background(), websocket.MessageText, sub)
	conn.Read(context.Background())
	conn.Write(context.Background(), websocket.MessageText, sub)
	conn.Read(context.Background())

	deadline := time.Now().Add(time.Second)
	for nativeSrv.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if nativeSrv.bus.SubscriberCount() != 1 {
		t.Errorf("expected exactly one subscription after duplicate subscribe, got %d", nativeSrv.bus.SubscriberCount())
	}
}

func TestLinkDown_FailsNewRequestWithLinkDown(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	bus := eventbus.New()
	ring := calllog.New(10)
	link := extlink.New("127.0.0.1:0", nil)
	nativeSrv := New(reg, link, bus, ring)

	wsSrv := httptest.NewServer(http.HandlerFunc(nativeSrv.ServeHTTP))
	defer wsSrv.Close()

	conn := dialClient(t, wsSrv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	reqBody, _ := json.Marshal(wire.NativeRequest{ID: json.RawMessage(`1`), Method: "get_screenshot", Params: json.RawMessage(`{"tabId":"t1"}`)})
	conn.Write(context.Background(), websocket.MessageText, reqBody)

	_, data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp wire.NativeResponse
	json.Unmarshal(data, &resp)
	if resp.Success {
		t.Error("expected failure when the link is down")
	}
	if resp.Error != "LinkDown" {
		t.Errorf("expected LinkDown, got %q", resp.Error)
	}
}
