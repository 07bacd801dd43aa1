package wire

import "encoding/json"

// UpstreamRequest is the envelope the bridge sends to the extension for
// every forwarded client call — Native calls and CDP session-scoped
// calls alike (spec §4.3 "forward upstream verbatim except id", §4.4
// point 2: "forwards upstream as {method, params, tabId: <target-tab>}").
type UpstreamRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	TabID  string          `json:"tabId,omitempty"`
}

// UpstreamResponse is the envelope the extension sends back for a
// forwarded call.
type UpstreamResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
