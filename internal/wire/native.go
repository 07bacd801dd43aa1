package wire

import "encoding/json"

// NativeRequest is the Native protocol request envelope (spec §4.3).
// ID is opaque: it may be a JSON string or number and must round-trip
// byte-identically in NativeResponse.ID.
type NativeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NativeResponse is the Native protocol response envelope.
type NativeResponse struct {
	ID      json.RawMessage `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NativeEvent is a tab-lifecycle event delivered to Native clients.
type NativeEvent struct {
	EventType string `json:"event_type"`
	TabID     string `json:"tabId"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Native event kinds (spec §6).
const (
	EventTabCreated   = "tab_created"
	EventTabClosed    = "tab_closed"
	EventTabRemoved   = "tab_removed"
	EventTabUpdated   = "tab_updated"
	EventTabActivated = "tab_activated"
)

// NativeParams captures the subset of params fields the bridge inspects
// directly; methods also receive the raw json.RawMessage for full decode.
type NativeParams struct {
	TabID string `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
}

// requiresTabID lists Native methods that must carry params.tabId (spec §4.3).
var requiresTabID = map[string]bool{
	"navigate":           true,
	"get_page_content":   true,
	"get_console_logs":   true,
	"get_screenshot":     true,
	"execute_console":    true,
	"get_simplified_dom": true,
	"close_tab":          true,
}

// RequiresTabID reports whether method is in the strict tabId allowlist.
func RequiresTabID(method string) bool {
	return requiresTabID[method]
}
