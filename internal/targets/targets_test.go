package targets

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/brop-dev/bridge/internal/bridgeerr"
	"github.com/brop-dev/bridge/internal/wire"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestUpsert_CreatesThenUpdates(t *testing.T) {
	t.Parallel()
	m := New()

	target, created := m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page", URL: "about:blank"})
	if !created {
		t.Fatal("expected first Upsert to create the target")
	}
	if target.State != StateDiscovered {
		t.Errorf("expected StateDiscovered, got %v", target.State)
	}

	target2, created2 := m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page", URL: "https://example.com"})
	if created2 {
		t.Error("expected second Upsert to update, not create")
	}
	if target2.URL != "https://example.com" {
		t.Errorf("expected URL to be updated, got %s", target2.URL)
	}
}

func TestAttach_GeneratesUUIDv4Session(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})

	s, err := m.Attach("clientA", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !uuidV4.MatchString(s.ID) {
		t.Errorf("expected session id to match uuid v4 pattern, got %s", s.ID)
	}

	target, _ := m.Target("t1")
	if target.State != StateAttached {
		t.Errorf("expected target to be attached, got %v", target.State)
	}
}

func TestAttach_IsIdempotentReturningFirstSession(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})

	s1, err := m.Attach("clientA", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := m.Attach("clientA", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("expected idempotent attach to return same session, got %s and %s", s1.ID, s2.ID)
	}
}

func TestAttach_DifferentClientsGetDistinctSessions(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})

	s1, err := m.Attach("clientA", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := m.Attach("clientB", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1.ID == s2.ID {
		t.Error("expected distinct sessions for distinct clients attaching to the same target")
	}
}

func TestAttach_UnknownTargetReturnsTargetNotFound(t *testing.T) {
	t.Parallel()
	m := New()
	_, err := m.Attach("clientA", "missing")
	if bridgeerr.KindOf(err) != bridgeerr.TargetNotFound {
		t.Errorf("expected TargetNotFound, got %v", bridgeerr.KindOf(err))
	}
}

func TestDetach_ReturnsTargetToDetachedState(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	s, _ := m.Attach("clientA", "t1")

	if _, err := m.Detach(s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	target, _ := m.Target("t1")
	if target.State != StateDetached {
		t.Errorf("expected StateDetached, got %v", target.State)
	}
	if _, ok := m.Session(s.ID); ok {
		t.Error("expected session to be gone after Detach")
	}
}

func TestDetach_UnknownSessionReturnsSessionNotFound(t *testing.T) {
	t.Parallel()
	m := New()
	_, err := m.Detach("missing")
	if bridgeerr.KindOf(err) != bridgeerr.SessionNotFound {
		t.Errorf("expected SessionNotFound, got %v", bridgeerr.KindOf(err))
	}
}

func TestDestroy_DetachesAllSessionsForTarget(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	s, _ := m.Attach("clientA", "t1")

	detached := m.Destroy("t1")
	if len(detached) != 1 || detached[0].ID != s.ID {
		t.Errorf("expected %s to be reported detached, got %v", s.ID, detached)
	}
	if detached[0].ClientID != "clientA" {
		t.Errorf("expected detached session to retain its client id, got %q", detached[0].ClientID)
	}
	if _, ok := m.Session(s.ID); ok {
		t.Error("expected session removed after target destroyed")
	}

	target, _ := m.Target("t1")
	if target.State != StateDestroyed {
		t.Errorf("expected StateDestroyed, got %v", target.State)
	}
}

func TestAttach_ToDestroyedTargetFails(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	m.Destroy("t1")

	_, err := m.Attach("clientA", "t1")
	if bridgeerr.KindOf(err) != bridgeerr.TargetNotFound {
		t.Errorf("expected TargetNotFound for a destroyed target, got %v", bridgeerr.KindOf(err))
	}
}

func TestTranslateUpstreamEvent_CDPTargetCreatedUpsertsAndTranslates(t *testing.T) {
	t.Parallel()
	m := New()
	params, _ := json.Marshal(wire.TargetCreatedParams{
		TargetInfo: wire.TargetInfo{TargetID: "t1", Type: "page", URL: "https://example.com"},
	})

	evt, _, err := m.TranslateUpstreamEvent("Target.targetCreated", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventType != wire.EventTabCreated || evt.TabID != "t1" {
		t.Errorf("unexpected translation: %+v", evt)
	}
	if _, ok := m.Target("t1"); !ok {
		t.Error("expected target to be recorded")
	}
}

func TestUpsert_RecordsBrowserContextID(t *testing.T) {
	t.Parallel()
	m := New()
	target, _ := m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page", BrowserContextID: "ctx1"})
	if target.BrowserContextID != "ctx1" {
		t.Errorf("expected browserContextId to be recorded, got %q", target.BrowserContextID)
	}
}

func TestTranslateUpstreamEvent_CDPTargetDestroyedDestroys(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	params, _ := json.Marshal(wire.TargetDestroyedParams{TargetID: "t1"})

	evt, _, err := m.TranslateUpstreamEvent("Target.targetDestroyed", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventType != wire.EventTabClosed {
		t.Errorf("expected tab_closed, got %s", evt.EventType)
	}
	target, _ := m.Target("t1")
	if target.State != StateDestroyed {
		t.Errorf("expected target to be destroyed, got %v", target.State)
	}
}

func TestTranslateUpstreamEvent_CDPTargetDestroyedReturnsDetachedSessions(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	sess, _ := m.Attach("clientA", "t1")
	params, _ := json.Marshal(wire.TargetDestroyedParams{TargetID: "t1"})

	_, detached, err := m.TranslateUpstreamEvent("Target.targetDestroyed", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detached) != 1 || detached[0].ID != sess.ID {
		t.Errorf("expected detached sessions to include %s, got %v", sess.ID, detached)
	}
}

func TestTranslateUpstreamEvent_NativeVocabularyPassesThrough(t *testing.T) {
	t.Parallel()
	m := New()
	params, _ := json.Marshal(map[string]string{"tabId": "t1"})

	evt, _, err := m.TranslateUpstreamEvent(wire.EventTabActivated, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventType != wire.EventTabActivated || evt.TabID != "t1" {
		t.Errorf("unexpected translation: %+v", evt)
	}
}

func TestTranslateUpstreamEvent_UnknownMethodIgnored(t *testing.T) {
	t.Parallel()
	m := New()
	evt, detached, err := m.TranslateUpstreamEvent("Page.frameNavigated", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt != nil || detached != nil {
		t.Errorf("expected nil translation for a per-session event outside tab lifecycle, got evt=%+v detached=%v", evt, detached)
	}
}

func TestList_ReturnsSnapshotOfAllTargets(t *testing.T) {
	t.Parallel()
	m := New()
	m.Upsert(wire.TargetInfo{TargetID: "t1", Type: "page"})
	m.Upsert(wire.TargetInfo{TargetID: "t2", Type: "page"})

	list := m.List()
	if len(list) != 2 {
		t.Errorf("expected 2 targets, got %d", len(list))
	}
}
