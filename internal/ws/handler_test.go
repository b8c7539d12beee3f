package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/store"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func TestRelayBetweenSessions(t *testing.T) {
	srv := startTestServer(t)
	defer srv.Close()

	alice := dialUser(t, srv, "alice")
	defer alice.Close()
	bob := dialUser(t, srv, "bob")
	defer bob.Close()

	id := protocol.NewMessageID()
	send(t, alice, protocol.WebPacket{
		Content:     protocol.NewMessagePacket(id, "hi bob", 10, 20),
		Destination: protocol.UserDestination("bob"),
	})

	got := recv(t, bob)
	if got.Sender != "alice" {
		t.Fatalf("expected sender alice, got %q", got.Sender)
	}
	if got.Content.Kind != protocol.KindNewMessage || got.Content.Content != "hi bob" {
		t.Fatalf("unexpected packet: %#v", got.Content)
	}
	if got.Timestamp == nil || *got.Timestamp == 0 {
		t.Fatal("expected a server timestamp")
	}
}

func TestDraftOverWebsocket(t *testing.T) {
	srv := startTestServer(t)
	defer srv.Close()

	alice := dialUser(t, srv, "alice")
	defer alice.Close()
	bob := dialUser(t, srv, "bob")
	defer bob.Close()

	send(t, alice, protocol.WebPacket{
		Content:     protocol.StartDraftPacket(),
		Destination: protocol.UserDestination("bob"),
	})

	bobDraft := recv(t, bob)
	if bobDraft.Content.Kind != protocol.KindNewDraft {
		t.Fatalf("expected NewDraft for bob, got %#v", bobDraft.Content)
	}
	aliceDraft := recv(t, alice)
	if aliceDraft.Content.UUID != bobDraft.Content.UUID {
		t.Fatal("draft ids diverge between sender echo and recipient")
	}

	send(t, alice, protocol.WebPacket{
		Content:     protocol.EndDraftPacket(bobDraft.Content.UUID, "hello"),
		Destination: protocol.UserDestination("bob"),
	})
	end := recv(t, bob)
	if end.Content.Kind != protocol.KindEndDraft || end.Content.Content != "hello" {
		t.Fatalf("unexpected end packet: %#v", end.Content)
	}
}

func TestDuplicateUserRejected(t *testing.T) {
	srv := startTestServer(t)
	defer srv.Close()

	alice := dialUser(t, srv, "alice")
	defer alice.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice"), nil)
	if err == nil {
		t.Fatal("expected second dial for the same uid to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	srv := startTestServer(t)
	defer srv.Close()

	alice := dialUser(t, srv, "alice")
	defer alice.Close()
	bob := dialUser(t, srv, "bob")
	defer bob.Close()

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	send(t, alice, protocol.WebPacket{
		Content:     protocol.NewMessagePacket(protocol.NewMessageID(), "still alive", 0, 0),
		Destination: protocol.UserDestination("bob"),
	})

	got := recv(t, bob)
	if got.Content.Content != "still alive" {
		t.Fatalf("expected the valid frame to survive, got %#v", got.Content)
	}
}

func TestReconnectDrainsBacklog(t *testing.T) {
	srv := startTestServer(t)
	defer srv.Close()

	alice := dialUser(t, srv, "alice")
	defer alice.Close()

	// Bob is offline while alice sends.
	send(t, alice, protocol.WebPacket{
		Content:     protocol.NewMessagePacket(protocol.NewMessageID(), "missed you", 0, 0),
		Destination: protocol.UserDestination("bob"),
	})

	// Give the dispatcher a moment to backlog before bob connects.
	time.Sleep(100 * time.Millisecond)

	bob := dialUser(t, srv, "bob")
	defer bob.Close()
	got := recv(t, bob)
	if got.Content.Content != "missed you" {
		t.Fatalf("expected backlogged packet, got %#v", got.Content)
	}
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	router := core.NewRouter(store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go router.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	NewHandler(router).Register(e)
	return httptest.NewServer(e)
}

func wsURL(srv *httptest.Server, uid string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/updates/" + uid
}

func dialUser(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, uid), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, wp protocol.WebPacket) {
	t.Helper()
	if err := conn.WriteJSON(wp); err != nil {
		t.Fatalf("write packet: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.WebPacket {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var wp protocol.WebPacket
	if err := conn.ReadJSON(&wp); err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return wp
}
