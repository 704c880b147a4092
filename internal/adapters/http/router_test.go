package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/callrelay/internal/app"
	"github.com/dkeye/callrelay/internal/config"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newServerWith(t, nil, t.TempDir())
}

func newServerWith(t *testing.T, limiter *app.CallLimiter, static string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		StaticPath: static,
		ReadLimit:  1 << 16,
		PingPeriod: time.Minute,
		WriteWait:  5 * time.Second,
		SendBuffer: 32,
		Policy:     config.PolicyKick,
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, app.NewOrchestrator(app.SimplePolicy{}, limiter)))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func connect(t *testing.T, srv *httptest.Server, query string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &peer{t: t, ws: ws}
}

func (p *peer) send(raw string) {
	p.t.Helper()
	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) read() wire.Frame {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		p.t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func (p *peer) expect(ev wire.Event, into any) {
	p.t.Helper()
	f := p.read()
	if f.Event != ev {
		p.t.Fatalf("got %s %s, want %s", f.Event, f.Data, ev)
	}
	if into != nil {
		if err := json.Unmarshal(f.Data, into); err != nil {
			p.t.Fatalf("decode %s: %v", ev, err)
		}
	}
}

func (p *peer) join(user string) {
	p.t.Helper()
	p.send(`{"event":"join","data":"` + user + `"}`)
	var j wire.Joined
	p.expect(wire.EventJoined, &j)
	if j.UserID != user {
		p.t.Fatalf("joined as %q, want %q", j.UserID, user)
	}
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)
	var body map[string]bool
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK || !body["ok"] {
		t.Fatalf("healthz %d %v", code, body)
	}
}

func TestStaticPages(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>relay</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("refresh()"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newServerWith(t, nil, dir)

	for path, want := range map[string]string{"/": "<h1>relay</h1>", "/static/app.js": "refresh()"} {
		code, body := get(t, srv.URL+path)
		if code != http.StatusOK || body != want {
			t.Fatalf("GET %s = %d %q", path, code, body)
		}
	}

	empty := newServer(t)
	if code, _ := get(t, empty.URL+"/"); code != http.StatusNotFound {
		t.Fatalf("GET / without index.html = %d", code)
	}
}

func TestShippedIndexIsServed(t *testing.T) {
	srv := newServerWith(t, nil, filepath.Join("..", "..", "..", "web"))
	code, body := get(t, srv.URL+"/")
	if code != http.StatusOK || !strings.Contains(body, "/api/presence") {
		t.Fatalf("GET / = %d, body %d bytes", code, len(body))
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestCallFlowOverWebsocket(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "")
	bob := connect(t, srv, "")
	alice.join("alice")
	bob.send(`{"event":"join","data":{"userId":"bob"}}`)
	bob.expect(wire.EventJoined, nil)

	alice.send(`{"event":"call-user","data":{"to":"bob","from":"alice","signal":{"type":"offer","sdp":"x"},"type":"video"}}`)
	var inc wire.IncomingCall
	bob.expect(wire.EventIncomingCall, &inc)
	if inc.From != "alice" || inc.Type != "video" || string(inc.Signal) != `{"type":"offer","sdp":"x"}` {
		t.Fatalf("incoming = %+v", inc)
	}

	bob.send(`{"event":"answer-call","data":{"to":"alice","signal":{"type":"answer","sdp":"y"}}}`)
	var ans wire.CallAnswered
	alice.expect(wire.EventCallAnswered, &ans)
	if ans.From != "bob" || string(ans.Signal) != `{"type":"answer","sdp":"y"}` {
		t.Fatalf("answered = %+v", ans)
	}

	alice.send(`{"event":"end-call","data":{"to":"bob"}}`)
	var ended wire.Peer
	bob.expect(wire.EventCallEnded, &ended)
	if ended.From != "alice" {
		t.Fatalf("ended = %+v", ended)
	}
}

func TestRejectAndOffline(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "?user=alice")
	alice.expect(wire.EventJoined, nil)
	bob := connect(t, srv, "?user=bob")
	bob.expect(wire.EventJoined, nil)

	alice.send(`{"event":"call-user","data":{"to":"bob","signal":{},"type":"audio"}}`)
	bob.expect(wire.EventIncomingCall, nil)
	bob.send(`{"event":"reject-call","data":{"to":"alice"}}`)
	var rej wire.Peer
	alice.expect(wire.EventCallRejected, &rej)
	if rej.From != "bob" {
		t.Fatalf("rejected = %+v", rej)
	}

	alice.send(`{"event":"call-user","data":{"to":"carol","signal":{},"type":"audio"}}`)
	var failed wire.CallFailed
	alice.expect(wire.EventCallFailed, &failed)
	if failed.To != "carol" || failed.Reason != "target_offline" {
		t.Fatalf("failed = %+v", failed)
	}

	// no frame for a reject to nobody; the next reply proves nothing was queued
	alice.send(`{"event":"reject-call","data":{"to":"carol"}}`)
	alice.send(`{"event":"ping"}`)
	alice.expect(wire.EventPong, nil)
}

func TestErrorsAreReported(t *testing.T) {
	srv := newServer(t)
	p := connect(t, srv, "")

	type errCase struct {
		frame string
		code  string
		to    string
	}
	check := func(cases []errCase) {
		t.Helper()
		for _, tc := range cases {
			p.send(tc.frame)
			var e wire.Error
			p.expect(wire.EventError, &e)
			if e.Code != tc.code || e.To != tc.to {
				t.Fatalf("%s: got code %q to %q, want %q to %q", tc.frame, e.Code, e.To, tc.code, tc.to)
			}
		}
	}

	check([]errCase{
		{`not json`, "bad_payload", ""},
		{`{"event":"call-user","data":{"to":"bob","signal":{},"type":"video"}}`, "not_joined", "bob"},
		{`{"event":"dance"}`, "unknown_event", ""},
		{`{"event":"join","data":""}`, "bad_payload", ""},
	})

	p.join("alice")
	check([]errCase{
		{`{"event":"call-user","data":{"to":"bob","from":"mallory","signal":{},"type":"video"}}`, "sender_mismatch", "bob"},
		{`{"event":"call-user","data":{"to":"alice","signal":{},"type":"video"}}`, "bad_payload", "alice"},
		{`{"event":"call-user","data":{"to":"bob","signal":{},"type":"hologram"}}`, "bad_payload", "bob"},
		{`{"event":"end-call","data":"bob"}`, "bad_payload", ""},
	})
}

func TestRateLimitedCallNamesTarget(t *testing.T) {
	srv := newServerWith(t, app.NewCallLimiter(rate.Every(time.Hour), 1), t.TempDir())
	alice := connect(t, srv, "?user=alice")
	alice.expect(wire.EventJoined, nil)
	bob := connect(t, srv, "?user=bob")
	bob.expect(wire.EventJoined, nil)

	alice.send(`{"event":"call-user","data":{"to":"bob","signal":{},"type":"audio"}}`)
	bob.expect(wire.EventIncomingCall, nil)

	alice.send(`{"event":"call-user","data":{"to":"bob","signal":{},"type":"audio"}}`)
	var e wire.Error
	alice.expect(wire.EventError, &e)
	if e.Code != "rate_limited" || e.To != "bob" {
		t.Fatalf("error = %+v", e)
	}
}

func TestRejoinMovesDelivery(t *testing.T) {
	srv := newServer(t)
	old := connect(t, srv, "?user=bob")
	old.expect(wire.EventJoined, nil)
	fresh := connect(t, srv, "?user=bob")
	fresh.expect(wire.EventJoined, nil)
	alice := connect(t, srv, "?user=alice")
	alice.expect(wire.EventJoined, nil)

	alice.send(`{"event":"call-user","data":{"to":"bob","signal":{},"type":"audio"}}`)
	fresh.expect(wire.EventIncomingCall, nil)

	old.send(`{"event":"whoami"}`)
	var who wire.WhoAmI
	old.expect(wire.EventWhoAmI, &who)
	if who.UserID != "" || who.Conn == "" {
		t.Fatalf("stale connection still bound: %+v", who)
	}

	// the stale socket going away must not unbind bob from the fresh one
	_ = old.ws.Close()
	time.Sleep(50 * time.Millisecond)
	alice.send(`{"event":"end-call","data":{"to":"bob"}}`)
	fresh.expect(wire.EventCallEnded, nil)
}

func TestPresenceEndpoints(t *testing.T) {
	srv := newServer(t)
	p := connect(t, srv, "?user=alice")
	p.expect(wire.EventJoined, nil)

	var one struct {
		User   string `json:"user"`
		Online bool   `json:"online"`
	}
	getJSON(t, srv.URL+"/api/presence/alice", &one)
	if one.User != "alice" || !one.Online {
		t.Fatalf("alice presence = %+v", one)
	}
	getJSON(t, srv.URL+"/api/presence/bob", &one)
	if one.Online {
		t.Fatalf("bob presence = %+v", one)
	}

	var all struct {
		Online      int `json:"online"`
		Connections int `json:"connections"`
	}
	getJSON(t, srv.URL+"/api/presence", &all)
	if all.Online != 1 || all.Connections != 1 {
		t.Fatalf("presence = %+v", all)
	}
}
