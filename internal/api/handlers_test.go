// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
	"github.com/kestrelgeo/fieldtrack/internal/storage"
	ws "github.com/kestrelgeo/fieldtrack/internal/websocket"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, maxClients int) (*httptest.Server, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8445},
		Tracking: config.TrackingConfig{
			MaxClients:     maxClients,
			StaleAfter:     5 * time.Minute,
			SweepInterval:  30 * time.Second,
			PongTimeout:    5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: protocol.MaxMessageSize,
			SendBuffer:     64,
			InboundRate:    1000,
			InboundBurst:   1000,
		},
		Security: config.SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   1000,
			RateLimitWindow: time.Minute,
		},
	}

	registry := ws.NewRegistry(cfg.Tracking.MaxClients)
	hub := ws.NewHub(cfg.Tracking, registry, storage.NopSink{})
	srv := httptest.NewServer(NewRouter(cfg, NewHandler(cfg, hub)))
	t.Cleanup(srv.Close)
	return srv, cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, srv *httptest.Server) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *gorilla.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("frame is not an envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, conn *gorilla.Conn, typ string) protocol.Envelope {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != typ {
		t.Fatalf("frame type = %q, want %q", env.Type, typ)
	}
	return env
}

func sendRaw(t *testing.T, conn *gorilla.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(gorilla.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func authenticate(t *testing.T, conn *gorilla.Conn, user, device string) {
	t.Helper()
	sendRaw(t, conn, `{"type":"authentication","data":{"user_id":"`+user+`","device_id":"`+device+`"}}`)
	expectType(t, conn, protocol.TypeAuthenticationOK)
	expectType(t, conn, protocol.TypeTeamUpdate)
}

func TestWebSocketRelayBetweenClients(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	connA := dialWS(t, srv)
	expectType(t, connA, protocol.TypeWelcome)
	authenticate(t, connA, "alpha-1", "d1")

	connB := dialWS(t, srv)
	expectType(t, connB, protocol.TypeWelcome)
	authenticate(t, connB, "alpha-2", "d2")

	// A learns about B joining.
	teamEnv := expectType(t, connA, protocol.TypeTeamUpdate)
	var team protocol.TeamUpdate
	if err := json.Unmarshal(teamEnv.Data, &team); err != nil {
		t.Fatalf("team payload: %v", err)
	}
	if len(team.Members) != 2 {
		t.Fatalf("team size after second join = %d, want 2", len(team.Members))
	}

	sendRaw(t, connA, `{"type":"location_update","data":{"coordinates":{"latitude":37.77,"longitude":-122.41}}}`)

	locEnv := expectType(t, connB, protocol.TypeLocationUpdate)
	var bcast protocol.LocationBroadcast
	if err := json.Unmarshal(locEnv.Data, &bcast); err != nil {
		t.Fatalf("broadcast payload: %v", err)
	}
	if bcast.UserID != "alpha-1" || bcast.Coordinates.Latitude != 37.77 || bcast.Coordinates.Longitude != -122.41 {
		t.Errorf("broadcast = %+v, want alpha-1 at 37.77,-122.41", bcast)
	}
}

func TestWebSocketServerFull(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	connA := dialWS(t, srv)
	expectType(t, connA, protocol.TypeWelcome)
	authenticate(t, connA, "alpha-1", "d1")

	connB := dialWS(t, srv)
	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := connB.ReadMessage()
	var closeErr *gorilla.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != gorilla.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, gorilla.ClosePolicyViolation)
	}
	if closeErr.Text != "server full" {
		t.Errorf("close text = %q, want server full", closeErr.Text)
	}
}

func TestWebSocketPingPong(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	conn := dialWS(t, srv)
	expectType(t, conn, protocol.TypeWelcome)

	sendRaw(t, conn, `{"type":"ping"}`)
	env := expectType(t, conn, protocol.TypePong)
	var pong protocol.Pong
	if err := json.Unmarshal(env.Data, &pong); err != nil {
		t.Fatalf("pong payload: %v", err)
	}
	if pong.ServerTime.IsZero() {
		t.Error("pong has zero server time")
	}
}

func TestWebSocketDecodeErrorKeepsSessionOpen(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	conn := dialWS(t, srv)
	expectType(t, conn, protocol.TypeWelcome)

	sendRaw(t, conn, `not even json`)
	env := expectType(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	_ = json.Unmarshal(env.Data, &em)
	if em.Code != protocol.CodeMalformedEnvelope {
		t.Errorf("error code = %q, want %q", em.Code, protocol.CodeMalformedEnvelope)
	}

	// The session survived; a ping still answers.
	sendRaw(t, conn, `{"type":"ping"}`)
	expectType(t, conn, protocol.TypePong)
}

func TestTeamEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	conn := dialWS(t, srv)
	expectType(t, conn, protocol.TypeWelcome)
	authenticate(t, conn, "alpha-1", "d1")
	sendRaw(t, conn, `{"type":"location_update","data":{"coordinates":{"latitude":37.77,"longitude":-122.41}}}`)

	// The location write is applied by the read pump; poll briefly.
	var members []protocol.TeamMember
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/api/v1/team")
		if err != nil {
			t.Fatalf("GET /api/v1/team failed: %v", err)
		}
		var body struct {
			Members []protocol.TeamMember `json:"members"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("decode team response: %v", err)
		}
		members = body.Members
		if len(members) == 1 && members[0].Location != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(members) != 1 || members[0].UserID != "alpha-1" {
		t.Fatalf("team members = %+v, want alpha-1", members)
	}
	if members[0].Location == nil || members[0].Location.Latitude != 37.77 {
		t.Errorf("member location = %+v, want lat 37.77", members[0].Location)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	for _, path := range []string{"/api/v1/health", "/api/v1/health/live", "/api/v1/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "fieldtrack_") {
		t.Error("metrics exposition missing fieldtrack_ series")
	}
}
