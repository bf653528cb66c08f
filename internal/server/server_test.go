package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"relaymon/internal/api"
	"relaymon/internal/auth"
	"relaymon/internal/config"
	"relaymon/internal/execx"
	"relaymon/internal/model"
	"relaymon/internal/monitor"
	"relaymon/internal/pivpn"
	"relaymon/internal/service"
	"relaymon/internal/snapshot"
)

const toolOutput = `::: Connected Clients List :::
Name    Remote IP            Virtual IP    Bytes Received    Bytes Sent    Last Seen
alice   203.0.113.7:51820    10.6.0.2      150               260           Jun 05 2024 - 14:23:01
::: Disabled clients :::
------------------------------
[disabled] dave
`

type recordRunner struct {
	cmds []string
	out  string
	err  error
}

func (r *recordRunner) Run(ctx context.Context, name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.err
}

func (r *recordRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.out, r.err
}

func (r *recordRunner) Capture(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return []byte(r.out), r.err
}

var _ execx.Runner = (*recordRunner)(nil)

type fixture struct {
	srv   *Server
	store *snapshot.Store
	rr    *recordRunner
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Config{
		Listen:  "127.0.0.1:0",
		DataDir: t.TempDir(),
		Auth: config.AuthConfig{
			Username:       "admin",
			Password:       "hunter2",
			JWTSecret:      strings.Repeat("s", 32),
			SessionMinutes: 30,
		},
		STUNServer: "stun.invalid:19302",
	}
	config.ApplyDefaults(&cfg)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}

	rr := &recordRunner{out: toolOutput}
	tool := pivpn.NewTool(rr, cfg.PiVPN, time.Second)
	store := snapshot.New(filepath.Join(cfg.DataDir, "traffic_data.json"))
	mon := monitor.New(cfg.Monitor, tool, store)
	svc := service.NewManager(rr, cfg.DataDir, time.Second)

	srv := New(cfg, authSvc, mon, tool, svc)

	token, _, err := authSvc.IssueToken("admin")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return &fixture{srv: srv, store: store, rr: rr, token: token}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.token = ""

	rec := f.request(t, http.MethodPost, "/api/login", api.LoginRequest{Username: "admin", Password: "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp api.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" || resp.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("resp=%+v", resp)
	}

	rec = f.request(t, http.MethodPost, "/api/login", api.LoginRequest{Username: "admin", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.token = ""

	// Burst of 5 per IP, then throttled.
	var last int
	for i := 0; i < 6; i++ {
		rec := f.request(t, http.MethodPost, "/api/login", api.LoginRequest{Username: "admin", Password: "wrong"})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status=%d", last)
	}
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// No token.
	f.token = ""
	if rec := f.request(t, http.MethodGet, "/api/snapshot", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", rec.Code)
	}

	// Garbage token.
	f.token = "garbage"
	if rec := f.request(t, http.MethodGet, "/api/snapshot", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", rec.Code)
	}
}

func TestRequireAuth_QueryToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot?token="+f.token, nil)
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSnapshotEndpoint_ReturnsStoredSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seed := model.Snapshot{
		MaxScale: 77,
		Hosts: []model.PeerRecord{{
			Name:          "alice",
			Status:        model.StatusOnline,
			BytesReceived: []uint64{1, 2},
			BytesSent:     []uint64{3, 4},
		}},
		LastUpdate:       model.Ptr(int64(1717596181)),
		UpdateTimestamps: []int64{1717596181},
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := f.request(t, http.MethodGet, "/api/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got model.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxScale != 77 || len(got.Hosts) != 1 || got.Hosts[0].Name != "alice" {
		t.Fatalf("got=%+v", got)
	}
}

func TestRefresh_DoesNotAdvanceHistories(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seed := model.Snapshot{
		Hosts: []model.PeerRecord{{
			Name:          "alice",
			Status:        model.StatusOnline,
			TotalReceived: model.Ptr(uint64(100)),
			TotalSent:     model.Ptr(uint64(200)),
			BytesReceived: []uint64{10, 20},
			BytesSent:     []uint64{1, 2},
		}},
		LastUpdate:       model.Ptr(int64(1717596181)),
		UpdateTimestamps: []int64{1717596181},
	}
	if err := f.store.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := f.request(t, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	snap, err := f.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	alice := snap.HostMap()["alice"]
	if !reflect.DeepEqual(alice.BytesReceived, []uint64{10, 20}) {
		t.Fatalf("rx=%v", alice.BytesReceived)
	}
	// Identity refreshed from the current poll.
	if alice.TotalRx() != 150 {
		t.Fatalf("total=%d", alice.TotalRx())
	}
	if !reflect.DeepEqual(snap.UpdateTimestamps, []int64{1717596181}) {
		t.Fatalf("timestamps=%v", snap.UpdateTimestamps)
	}
}

func TestRefresh_ToolFailureSurfaces(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.rr.err = errTool
	rec := f.request(t, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}
}

var errTool = &toolError{}

type toolError struct{}

func (*toolError) Error() string { return "exit status 1: pivpn broke" }

func TestPeerAdd_InvalidNameRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/peers", api.PeerCreateRequest{Name: "bad name!"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(f.rr.cmds) != 0 {
		t.Fatalf("tool invoked: %v", f.rr.cmds)
	}
}

func TestPeerAdd_DuplicateConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.rr.out = "::: a client with that name already exists"
	f.rr.err = errTool
	rec := f.request(t, http.MethodPost, "/api/peers", api.PeerCreateRequest{Name: "alice"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPeerDisable_RunsToolAndRefreshes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/peers/alice/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(f.rr.cmds) < 2 || f.rr.cmds[0] != "pivpn -off -y alice" {
		t.Fatalf("cmds=%v", f.rr.cmds)
	}
	// The follow-up structural refresh polled the tool.
	if f.rr.cmds[1] != "pivpn -c -b" {
		t.Fatalf("cmds=%v", f.rr.cmds)
	}
}

func TestServiceAction_InvalidInterface(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/service/wg0%3Brm/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
