package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"relaymon/internal/execx"
)

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

const activeStatus = `● wg-quick@wg0.service - WireGuard via wg-quick(8) for wg0
     Loaded: loaded (/lib/systemd/system/wg-quick@.service; enabled)
     Active: active (exited) since Wed 2024-06-05 09:00:12 UTC; 3h ago
   Main PID: 612 (code=exited, status=0/SUCCESS)
`

const inactiveStatus = `○ wg-quick@wg0.service - WireGuard via wg-quick(8) for wg0
     Loaded: loaded (/lib/systemd/system/wg-quick@.service; enabled)
     Active: inactive (dead) since Wed 2024-06-05 11:40:01 UTC; 1min ago
`

const wgShowOutput = `interface: wg0
  public key: hIzny6eDLUSzxVUJ2IUtBRDQv6NNYeijKieuQEdXEDE=
  private key: (hidden)
  listening port: 51820

peer: aLicEPubKey111=
  endpoint: 203.0.113.7:51820
  allowed ips: 10.6.0.2/32
`

func TestStatus_ParsesActiveLine(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{out: activeStatus}
	m := NewManager(rr, t.TempDir(), time.Second)

	st, err := m.Status(context.Background(), "wg0")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Unit != "wg-quick@wg0.service" {
		t.Fatalf("unit=%q", st.Unit)
	}
	if st.Active != "active" {
		t.Fatalf("active=%q", st.Active)
	}
	if !strings.HasPrefix(st.StatusText, "active (exited)") {
		t.Fatalf("status_text=%q", st.StatusText)
	}
	if len(rr.cmds) != 1 || rr.cmds[0] != "systemctl status wg-quick@wg0.service" {
		t.Fatalf("cmds=%v", rr.cmds)
	}
}

func TestStatus_ToleratesInactiveExitCode(t *testing.T) {
	t.Parallel()

	// systemctl status exits 3 for inactive units but still prints state.
	rr := &recordRunner{out: inactiveStatus, err: errors.New("exit status 3")}
	m := NewManager(rr, t.TempDir(), time.Second)

	st, err := m.Status(context.Background(), "wg0")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Active != "inactive" {
		t.Fatalf("active=%q", st.Active)
	}
}

func TestStatus_UnparseableFailurePropagates(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{out: "", err: errors.New("exit status 4: no such unit")}
	m := NewManager(rr, t.TempDir(), time.Second)

	st, err := m.Status(context.Background(), "wg0")
	if err == nil {
		t.Fatal("expected error")
	}
	if st.Active != "unknown" {
		t.Fatalf("active=%q", st.Active)
	}
}

func TestStatus_RejectsBadInterfaceName(t *testing.T) {
	t.Parallel()

	m := NewManager(&recordRunner{}, t.TempDir(), time.Second)
	for _, iface := range []string{"", "wg0; rm -rf /", "../wg0", "wg 0"} {
		if _, err := m.Status(context.Background(), iface); !errors.Is(err, ErrInvalidInterface) {
			t.Errorf("iface=%q err=%v", iface, err)
		}
	}
}

func TestStartStop_RunSystemctl(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	m := NewManager(rr, t.TempDir(), time.Second)

	if err := m.Start(context.Background(), "wg0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background(), "wg0"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{
		"systemctl start wg-quick@wg0.service",
		"systemctl stop wg-quick@wg0.service",
	}
	if !reflect.DeepEqual(rr.cmds, want) {
		t.Fatalf("cmds=%v", rr.cmds)
	}
}

func TestInfo_ParsesWgShow(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{out: wgShowOutput}
	m := NewManager(rr, t.TempDir(), time.Second)

	info, err := m.Info(context.Background(), "wg0")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Up {
		t.Fatal("up=false")
	}
	if info.PublicKey != "hIzny6eDLUSzxVUJ2IUtBRDQv6NNYeijKieuQEdXEDE=" {
		t.Fatalf("public_key=%q", info.PublicKey)
	}
	if info.ListeningPort != 51820 {
		t.Fatalf("port=%d", info.ListeningPort)
	}
}

func TestInfo_DownInterfaceIsNotAnError(t *testing.T) {
	t.Parallel()

	m := NewManager(&recordRunner{out: ""}, t.TempDir(), time.Second)
	info, err := m.Info(context.Background(), "wg0")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Up || info.PublicKey != "" || info.ListeningPort != 0 {
		t.Fatalf("info=%+v", info)
	}
}

func TestInterfaces_ScansConfigDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"wg1.conf", "wg0.conf", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.conf"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewManager(&recordRunner{}, dir, time.Second)
	ifaces, err := m.Interfaces()
	if err != nil {
		t.Fatalf("Interfaces: %v", err)
	}
	if !reflect.DeepEqual(ifaces, []string{"wg0", "wg1"}) {
		t.Fatalf("ifaces=%v", ifaces)
	}
}

func TestInterfaces_MissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	m := NewManager(&recordRunner{}, filepath.Join(t.TempDir(), "absent"), time.Second)
	ifaces, err := m.Interfaces()
	if err != nil {
		t.Fatalf("Interfaces: %v", err)
	}
	if len(ifaces) != 0 {
		t.Fatalf("ifaces=%v", ifaces)
	}
}
