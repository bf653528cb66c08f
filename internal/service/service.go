package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"relaymon/internal/execx"
)

// ErrInvalidInterface rejects interface names that cannot safely reach a
// shell-adjacent tool.
var ErrInvalidInterface = errors.New("invalid interface name")

// UnitStatus is the parsed state of a wg-quick systemd unit.
type UnitStatus struct {
	Unit       string `json:"unit"`
	Active     string `json:"active"` // active, inactive, failed, unknown
	StatusText string `json:"status_text"`
}

// InterfaceInfo is what `wg show <iface>` reports for a live interface.
// Zero-valued when the interface is down.
type InterfaceInfo struct {
	Interface     string `json:"interface"`
	PublicKey     string `json:"public_key,omitempty"`
	ListeningPort int    `json:"listening_port,omitempty"`
	Up            bool   `json:"up"`
}

// Manager starts, stops and inspects the relay's WireGuard units.
type Manager struct {
	r         execx.Runner
	configDir string
	Timeout   time.Duration
}

func NewManager(r execx.Runner, configDir string, timeout time.Duration) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r, configDir: configDir, Timeout: timeout}
}

// Interfaces lists the WireGuard interfaces configured on the relay,
// derived from *.conf files in the server config directory.
func (m *Manager) Interfaces() ([]string, error) {
	entries, err := os.ReadDir(m.configDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names, nil
}

// Status reports the systemd state of the wg-quick unit for iface.
// systemctl exits 3 for inactive units while still printing the state,
// so a non-zero exit with parseable output is not an error.
func (m *Manager) Status(ctx context.Context, iface string) (UnitStatus, error) {
	if !validIface(iface) {
		return UnitStatus{}, ErrInvalidInterface
	}
	unit := unitName(iface)
	ctx, cancel := m.bound(ctx)
	defer cancel()

	out, err := m.r.Output(ctx, "systemctl", "status", unit)
	st := ParseUnitStatus(out)
	st.Unit = unit
	if err != nil && st.Active == "unknown" {
		return st, fmt.Errorf("systemctl status %s: %w", unit, err)
	}
	return st, nil
}

// Start brings the wg-quick unit up.
func (m *Manager) Start(ctx context.Context, iface string) error {
	return m.action(ctx, "start", iface)
}

// Stop takes the wg-quick unit down.
func (m *Manager) Stop(ctx context.Context, iface string) error {
	return m.action(ctx, "stop", iface)
}

func (m *Manager) action(ctx context.Context, verb, iface string) error {
	if !validIface(iface) {
		return ErrInvalidInterface
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()
	if err := m.r.Run(ctx, "systemctl", verb, unitName(iface)); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, unitName(iface), err)
	}
	return nil
}

// Info inspects a live interface via `wg show`. A down interface produces
// empty output and Up=false, not an error.
func (m *Manager) Info(ctx context.Context, iface string) (InterfaceInfo, error) {
	if !validIface(iface) {
		return InterfaceInfo{}, ErrInvalidInterface
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()

	out, err := m.r.Output(ctx, "wg", "show", iface)
	if err != nil {
		return InterfaceInfo{}, fmt.Errorf("wg show %s: %w", iface, err)
	}
	info := ParseInterfaceInfo(out)
	info.Interface = iface
	return info, nil
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.Timeout > 0 {
		return context.WithTimeout(ctx, m.Timeout)
	}
	return context.WithCancel(ctx)
}

// ParseUnitStatus extracts the Active: line from systemctl status output.
func ParseUnitStatus(out string) UnitStatus {
	st := UnitStatus{Active: "unknown", StatusText: ""}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "Active:")
		if !ok {
			continue
		}
		st.StatusText = strings.TrimSpace(rest)
		switch {
		case strings.HasPrefix(st.StatusText, "active"):
			st.Active = "active"
		case strings.HasPrefix(st.StatusText, "inactive"):
			st.Active = "inactive"
		case strings.HasPrefix(st.StatusText, "failed"):
			st.Active = "failed"
		}
		break
	}
	return st
}

// ParseInterfaceInfo extracts the public key and listening port from
// `wg show <iface>` output.
func ParseInterfaceInfo(out string) InterfaceInfo {
	info := InterfaceInfo{}
	if strings.TrimSpace(out) == "" {
		return info
	}
	info.Up = true
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "public key:"); ok {
			info.PublicKey = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "listening port:"); ok {
			if port, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				info.ListeningPort = port
			}
		}
	}
	return info
}

func unitName(iface string) string {
	return "wg-quick@" + iface + ".service"
}

func validIface(iface string) bool {
	if iface == "" {
		return false
	}
	for _, r := range iface {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
