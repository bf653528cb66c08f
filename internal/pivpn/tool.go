package pivpn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaymon/internal/config"
	"relaymon/internal/execx"
	"relaymon/internal/model"
)

var (
	// ErrInvalidName rejects client names the tool (and our file paths)
	// cannot safely take.
	ErrInvalidName = errors.New("invalid client name")
	// ErrExists is returned when the tool reports a duplicate client.
	ErrExists = errors.New("client already exists")
	// ErrInvalidAddress rejects a requested static IP outside the relay
	// network, or one that does not parse at all.
	ErrInvalidAddress = errors.New("invalid client address")
)

// Tool invokes the pivpn CLI. It is injectable for unit tests, and every
// invocation is bounded by Timeout so a hung tool cannot wedge a caller.
type Tool struct {
	r       execx.Runner
	cfg     config.PiVPNConfig
	Timeout time.Duration
}

func NewTool(r execx.Runner, cfg config.PiVPNConfig, timeout time.Duration) *Tool {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Tool{r: r, cfg: cfg, Timeout: timeout}
}

// ClientStatus polls the tool for the current peer table. A non-zero exit
// fails the whole poll; the caller decides what a lost cycle means.
func (t *Tool) ClientStatus(ctx context.Context) ([]model.PeerSample, error) {
	out, err := t.output(ctx, "-c", "-b")
	if err != nil {
		return nil, fmt.Errorf("%s -c -b: %w", t.cfg.Bin, err)
	}
	return ParseClientStatus(out), nil
}

// Roster lists the configured clients regardless of connection state.
func (t *Tool) Roster(ctx context.Context) ([]RosterEntry, error) {
	out, err := t.output(ctx, "-l")
	if err != nil {
		return nil, fmt.Errorf("%s -l: %w", t.cfg.Bin, err)
	}
	return ParseRoster(out), nil
}

// Add creates a new client. ip may be empty or "auto" for pool
// assignment; a static ip must fall inside the relay network.
func (t *Tool) Add(ctx context.Context, name, ip string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	args := []string{"-a", "-n", name}
	if ip == "" || strings.EqualFold(ip, "auto") {
		args = append(args, "-ip", "auto")
	} else {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
		}
		network := t.Network()
		if !network.Contains(addr) {
			return fmt.Errorf("%w: %s outside %s", ErrInvalidAddress, ip, network)
		}
		args = append(args, "-ip", ip)
	}
	out, err := t.output(ctx, args...)
	if err != nil {
		if strings.Contains(out, "already exists") || strings.Contains(err.Error(), "already exists") {
			return ErrExists
		}
		return fmt.Errorf("%s -a: %w", t.cfg.Bin, err)
	}
	return nil
}

// Remove deletes a client.
func (t *Tool) Remove(ctx context.Context, name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	return t.run(ctx, "-r", "-y", name)
}

// Enable re-activates a disabled client.
func (t *Tool) Enable(ctx context.Context, name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	return t.run(ctx, "-on", "-y", name)
}

// Disable deactivates a client without deleting it.
func (t *Tool) Disable(ctx context.Context, name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	return t.run(ctx, "-off", "-y", name)
}

// ClientConfig reads a client's WireGuard config file.
func (t *Tool) ClientConfig(name string) ([]byte, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	return os.ReadFile(t.ConfigPath(name))
}

// ConfigPath is where the tool keeps a client's config file.
func (t *Tool) ConfigPath(name string) string {
	return filepath.Join(t.cfg.ClientsDir, name+".conf")
}

// QRCode renders a client's config as a PNG via qrencode.
func (t *Tool) QRCode(ctx context.Context, name string) ([]byte, error) {
	conf, err := t.ClientConfig(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.bound(ctx)
	defer cancel()
	png, err := t.r.Capture(ctx, conf, "qrencode", "-s", "8", "-t", "PNG", "-o", "-")
	if err != nil {
		return nil, fmt.Errorf("qrencode: %w", err)
	}
	return png, nil
}

// Network is the relay's client network, read from the tool's setupVars.
func (t *Tool) Network() netip.Prefix {
	return ReadNetwork(t.cfg.SetupVars)
}

func (t *Tool) run(ctx context.Context, args ...string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.r.Run(ctx, t.cfg.Bin, args...)
}

func (t *Tool) output(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.r.Output(ctx, t.cfg.Bin, args...)
}

func (t *Tool) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.Timeout > 0 {
		return context.WithTimeout(ctx, t.Timeout)
	}
	return context.WithCancel(ctx)
}

// ValidName reports whether name is safe to pass to the tool and to use
// as a config filename.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
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
