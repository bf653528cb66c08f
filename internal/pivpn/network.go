package pivpn

import (
	"net/netip"
	"os"
	"strings"
)

// defaultNetwork matches a stock pivpn WireGuard install, used when
// setupVars.conf is missing or unreadable.
var defaultNetwork = netip.MustParsePrefix("10.6.0.0/24")

// ReadNetwork derives the relay's client network from the tool's
// setupVars.conf (pivpnNET plus subnetClass).
func ReadNetwork(path string) netip.Prefix {
	vars, err := readSetupVars(path)
	if err != nil {
		return defaultNetwork
	}
	net := vars["pivpnNET"]
	if net == "" {
		net = "10.6.0.0"
	}
	class := vars["subnetClass"]
	if class == "" {
		class = "24"
	}
	p, err := netip.ParsePrefix(net + "/" + class)
	if err != nil {
		return defaultNetwork
	}
	return p.Masked()
}

// readSetupVars parses the KEY=VALUE shell-style file pivpn writes at
// install time. Values may be single or double quoted.
func readSetupVars(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		value = strings.Trim(value, `'`)
		vars[strings.TrimSpace(key)] = value
	}
	return vars, nil
}
