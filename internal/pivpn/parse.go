package pivpn

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"relaymon/internal/model"
)

const (
	connectedMarker = "::: Connected Clients List :::"
	disabledMarker  = "::: Disabled clients :::"
	disabledTag     = "[disabled]"
	noEndpoint      = "(none)"
	neverSeen       = "(not yet)"
)

// toolTimeLayout is the LAST SEEN column format of `pivpn -c`, e.g.
// "Jun 05 2024 - 14:23:01". The lenient day element also accepts "Jun 5".
const toolTimeLayout = "Jan 2 2006 - 15:04:05"

// rosterTimeLayout is the creation date printed by `pivpn -l`, e.g.
// "Mon Jun 03 10:00:00 UTC 2024", after whitespace collapsing.
const rosterTimeLayout = "Mon Jan 2 15:04:05 MST 2006"

// isoLayout is what the snapshot stores for timestamps the tool reported.
const isoLayout = "2006-01-02T15:04:05"

// ParseClientStatus turns `pivpn -c -b` output into peer samples. Lines
// that do not fit the expected shape are dropped; a structurally broken
// report can only ever lose individual peers, never fail the poll.
func ParseClientStatus(out string) []model.PeerSample {
	samples := []model.PeerSample{}
	inConnected := false
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, connectedMarker) {
			inConnected = true
			continue
		}
		if strings.Contains(line, disabledMarker) {
			inConnected = false
			continue
		}
		if line == "" || strings.Contains(line, "Name") || strings.Contains(line, "----") {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, disabledTag) {
			name := firstField(strings.ReplaceAll(trimmed, disabledTag, ""))
			if name == "" {
				continue
			}
			samples = append(samples, model.PeerSample{Name: name})
			continue
		}
		if !inConnected {
			continue
		}
		if sample, ok := parseConnectedLine(trimmed); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// parseConnectedLine decodes one row of the connected table:
// name, endpoint, virtual ip, bytes received, bytes sent, last seen.
// The last seen column contains spaces, so the split is bounded at six.
func parseConnectedLine(line string) (model.PeerSample, bool) {
	parts := splitFields(line, 6)
	if len(parts) != 6 {
		return model.PeerSample{}, false
	}
	rx, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return model.PeerSample{}, false
	}
	tx, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return model.PeerSample{}, false
	}
	s := model.PeerSample{
		Name:          parts[0],
		Enabled:       true,
		VirtualIP:     parts[2],
		TotalReceived: rx,
		TotalSent:     tx,
	}
	s.RemoteIP, s.RemotePort = parseEndpoint(parts[1])
	s.LastSeen = parseLastSeen(parts[5])
	return s, true
}

// parseEndpoint splits "host:port" on the last colon. "(none)" and
// colon-less values mean the peer has no current endpoint. A non-numeric
// port still keeps the host half.
func parseEndpoint(s string) (*string, *uint64) {
	if s == noEndpoint || !strings.Contains(s, ":") {
		return nil, nil
	}
	i := strings.LastIndex(s, ":")
	host := s[:i]
	var port *uint64
	if p := s[i+1:]; allDigits(p) {
		if v, err := strconv.ParseUint(p, 10, 64); err == nil {
			port = &v
		}
	}
	return &host, port
}

// parseLastSeen normalizes the tool's timestamp to ISO-8601. "(not yet)"
// means never; an unexpected format is preserved verbatim rather than lost.
func parseLastSeen(s string) *string {
	s = strings.TrimSpace(s)
	if s == neverSeen {
		return nil
	}
	if t, err := time.Parse(toolTimeLayout, s); err == nil {
		iso := t.Format(isoLayout)
		return &iso
	}
	return &s
}

// RosterEntry is one client from `pivpn -l`.
type RosterEntry struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	CreatedAt string `json:"creation_date"`
}

// ParseRoster extracts the client table from `pivpn -l` output. Parsing
// starts after the table header and stops at the disabled section; the
// table is colored, so ANSI escapes are stripped per line.
func ParseRoster(out string) []RosterEntry {
	entries := []RosterEntry{}
	parsing := false
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, disabledMarker) {
			break
		}
		if parsing {
			cleaned := strings.TrimSpace(stripANSI(line))
			if cleaned == "" {
				continue
			}
			parts := strings.Fields(cleaned)
			if len(parts) >= 5 {
				created := strings.Join(parts[2:], " ")
				if t, err := time.Parse(rosterTimeLayout, created); err == nil {
					created = t.Format("2006-01-02T15:04:00")
				}
				entries = append(entries, RosterEntry{
					Name:      parts[0],
					PublicKey: parts[1],
					CreatedAt: created,
				})
			}
		}
		if strings.Contains(line, "Client") && strings.Contains(line, "Public key") && strings.Contains(line, "Creation date") {
			parsing = true
		}
	}
	return entries
}

// splitFields splits on runs of whitespace into at most n fields; the
// final field keeps its interior spacing.
func splitFields(s string, n int) []string {
	fields := make([]string, 0, n)
	rest := strings.TrimSpace(s)
	for len(fields) < n-1 {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			break
		}
		fields = append(fields, rest[:i])
		rest = strings.TrimLeftFunc(rest[i:], unicode.IsSpace)
	}
	if rest != "" {
		fields = append(fields, rest)
	}
	return fields
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripANSI removes ANSI escape sequences.
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != 0x1b {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		if s[i] == '[' {
			i++
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
		}
	}
	return b.String()
}
