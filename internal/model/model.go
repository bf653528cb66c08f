package model

// Status describes a peer's liveness as derived from its traffic history.
type Status string

const (
	StatusOnline   Status = "online"
	StatusCaching  Status = "caching"
	StatusIdle     Status = "idle"
	StatusOffline  Status = "offline"
	StatusDisabled Status = "disabled"
	StatusPending  Status = "pending"
)

// PeerSample is one peer's state as reported by a single poll of the
// external tool. Disabled peers carry Name only.
type PeerSample struct {
	Name          string
	Enabled       bool
	VirtualIP     string
	RemoteIP      *string
	RemotePort    *uint64
	TotalReceived uint64
	TotalSent     uint64
	LastSeen      *string
}

// PeerRecord is the persisted per-peer state: identity fields from the
// latest poll plus the bounded delta histories, oldest entry first.
// Disabled peers keep name and status only.
type PeerRecord struct {
	Name          string   `json:"name"`
	Status        Status   `json:"status"`
	VirtualIP     *string  `json:"virtual_ip,omitempty"`
	RemoteIP      *string  `json:"remote_ip,omitempty"`
	RemotePort    *uint64  `json:"remote_port,omitempty"`
	TotalReceived *uint64  `json:"total_bytes_received,omitempty"`
	TotalSent     *uint64  `json:"total_bytes_sent,omitempty"`
	LastSeen      *string  `json:"last_seen,omitempty"`
	BytesReceived []uint64 `json:"bytes_received,omitempty"`
	BytesSent     []uint64 `json:"bytes_sent,omitempty"`
}

// TotalRx returns the cumulative received counter, zero when absent.
func (p PeerRecord) TotalRx() uint64 {
	if p.TotalReceived == nil {
		return 0
	}
	return *p.TotalReceived
}

// TotalTx returns the cumulative sent counter, zero when absent.
func (p PeerRecord) TotalTx() uint64 {
	if p.TotalSent == nil {
		return 0
	}
	return *p.TotalSent
}

// Snapshot is the durable state written after every monitoring cycle.
// Hosts keeps the order the tool reported the peers in.
type Snapshot struct {
	MaxScale         uint64       `json:"max_scale"`
	Hosts            []PeerRecord `json:"hosts"`
	LastUpdate       *int64       `json:"last_update"`
	UpdateTimestamps []int64      `json:"update_timestamps"`
}

// EmptySnapshot is the state a fresh or unreadable store loads as.
func EmptySnapshot() Snapshot {
	return Snapshot{Hosts: []PeerRecord{}, UpdateTimestamps: []int64{}}
}

// HostMap indexes hosts by name. Later duplicates win.
func (s Snapshot) HostMap() map[string]PeerRecord {
	m := make(map[string]PeerRecord, len(s.Hosts))
	for _, h := range s.Hosts {
		m[h.Name] = h
	}
	return m
}

// Normalize replaces nil slices with empty ones so a decoded snapshot
// always serializes arrays, never null.
func (s *Snapshot) Normalize() {
	if s.Hosts == nil {
		s.Hosts = []PeerRecord{}
	}
	if s.UpdateTimestamps == nil {
		s.UpdateTimestamps = []int64{}
	}
}

// Ptr returns a pointer to v, for the optional record fields.
func Ptr[T any](v T) *T {
	return &v
}
