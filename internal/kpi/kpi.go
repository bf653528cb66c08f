package kpi

import (
	"fmt"
	"math"
	"sort"
	"time"

	"relaymon/internal/model"
)

// Summary is the dashboard's aggregate view of one snapshot. Field names
// are part of the API contract.
type Summary struct {
	TotalClients    int   `json:"total_clients"`
	OnlineClients   int   `json:"online_clients"`
	EnabledClients  int   `json:"enabled_clients"`
	DisabledClients int   `json:"disabled_clients"`

	StatusCounts map[model.Status]int `json:"status_counts"`

	AggregateReceived uint64 `json:"aggregate_traffic_received"`
	AggregateSent     uint64 `json:"aggregate_traffic_sent"`
	TotalTraffic      string `json:"total_traffic"`

	TimeseriesReceived []uint64 `json:"timeseries_received"`
	TimeseriesSent     []uint64 `json:"timeseries_sent"`
	TimeseriesLabels   []int64  `json:"timeseries_labels"`

	TopClients    []TopClient    `json:"top_clients"`
	RecentClients []RecentClient `json:"recent_clients"`

	LastUpdate *int64 `json:"last_update"`
}

// TopClient ranks a peer by cumulative traffic in both directions.
type TopClient struct {
	Name                  string `json:"name"`
	TotalTraffic          uint64 `json:"total_traffic"`
	TotalTrafficFormatted string `json:"total_traffic_formatted"`
}

// RecentClient is an online peer ordered by when the tool last saw it.
type RecentClient struct {
	Name     string  `json:"name"`
	LastSeen *string `json:"last_seen,omitempty"`
}

// countedStatuses is what the dashboard tallies; pending never survives a
// merge, so it has no bucket.
var countedStatuses = []model.Status{
	model.StatusOnline, model.StatusCaching, model.StatusIdle,
	model.StatusOffline, model.StatusDisabled,
}

// Build computes the dashboard aggregates for one snapshot. Pure.
func Build(snap model.Snapshot) Summary {
	sum := Summary{
		StatusCounts:       make(map[model.Status]int, len(countedStatuses)),
		TimeseriesReceived: []uint64{},
		TimeseriesSent:     []uint64{},
		TimeseriesLabels:   snap.UpdateTimestamps,
		TopClients:         []TopClient{},
		RecentClients:      []RecentClient{},
		TotalTraffic:       FormatBytes(0),
		LastUpdate:         snap.LastUpdate,
	}
	if sum.TimeseriesLabels == nil {
		sum.TimeseriesLabels = []int64{}
	}
	for _, st := range countedStatuses {
		sum.StatusCounts[st] = 0
	}

	// The series is as wide as the longest history; shorter peers simply
	// contribute nothing to the older columns.
	width := 0
	for _, h := range snap.Hosts {
		if len(h.BytesReceived) > width {
			width = len(h.BytesReceived)
		}
		if len(h.BytesSent) > width {
			width = len(h.BytesSent)
		}
	}
	sum.TimeseriesReceived = make([]uint64, width)
	sum.TimeseriesSent = make([]uint64, width)

	var online []model.PeerRecord
	for _, host := range snap.Hosts {
		if _, ok := sum.StatusCounts[host.Status]; ok {
			sum.StatusCounts[host.Status]++
		}
		if host.Status == model.StatusOnline {
			sum.OnlineClients++
			online = append(online, host)
		}
		if host.Status == model.StatusDisabled {
			sum.DisabledClients++
		} else {
			sum.EnabledClients++
		}

		sum.AggregateReceived += host.TotalRx()
		sum.AggregateSent += host.TotalTx()
		addSeries(sum.TimeseriesReceived, host.BytesReceived)
		addSeries(sum.TimeseriesSent, host.BytesSent)

		if total := host.TotalRx() + host.TotalTx(); total > 0 {
			sum.TopClients = append(sum.TopClients, TopClient{
				Name:                  host.Name,
				TotalTraffic:          total,
				TotalTrafficFormatted: FormatBytes(total),
			})
		}
	}

	sum.TotalClients = len(snap.Hosts)
	sum.TotalTraffic = FormatBytes(sum.AggregateReceived + sum.AggregateSent)

	sort.SliceStable(sum.TopClients, func(i, j int) bool {
		return sum.TopClients[i].TotalTraffic > sum.TopClients[j].TotalTraffic
	})
	if len(sum.TopClients) > 5 {
		sum.TopClients = sum.TopClients[:5]
	}

	sort.SliceStable(online, func(i, j int) bool {
		return lastSeenUnix(online[i]) > lastSeenUnix(online[j])
	})
	for i, host := range online {
		if i == 5 {
			break
		}
		sum.RecentClients = append(sum.RecentClients, RecentClient{Name: host.Name, LastSeen: host.LastSeen})
	}

	return sum
}

func addSeries(dst []uint64, src []uint64) {
	for i, v := range src {
		if i < len(dst) {
			dst[i] += v
		}
	}
}

// lastSeenUnix orders peers by the snapshot's ISO last-seen field; peers
// the tool never saw (or reported in an unparseable form) sort last.
func lastSeenUnix(host model.PeerRecord) int64 {
	if host.LastSeen == nil {
		return 0
	}
	t, err := time.Parse("2006-01-02T15:04:05", *host.LastSeen)
	if err != nil {
		return 0
	}
	return t.Unix()
}

var byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count with 1024-based units, two decimals.
func FormatBytes(b uint64) string {
	if b == 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(b)) / math.Log(1024)))
	if i >= len(byteUnits) {
		i = len(byteUnits) - 1
	}
	return fmt.Sprintf("%.2f %s", float64(b)/math.Pow(1024, float64(i)), byteUnits[i])
}
