package monitor

import "relaymon/internal/model"

// maxScaleFloor keeps chart scaling sane when the relay is quiet.
const maxScaleFloor = 50

// Merge folds one poll's samples into the previous records, turning the
// cumulative counters into bounded delta histories. With skipUpdates the
// histories carry over untouched so a structural refresh (add, remove,
// enable, disable) never advances the time series. Records come back in
// sample order with status still pending; peers the tool no longer
// reports are dropped.
func Merge(prev map[string]model.PeerRecord, samples []model.PeerSample, historySize int, skipUpdates bool) ([]model.PeerRecord, uint64) {
	hosts := make([]model.PeerRecord, 0, len(samples))
	var maxScale uint64 = maxScaleFloor

	for _, sample := range samples {
		if !sample.Enabled {
			hosts = append(hosts, model.PeerRecord{Name: sample.Name, Status: model.StatusDisabled})
			continue
		}

		rec := model.PeerRecord{
			Name:          sample.Name,
			Status:        model.StatusPending,
			VirtualIP:     model.Ptr(sample.VirtualIP),
			RemoteIP:      sample.RemoteIP,
			RemotePort:    sample.RemotePort,
			TotalReceived: model.Ptr(sample.TotalReceived),
			TotalSent:     model.Ptr(sample.TotalSent),
			LastSeen:      sample.LastSeen,
		}

		old, known := prev[sample.Name]
		switch {
		case skipUpdates:
			if known {
				rec.BytesReceived = old.BytesReceived
				rec.BytesSent = old.BytesSent
			} else {
				rec.BytesReceived = []uint64{}
				rec.BytesSent = []uint64{}
			}
		case known:
			rec.BytesReceived = appendBounded(old.BytesReceived, delta(sample.TotalReceived, old.TotalRx()), historySize)
			rec.BytesSent = appendBounded(old.BytesSent, delta(sample.TotalSent, old.TotalTx()), historySize)
		default:
			rec.BytesReceived = []uint64{0}
			rec.BytesSent = []uint64{0}
		}

		if m := maxOf(rec.BytesReceived); m > maxScale {
			maxScale = m
		}
		if m := maxOf(rec.BytesSent); m > maxScale {
			maxScale = m
		}
		hosts = append(hosts, rec)
	}
	return hosts, maxScale
}

// delta clamps at zero so a counter reset (tool restart, peer re-add)
// records no traffic instead of a negative spike.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// appendBounded returns a fresh slice holding hist plus v, truncated to
// the newest size entries.
func appendBounded[T any](hist []T, v T, size int) []T {
	out := make([]T, 0, len(hist)+1)
	out = append(out, hist...)
	out = append(out, v)
	if len(out) > size {
		out = out[len(out)-size:]
	}
	return out
}

func maxOf(vals []uint64) uint64 {
	var m uint64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
