package monitor

import "relaymon/internal/model"

// Classify derives a peer's liveness from its cumulative received counter
// and its delta history, most recent entry last.
//
// A peer that never received anything, or that has been silent for the
// whole offline window, is offline; silent for the full history is idle;
// fresh inbound traffic is online; everything else is still caching.
// The zero-total rule wins even over a nonzero last entry.
func Classify(totalReceived uint64, rxHistory []uint64, historySize, offlineAfter int) model.Status {
	switch {
	case totalReceived == 0 || trailingZeros(rxHistory, offlineAfter):
		return model.StatusOffline
	case trailingZeros(rxHistory, historySize):
		return model.StatusIdle
	case len(rxHistory) > 0 && rxHistory[len(rxHistory)-1] > 0:
		return model.StatusOnline
	default:
		return model.StatusCaching
	}
}

// trailingZeros reports whether hist has at least n entries and the last
// n are all zero.
func trailingZeros(hist []uint64, n int) bool {
	if n <= 0 || len(hist) < n {
		return false
	}
	for _, v := range hist[len(hist)-n:] {
		if v != 0 {
			return false
		}
	}
	return true
}
