package fragment

import "time"

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
//
// A Reassembler uses both methods: Now stamps each partial packet when a
// fragment arrives and is compared with the idle timeout during a sweep,
// and NewTicker paces the sweeps that Run performs. A test provider can
// return a ticker with a long period and call Sweep directly after moving
// its clock, so expiry never depends on wall time.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker returns the ticker that drives Reassembler.Run sweeps.
	NewTicker(d time.Duration) *time.Ticker
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// getTimeProvider returns the provided TimeProvider if non-nil,
// otherwise returns RealTimeProvider.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}
