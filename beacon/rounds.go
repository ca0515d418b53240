// Package beacon maps wall-clock times onto drand beacon rounds and derives
// the round-bound key masks used by timelocked listings.
package beacon

import "errors"

// ErrInvalidTimestamp is returned when a round is requested for a time at or
// before the beacon genesis.
var ErrInvalidTimestamp = errors.New("beacon: timestamp not after genesis")

// Quicknet chain parameters. The chain hash identifies the drand quicknet
// network served by the public HTTP relays.
const (
	QuicknetChainHash = "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971"
	QuicknetGenesis   = int64(1692803367)
	QuicknetPeriod    = int64(3)
)

// Config fixes the genesis timestamp of round 0 and the period in seconds
// between successive rounds. Both are configuration, never derived.
type Config struct {
	Genesis int64
	Period  int64
}

// Quicknet returns the round schedule of the drand quicknet network.
func Quicknet() Config {
	return Config{Genesis: QuicknetGenesis, Period: QuicknetPeriod}
}

// RoundForTime returns the beacon round current at time t. The division
// truncates, so the returned round began at or before t.
func (c Config) RoundForTime(t uint64) (uint64, error) {
	if c.Genesis < 0 || t <= uint64(c.Genesis) {
		return 0, ErrInvalidTimestamp
	}
	return (t - uint64(c.Genesis)) / uint64(c.Period), nil
}

// TimeForRound returns the timestamp at which the given round opens.
// RoundForTime(TimeForRound(r)) == r for all r, but the converse may lose up
// to Period-1 seconds to truncation.
func (c Config) TimeForRound(round uint64) uint64 {
	return uint64(c.Genesis) + round*uint64(c.Period)
}

// RoundAfter returns the first round that opens at or after time t. It is the
// scheduling helper for callers that have a release time and need the round
// to lock against.
func (c Config) RoundAfter(t uint64) (uint64, error) {
	round, err := c.RoundForTime(t)
	if err != nil {
		return 0, err
	}
	if c.TimeForRound(round) < t {
		round++
	}
	return round, nil
}

// IsRoundReached reports whether the round has opened at time now.
func (c Config) IsRoundReached(round, now uint64) bool {
	return now >= c.TimeForRound(round)
}
