package db

// Reading represents one telemetry observation from a smart plug.
// Timestamp is unix seconds.
type Reading struct {
	FriendlyName string
	Timestamp    int64
	Current      float64
	Energy       float64
	Power        int
	Voltage      int
}

// StoredReading represents a persisted reading row
type StoredReading struct {
	ID int64
	Reading
}

// Synthetic returns a zero-draw copy of r stamped at timestamp.
// Energy and voltage are carried over; current and power are forced to zero.
func (r Reading) Synthetic(timestamp int64) Reading {
	return Reading{
		FriendlyName: r.FriendlyName,
		Timestamp:    timestamp,
		Current:      0,
		Energy:       r.Energy,
		Power:        0,
		Voltage:      r.Voltage,
	}
}
