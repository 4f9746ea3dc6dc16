package wire

import "time"

// vhdEpoch is the VHD format's zero point: 2000-01-01 00:00:00 UTC
//. All on-disk timestamps are seconds since this instant.
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ToVHDTimestamp converts a time.Time to the on-disk u32 timestamp.
func ToVHDTimestamp(t time.Time) uint32 {
	d := t.Sub(vhdEpoch)
	if d < 0 {
		return 0
	}
	return uint32(d.Seconds())
}

// FromVHDTimestamp converts an on-disk u32 timestamp to a time.Time.
func FromVHDTimestamp(ts uint32) time.Time {
	return vhdEpoch.Add(time.Duration(ts) * time.Second)
}
