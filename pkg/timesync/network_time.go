package timesync

import "math"

// NetworkTime is a point in tick space: a whole tick plus the fraction of the
// next tick that has already elapsed.
type NetworkTime struct {
	TickRate   uint32
	Tick       int32
	TickOffset float64
}

func NewNetworkTime(tickRate uint32, tick int32, tickOffset float64) NetworkTime {
	return NetworkTime{TickRate: tickRate, Tick: tick, TickOffset: tickOffset}
}

// NetworkTimeFromSeconds splits a time in seconds into tick + remainder.
func NetworkTimeFromSeconds(tickRate uint32, timeSec float64) NetworkTime {
	if tickRate == 0 || timeSec <= 0 {
		return NetworkTime{TickRate: tickRate}
	}

	ticks := timeSec * float64(tickRate)
	whole := math.Floor(ticks)
	return NetworkTime{
		TickRate:   tickRate,
		Tick:       int32(whole),
		TickOffset: ticks - whole,
	}
}

func (t NetworkTime) FixedDeltaTime() float64 {
	if t.TickRate == 0 {
		return 0
	}
	return 1.0 / float64(t.TickRate)
}

// Time returns seconds including the sub-tick remainder.
func (t NetworkTime) Time() float64 {
	return (float64(t.Tick) + t.TickOffset) * t.FixedDeltaTime()
}

// FixedTime returns seconds at the start of the current tick.
func (t NetworkTime) FixedTime() float64 {
	return float64(t.Tick) * t.FixedDeltaTime()
}

func (t NetworkTime) AddSeconds(sec float64) NetworkTime {
	return NetworkTimeFromSeconds(t.TickRate, t.Time()+sec)
}
