package timesync

import "math"

const (
	defaultHardResetThresholdSec = 0.2
	defaultAdjustmentRatio       = 0.01
)

// NetworkTimeSystem tracks LocalTime and ServerTime in seconds. On the server
// both equal elapsed wall time. On a client, Sync feeds authoritative server
// time and Advance steers both clocks toward the RTT-adjusted targets.
type NetworkTimeSystem struct {
	localBufferSec        float64
	serverBufferSec       float64
	hardResetThresholdSec float64
	adjustmentRatio       float64

	isServer bool

	localTimeSec  float64
	serverTimeSec float64

	lastSyncedServerTimeSec float64
	lastSyncedRttSec        float64
	timeSinceLastSyncSec    float64
	hasSynced               bool
}

// ServerTimeSystem is authoritative: it never corrects.
func ServerTimeSystem() *NetworkTimeSystem {
	return &NetworkTimeSystem{isServer: true}
}

// NewNetworkTimeSystem builds a client time system. localBufferSec keeps
// LocalTime ahead of the server so inputs arrive in time; serverBufferSec keeps
// ServerTime slightly behind so interpolation has data to work with.
func NewNetworkTimeSystem(localBufferSec, serverBufferSec, hardResetThresholdSec float64) *NetworkTimeSystem {
	if hardResetThresholdSec <= 0 {
		hardResetThresholdSec = defaultHardResetThresholdSec
	}

	return &NetworkTimeSystem{
		localBufferSec:        localBufferSec,
		serverBufferSec:       serverBufferSec,
		hardResetThresholdSec: hardResetThresholdSec,
		adjustmentRatio:       defaultAdjustmentRatio,
	}
}

func (s *NetworkTimeSystem) IsServer() bool {
	return s.isServer
}

func (s *NetworkTimeSystem) LocalTime() float64 {
	return s.localTimeSec
}

func (s *NetworkTimeSystem) ServerTime() float64 {
	return s.serverTimeSec
}

func (s *NetworkTimeSystem) HasSynced() bool {
	return s.isServer || s.hasSynced
}

// Advance moves both clocks by deltaTimeSec and returns true if a hard reset
// snapped them to their targets.
func (s *NetworkTimeSystem) Advance(deltaTimeSec float64) bool {
	if deltaTimeSec < 0 {
		deltaTimeSec = 0
	}

	s.localTimeSec += deltaTimeSec
	s.serverTimeSec += deltaTimeSec

	if s.isServer || !s.hasSynced {
		return false
	}

	s.timeSinceLastSyncSec += deltaTimeSec
	estimatedServerSec := s.lastSyncedServerTimeSec + s.timeSinceLastSyncSec

	targetServerSec := estimatedServerSec + s.lastSyncedRttSec/2 - s.serverBufferSec
	targetLocalSec := estimatedServerSec + s.lastSyncedRttSec + s.localBufferSec

	if math.Abs(targetServerSec-s.serverTimeSec) > s.hardResetThresholdSec ||
		math.Abs(targetLocalSec-s.localTimeSec) > s.hardResetThresholdSec {
		s.serverTimeSec = targetServerSec
		s.localTimeSec = targetLocalSec
		return true
	}

	s.serverTimeSec += (targetServerSec - s.serverTimeSec) * s.adjustmentRatio
	s.localTimeSec += (targetLocalSec - s.localTimeSec) * s.adjustmentRatio

	return false
}

// Sync records an authoritative server time. rttSec is folded in as a
// one-way latency estimate on the next Advance. The first Sync snaps.
func (s *NetworkTimeSystem) Sync(serverTimeSec, rttSec float64) {
	if s.isServer {
		return
	}

	s.lastSyncedServerTimeSec = serverTimeSec
	s.lastSyncedRttSec = rttSec
	s.timeSinceLastSyncSec = 0

	if !s.hasSynced {
		s.hasSynced = true
		s.serverTimeSec = serverTimeSec + rttSec/2 - s.serverBufferSec
		s.localTimeSec = serverTimeSec + rttSec + s.localBufferSec
	}
}

// Reset returns the system to time zero, e.g. when a session restarts.
func (s *NetworkTimeSystem) Reset() {
	s.localTimeSec = 0
	s.serverTimeSec = 0
	s.lastSyncedServerTimeSec = 0
	s.lastSyncedRttSec = 0
	s.timeSinceLastSyncSec = 0
	s.hasSynced = false
}
