package session

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/message"
)

const (
	defaultTickRate                      = 30
	defaultClientConnectionBufferTimeout = 10 * time.Second
	defaultTimeResyncIntervalSec         = 1
)

// NetworkPrefab is one entry of the spawnable object catalog. NewBehaviours
// builds the RPC targets of a fresh instance, indexed by behaviour index.
type NetworkPrefab struct {
	Hash          uint32
	Name          string
	NewBehaviours func() []any
}

type NetworkConfig struct {
	ProtocolVersion uint16
	TickRate        uint32

	// How long a transport peer may stay pending before it is disconnected.
	// Clients use the same value for their own approval deadline.
	ClientConnectionBufferTimeout time.Duration

	ConnectionApproval bool
	// Sent by clients in their ConnectionRequest.
	ConnectionData []byte

	// Seconds of server time between TimeSync broadcasts.
	TimeResyncIntervalSec uint32

	EnableMessageBatching bool
	MaxBatchSize          int

	CreatePlayerObject bool
	PlayerPrefabHash   uint32
	Prefabs            []NetworkPrefab

	MaxConnections int

	// Client clock tuning, see timesync.NewNetworkTimeSystem
	ClientLocalBufferSec        float64
	ClientServerBufferSec       float64
	ClientHardResetThresholdSec float64
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.TickRate == 0 {
		c.TickRate = defaultTickRate
	}
	if c.ClientConnectionBufferTimeout <= 0 {
		c.ClientConnectionBufferTimeout = defaultClientConnectionBufferTimeout
	}
	if c.TimeResyncIntervalSec == 0 {
		c.TimeResyncIntervalSec = defaultTimeResyncIntervalSec
	}
	return c
}

// GetConfigChecksum is the FNV-1a 64 hash of every setting both ends of a
// connection must agree on. Defaults are applied first, so an unset field
// hashes the same as its default.
func (c NetworkConfig) GetConfigChecksum() uint64 {
	cfg := c.withDefaults()

	w := message.NewWriter(32 + 4*len(cfg.Prefabs))
	w.WriteUint16(cfg.ProtocolVersion)
	w.WriteUint32(cfg.TickRate)
	w.WriteBool(cfg.ConnectionApproval)
	w.WriteUint32(cfg.PlayerPrefabHash)

	hashes := make([]uint32, 0, len(cfg.Prefabs))
	for _, prefab := range cfg.Prefabs {
		hashes = append(hashes, prefab.Hash)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	for _, hash := range hashes {
		w.WriteUint32(hash)
	}

	h := fnv.New64a()
	h.Write(w.Bytes())
	return h.Sum64()
}
