package internal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

type DuplicateClientIdError struct {
	Id uint64
}

func (e *DuplicateClientIdError) Error() string {
	return fmt.Sprintf("Attempted to create client with duplicate ID %d", e.Id)
}

type MissingClientIdError struct {
	Id uint64
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%d", e.Id)
}

type TooManyClientsError struct{}

func (e *TooManyClientsError) Error() string {
	return "Too many clients are connected - cannot create new client"
}

type ConnectionState uint8

const (
	ConnectionState_PendingConnection ConnectionState = iota
	ConnectionState_PendingApproval
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_PendingConnection:
		return "PendingConnection"
	case ConnectionState_PendingApproval:
		return "PendingApproval"
	}
	return "Unknown"
}

// PendingClient is a transport peer that has not been approved yet.
type PendingClient struct {
	ClientId        uint64
	ConnectionState ConnectionState
	AcceptTimestamp int64
	Deadline        int64

	// Set while an approval decision is outstanding.
	Decision any
}

type PendingClientStore struct {
	mut_pendingClients sync.RWMutex
	pendingClients     map[uint64]*PendingClient
}

func CreatePendingClientStore() *PendingClientStore {
	return &PendingClientStore{
		mut_pendingClients: sync.RWMutex{},
		pendingClients:     make(map[uint64]*PendingClient),
	}
}

func (store *PendingClientStore) CreateClient(clientId uint64, timestamp int64, deadline int64) error {
	store.mut_pendingClients.Lock()
	defer store.mut_pendingClients.Unlock()

	if _, has := store.pendingClients[clientId]; has {
		return &DuplicateClientIdError{Id: clientId}
	}

	store.pendingClients[clientId] = &PendingClient{
		ClientId:        clientId,
		ConnectionState: ConnectionState_PendingConnection,
		AcceptTimestamp: timestamp,
		Deadline:        deadline,
	}

	return nil
}

func (store *PendingClientStore) HasClient(clientId uint64) bool {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()

	_, has := store.pendingClients[clientId]
	return has
}

func (store *PendingClientStore) GetClient(clientId uint64) (*PendingClient, bool) {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()

	client, has := store.pendingClients[clientId]
	return client, has
}

// RemoveClient reports whether the client was present. Removing an absent id is a no-op.
func (store *PendingClientStore) RemoveClient(clientId uint64) bool {
	store.mut_pendingClients.Lock()
	defer store.mut_pendingClients.Unlock()

	_, has := store.pendingClients[clientId]
	delete(store.pendingClients, clientId)
	return has
}

func (store *PendingClientStore) SetConnectionState(clientId uint64, state ConnectionState) error {
	store.mut_pendingClients.Lock()
	defer store.mut_pendingClients.Unlock()

	client, has := store.pendingClients[clientId]
	if !has {
		return &MissingClientIdError{Id: clientId}
	}

	client.ConnectionState = state
	return nil
}

func (store *PendingClientStore) SetDecision(clientId uint64, decision any) error {
	store.mut_pendingClients.Lock()
	defer store.mut_pendingClients.Unlock()

	client, has := store.pendingClients[clientId]
	if !has {
		return &MissingClientIdError{Id: clientId}
	}

	client.Decision = decision
	return nil
}

// GetAuthTimeoutClientList returns, in ascending id order, every pending client
// whose deadline is before now.
func (store *PendingClientStore) GetAuthTimeoutClientList(now int64) []uint64 {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()

	clientsToKick := []uint64{}
	for clientId, client := range store.pendingClients {
		if client.Deadline < now {
			clientsToKick = append(clientsToKick, clientId)
		}
	}

	sort.Slice(clientsToKick, func(i, j int) bool { return clientsToKick[i] < clientsToKick[j] })
	return clientsToKick
}

// GetDecisionClientList returns, in ascending id order, every pending client
// with an outstanding approval decision.
func (store *PendingClientStore) GetDecisionClientList() []*PendingClient {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()

	clients := []*PendingClient{}
	for _, client := range store.pendingClients {
		if client.Decision != nil {
			clients = append(clients, client)
		}
	}

	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientId < clients[j].ClientId })
	return clients
}

func (store *PendingClientStore) ClientIds() []uint64 {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()

	ids := make([]uint64, 0, len(store.pendingClients))
	for clientId := range store.pendingClients {
		ids = append(ids, clientId)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (store *PendingClientStore) Len() int {
	store.mut_pendingClients.RLock()
	defer store.mut_pendingClients.RUnlock()
	return len(store.pendingClients)
}

func (store *PendingClientStore) Clear() {
	store.mut_pendingClients.Lock()
	defer store.mut_pendingClients.Unlock()
	store.pendingClients = make(map[uint64]*PendingClient)
}

// NetworkClient is the membership record of an approved client.
type NetworkClient struct {
	ClientId       uint64
	PlayerObjectId uint64
	HasPlayer      bool
	OwnedObjectIds map[uint64]struct{}
}

func (c *NetworkClient) OwnedObjects() []uint64 {
	ids := make([]uint64, 0, len(c.OwnedObjectIds))
	for id := range c.OwnedObjectIds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectedClientStore keeps the id -> client map and the insertion-ordered
// client list in a single linked hash map, so the two views cannot diverge.
type ConnectedClientStore struct {
	MaxConnections int

	mut_clients sync.RWMutex
	clients     *linkedhashmap.Map
}

func CreateConnectedClientStore(maxConnections int) *ConnectedClientStore {
	return &ConnectedClientStore{
		MaxConnections: maxConnections,
		mut_clients:    sync.RWMutex{},
		clients:        linkedhashmap.New(),
	}
}

func (store *ConnectedClientStore) CreateClient(clientId uint64) (*NetworkClient, error) {
	store.mut_clients.Lock()
	defer store.mut_clients.Unlock()

	if _, has := store.clients.Get(clientId); has {
		return nil, &DuplicateClientIdError{Id: clientId}
	}

	if store.MaxConnections > 0 && store.clients.Size() >= store.MaxConnections {
		return nil, &TooManyClientsError{}
	}

	client := &NetworkClient{
		ClientId:       clientId,
		OwnedObjectIds: make(map[uint64]struct{}),
	}
	store.clients.Put(clientId, client)

	return client, nil
}

func (store *ConnectedClientStore) HasClient(clientId uint64) bool {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()

	_, has := store.clients.Get(clientId)
	return has
}

func (store *ConnectedClientStore) GetClient(clientId uint64) (*NetworkClient, bool) {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()

	client, has := store.clients.Get(clientId)
	if !has {
		return nil, false
	}
	return client.(*NetworkClient), true
}

// RemoveClient returns the removed client, or nil if it was already gone.
func (store *ConnectedClientStore) RemoveClient(clientId uint64) *NetworkClient {
	store.mut_clients.Lock()
	defer store.mut_clients.Unlock()

	client, has := store.clients.Get(clientId)
	if !has {
		return nil
	}
	store.clients.Remove(clientId)
	return client.(*NetworkClient)
}

// ConnectedClients returns a snapshot of the id-keyed view.
func (store *ConnectedClientStore) ConnectedClients() map[uint64]*NetworkClient {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()

	out := make(map[uint64]*NetworkClient, store.clients.Size())
	it := store.clients.Iterator()
	for it.Next() {
		out[it.Key().(uint64)] = it.Value().(*NetworkClient)
	}
	return out
}

// ConnectedClientsList returns a snapshot of the insertion-ordered view.
func (store *ConnectedClientStore) ConnectedClientsList() []*NetworkClient {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()

	out := make([]*NetworkClient, 0, store.clients.Size())
	it := store.clients.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*NetworkClient))
	}
	return out
}

// ClientIds returns connected ids in insertion order.
func (store *ConnectedClientStore) ClientIds() []uint64 {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()

	out := make([]uint64, 0, store.clients.Size())
	for _, key := range store.clients.Keys() {
		out = append(out, key.(uint64))
	}
	return out
}

func (store *ConnectedClientStore) Len() int {
	store.mut_clients.RLock()
	defer store.mut_clients.RUnlock()
	return store.clients.Size()
}

func (store *ConnectedClientStore) Clear() {
	store.mut_clients.Lock()
	defer store.mut_clients.Unlock()
	store.clients.Clear()
}
