package session

import (
	"fmt"
	"sort"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

// NetworkObject is the session's record of one spawned object. Game state
// lives elsewhere; the session only tracks identity, ownership and observers.
type NetworkObject struct {
	ObjectId      uint64
	OwnerClientId uint64
	PrefabHash    uint32

	IsPlayerObject       bool
	IsSceneObject        bool
	DontDestroyWithOwner bool

	HasParent      bool
	ParentObjectId uint64

	IncludesTransform bool
	Position          message.Vec3
	Rotation          message.Vec3

	// Opaque spawn state forwarded in CreateObject.
	Payload []byte

	Behaviours []any
	Observers  map[uint64]struct{}

	// CheckObjectVisibility filters which clients learn about the object. Nil
	// means visible to everyone.
	CheckObjectVisibility func(clientId uint64) bool
}

func (o *NetworkObject) IsVisibleTo(clientId uint64) bool {
	if o.CheckObjectVisibility == nil {
		return true
	}
	return o.CheckObjectVisibility(clientId)
}

func (o *NetworkObject) IsObservedBy(clientId uint64) bool {
	_, has := o.Observers[clientId]
	return has
}

func (o *NetworkObject) ObserverIds() []uint64 {
	ids := make([]uint64, 0, len(o.Observers))
	for id := range o.Observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (o *NetworkObject) createMessage() *message.CreateObject {
	return &message.CreateObject{
		IsPlayerObject:    o.IsPlayerObject,
		ObjectId:          o.ObjectId,
		OwnerClientId:     o.OwnerClientId,
		HasParent:         o.HasParent,
		ParentObjectId:    o.ParentObjectId,
		IsSceneObject:     o.IsSceneObject,
		PrefabHash:        o.PrefabHash,
		IncludesTransform: o.IncludesTransform,
		Position:          o.Position,
		Rotation:          o.Rotation,
		Payload:           o.Payload,
	}
}

type SpawnParams struct {
	PrefabHash    uint32
	OwnerClientId uint64

	IsPlayerObject       bool
	IsSceneObject        bool
	DontDestroyWithOwner bool

	ParentObjectId *uint64
	Position       *message.Vec3
	Rotation       *message.Vec3
	Payload        []byte

	CheckObjectVisibility func(clientId uint64) bool
}

// SpawnManager is the minimal object registry the session needs for player
// objects, disconnect cleanup and RPC target lookup. Scheduler goroutine only.
type SpawnManager struct {
	prefabs      map[uint32]NetworkPrefab
	objects      map[uint64]*NetworkObject
	nextObjectId uint64

	log *zap.Logger
}

func CreateSpawnManager(prefabs []NetworkPrefab, logger *zap.Logger) *SpawnManager {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	catalog := make(map[uint32]NetworkPrefab, len(prefabs))
	for _, prefab := range prefabs {
		catalog[prefab.Hash] = prefab
	}

	return &SpawnManager{
		prefabs:      catalog,
		objects:      make(map[uint64]*NetworkObject),
		nextObjectId: 1,
		log:          logger.With(zap.String("component", "spawn")),
	}
}

func (s *SpawnManager) HasPrefab(prefabHash uint32) bool {
	_, has := s.prefabs[prefabHash]
	return has
}

// Spawn instantiates a catalog prefab under a freshly allocated object id.
func (s *SpawnManager) Spawn(params SpawnParams) (*NetworkObject, error) {
	obj, err := s.spawnWithId(s.nextObjectId, params)
	if err != nil {
		return nil, err
	}
	s.nextObjectId++
	return obj, nil
}

// spawnWithId mirrors an object the server announced.
func (s *SpawnManager) spawnWithId(objectId uint64, params SpawnParams) (*NetworkObject, error) {
	prefab, has := s.prefabs[params.PrefabHash]
	if !has {
		return nil, &errors.MissingPrefabError{PrefabHash: params.PrefabHash}
	}
	if _, exists := s.objects[objectId]; exists {
		return nil, &errors.NameCollision{
			CollisionContext: "SpawnManager",
			Name:             fmt.Sprintf("object %d", objectId),
		}
	}

	obj := &NetworkObject{
		ObjectId:              objectId,
		OwnerClientId:         params.OwnerClientId,
		PrefabHash:            params.PrefabHash,
		IsPlayerObject:        params.IsPlayerObject,
		IsSceneObject:         params.IsSceneObject,
		DontDestroyWithOwner:  params.DontDestroyWithOwner,
		Payload:               params.Payload,
		Observers:             make(map[uint64]struct{}),
		CheckObjectVisibility: params.CheckObjectVisibility,
	}
	if params.ParentObjectId != nil {
		obj.HasParent = true
		obj.ParentObjectId = *params.ParentObjectId
	}
	if params.Position != nil || params.Rotation != nil {
		obj.IncludesTransform = true
		if params.Position != nil {
			obj.Position = *params.Position
		}
		if params.Rotation != nil {
			obj.Rotation = *params.Rotation
		}
	}
	if prefab.NewBehaviours != nil {
		obj.Behaviours = prefab.NewBehaviours()
	}

	s.objects[objectId] = obj
	if objectId >= s.nextObjectId {
		s.nextObjectId = objectId + 1
	}

	s.log.Debug("Spawned object", zap.Uint64("objectId", objectId), zap.Uint32("prefabHash", params.PrefabHash), zap.Uint64("ownerClientId", params.OwnerClientId))
	return obj, nil
}

func (s *SpawnManager) Get(objectId uint64) (*NetworkObject, bool) {
	obj, has := s.objects[objectId]
	return obj, has
}

func (s *SpawnManager) Despawn(objectId uint64) (*NetworkObject, bool) {
	obj, has := s.objects[objectId]
	if !has {
		return nil, false
	}
	delete(s.objects, objectId)
	s.log.Debug("Despawned object", zap.Uint64("objectId", objectId))
	return obj, true
}

// Objects lists every spawned object in ascending id order.
func (s *SpawnManager) Objects() []*NetworkObject {
	objects := make([]*NetworkObject, 0, len(s.objects))
	for _, obj := range s.objects {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ObjectId < objects[j].ObjectId })
	return objects
}

func (s *SpawnManager) ObjectsOwnedBy(clientId uint64) []*NetworkObject {
	owned := []*NetworkObject{}
	for _, obj := range s.Objects() {
		if obj.OwnerClientId == clientId {
			owned = append(owned, obj)
		}
	}
	return owned
}

func (s *SpawnManager) RemoveObserver(clientId uint64) {
	for _, obj := range s.objects {
		delete(obj.Observers, clientId)
	}
}

// ResolveBehaviour lets the RPC dispatcher find its targets.
func (s *SpawnManager) ResolveBehaviour(objectId uint64, behaviourIndex uint16) (any, bool) {
	obj, has := s.objects[objectId]
	if !has || int(behaviourIndex) >= len(obj.Behaviours) {
		return nil, false
	}
	return obj.Behaviours[behaviourIndex], true
}

func (s *SpawnManager) Len() int {
	return len(s.objects)
}

func (s *SpawnManager) Clear() {
	s.objects = make(map[uint64]*NetworkObject)
	s.nextObjectId = 1
}
