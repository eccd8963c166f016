package rpc

import (
	"fmt"
	"hash/fnv"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
)

// Handler decodes the RPC arguments from r and invokes the bound method on
// behaviour. The dispatcher passes whatever its ObjectResolver returned.
type Handler func(behaviour any, r *message.Reader, params Params) error

type Entry struct {
	MethodId uint32
	Name     string
	Handler  Handler
}

// MethodId is the stable 32 bit FNV-1a hash of a method name. Call it while
// building the method table, never per call.
func MethodId(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

func NewEntry(name string, handler Handler) Entry {
	return Entry{
		MethodId: MethodId(name),
		Name:     name,
		Handler:  handler,
	}
}

// Registry maps method ids to handlers. It is built once and never mutated,
// so it is safe to share between sessions.
type Registry struct {
	entries map[uint32]Entry
}

func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make(map[uint32]Entry, len(entries)),
	}

	for _, entry := range entries {
		if entry.Handler == nil {
			return nil, &errors.MissingFieldError{MessageName: fmt.Sprintf("rpc.Entry(%s)", entry.Name), FieldName: "Handler"}
		}
		if existing, has := r.entries[entry.MethodId]; has {
			return nil, &errors.NameCollision{
				CollisionContext: fmt.Sprintf("rpc.Registry (method id %d already bound to %s)", entry.MethodId, existing.Name),
				Name:             entry.Name,
			}
		}
		r.entries[entry.MethodId] = entry
	}

	return r, nil
}

func (r *Registry) Lookup(methodId uint32) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	entry, has := r.entries[methodId]
	return entry, has
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
