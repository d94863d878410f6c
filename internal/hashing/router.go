// Package hashing maps keys onto a fixed member set with consistent hashing.
package hashing

import (
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type member string

func (m member) String() string { return string(m) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Router routes keys to members. The same key always lands on the same
// member for a given member set.
type Router struct {
	ring    *consistent.Consistent
	members []string
}

// NewRouter builds a Router over members. It panics on an empty set.
func NewRouter(members []string) *Router {
	if len(members) == 0 {
		panic("hashing: router needs at least one member")
	}

	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	ms := make([]consistent.Member, 0, len(members))
	for _, m := range members {
		ms = append(ms, member(m))
	}

	return &Router{
		ring:    consistent.New(ms, cfg),
		members: append([]string(nil), members...),
	}
}

// GetMember returns the member owning key.
func (r *Router) GetMember(key string) string {
	return r.ring.LocateKey([]byte(key)).String()
}

// Members returns the configured members.
func (r *Router) Members() []string {
	return append([]string(nil), r.members...)
}
