// Package providers registers every built-in backend.
package providers

import (
	"github.com/drblury/dqueue/provider"
	"github.com/drblury/dqueue/provider/memory"
	"github.com/drblury/dqueue/provider/rabbitmq"
	"github.com/drblury/dqueue/provider/redis"
)

// RegisterAll adds the memory, redis and rabbitmq backends to r. The memory
// backend keeps its queues in store; a nil store gets a fresh one.
func RegisterAll(r *provider.Registry, store *memory.Store) {
	memory.Register(r, store)
	redis.Register(r)
	rabbitmq.Register(r)
}

// NewRegistry returns a registry with every built-in backend.
func NewRegistry(store *memory.Store) *provider.Registry {
	r := provider.NewRegistry()
	RegisterAll(r, store)
	return r
}
