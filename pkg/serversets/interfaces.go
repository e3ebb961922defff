package serversets

import (
	"github.com/samuel/go-zookeeper/zk"

	"github.com/thinker0/go.serversets/pkg/zkasync"
)

// InstanceSerializer converts service instances to node payloads and back.
// Implementations must be stateless and safe for concurrent use. For every instance
// Serialize accepts, Deserialize of the result must return an equal instance.
type InstanceSerializer[T any] interface {
	// Serialize fails with an *EncodingError when the instance cannot be represented.
	Serialize(instance *ServiceInstance[T]) ([]byte, error)
	// Deserialize fails with a *DecodingError on malformed, truncated or foreign bytes.
	Deserialize(data []byte) (*ServiceInstance[T], error)
}

// Conn is the part of a ZooKeeper connection a ServerSet needs. *zk.Conn satisfies it.
type Conn interface {
	zkasync.Conn
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
}
