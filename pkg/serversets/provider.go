package serversets

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reusee/mmh3"
)

// A Strategy picks one instance out of the live instances of a service.
type Strategy[T any] interface {
	Pick(instances []*ServiceInstance[T]) *ServiceInstance[T]
}

// RoundRobin cycles through the instances in order.
type RoundRobin[T any] struct {
	next uint64
}

func (r *RoundRobin[T]) Pick(instances []*ServiceInstance[T]) *ServiceInstance[T] {
	if len(instances) == 0 {
		return nil
	}
	n := atomic.AddUint64(&r.next, 1) - 1
	return instances[n%uint64(len(instances))]
}

// Random picks a uniformly random instance.
type Random[T any] struct {
	lock sync.Mutex
	rnd  *rand.Rand
}

func NewRandom[T any]() *Random[T] {
	return &Random[T]{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *Random[T]) Pick(instances []*ServiceInstance[T]) *ServiceInstance[T] {
	if len(instances) == 0 {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return instances[r.rnd.Intn(len(instances))]
}

// Sticky maps a key to the same instance for as long as that instance is registered,
// using rendezvous hashing over the instance ids. Removing an instance only moves the
// keys that were mapped to it.
type Sticky[T any] struct {
	Key string
}

func (s Sticky[T]) Pick(instances []*ServiceInstance[T]) *ServiceInstance[T] {
	var (
		best  *ServiceInstance[T]
		score uint32
	)
	for _, i := range instances {
		h := mmh3.Sum32([]byte(s.Key + "\x00" + i.ID))
		if best == nil || h > score || (h == score && i.ID < best.ID) {
			best, score = i, h
		}
	}
	return best
}

// A Provider hands out instances of one service picked by a Strategy from a Watch.
type Provider[T any] struct {
	watch    *Watch[T]
	strategy Strategy[T]
}

// Provider starts watching the named service. The provider must be closed when done.
func (ss *ServerSet[T]) Provider(name string, strategy Strategy[T]) (*Provider[T], error) {
	watch, err := ss.Watch(name)
	if err != nil {
		return nil, err
	}
	return &Provider[T]{watch: watch, strategy: strategy}, nil
}

// Instance returns a live instance, or ErrNoInstances if there are none.
func (p *Provider[T]) Instance() (*ServiceInstance[T], error) {
	instance := p.strategy.Pick(p.watch.Instances())
	if instance == nil {
		return nil, ErrNoInstances
	}
	return instance, nil
}

// All returns every live instance.
func (p *Provider[T]) All() []*ServiceInstance[T] {
	return p.watch.Instances()
}

// Event is signalled whenever the set of instances changes.
func (p *Provider[T]) Event() <-chan struct{} {
	return p.watch.Event()
}

func (p *Provider[T]) Close() {
	p.watch.Close()
}
