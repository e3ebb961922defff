package serversets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"

	"github.com/thinker0/go.serversets/pkg/zkasync"
)

// RetryDelay is how long a Watch waits before re-arming after a failed lookup.
var RetryDelay = time.Second

// A Watch keeps tabs on the instances of one service and notifies
// via the Event() channel when the list of instances changes.
// The list of instances is updated automatically and will be up to date when the Event is sent.
type Watch[T any] struct {
	serverSet *ServerSet[T]
	name      string

	LastEvent  time.Time
	EventCount int
	event      chan struct{}

	done chan struct{} // used for closing
	wg   sync.WaitGroup

	// lock for read/writing the instances slice
	lock      sync.RWMutex
	instances []*ServiceInstance[T]
}

// Watch starts watching changes in the members of the named service.
func (ss *ServerSet[T]) Watch(name string) (*Watch[T], error) {
	if err := checkName("service name", name); err != nil {
		return nil, err
	}
	watch := &Watch[T]{
		serverSet: ss,
		name:      name,
		done:      make(chan struct{}),
		event:     make(chan struct{}, 1),
	}

	// Ensure path exists before watching
	if err := ss.ensureServicePath(name); err != nil {
		return nil, err
	}

	keys, watchEvents, err := watch.watch()
	if err != nil {
		return nil, err
	}

	watch.instances, err = watch.updateInstances(keys)
	if err != nil {
		return nil, err
	}

	watch.wg.Add(1)
	go func() {
		defer watch.wg.Done()
		for {
			// Starting the watch has failed, retry
			if watchEvents == nil {
				if !watch.sleep(RetryDelay) {
					return
				}
				keys, watchEvents, err = watch.watch()
				if err != nil {
					log.WithField("service", name).WithError(err).Warn("unable to rewatch service")
					watchEvents = nil
					continue
				}

				instances, err := watch.updateInstances(keys)
				if err != nil {
					log.WithField("service", name).WithError(err).Warn("unable to update instance list")
					watchEvents = nil
					continue
				}
				watch.setInstances(instances)
				watch.triggerEvent()
			}

			select {
			case event, ok := <-watchEvents:
				if !ok || event.Type == zk.EventNotWatching {
					watchEvents = nil
					break
				}
				keys, watchEvents, err = watch.watch()
				if err != nil {
					log.WithField("service", name).WithError(err).Warn("unable to rewatch service after znode event")
					watchEvents = nil
					break
				}

				instances, err := watch.updateInstances(keys)
				if err != nil {
					log.WithField("service", name).WithError(err).Warn("unable to update instance list after znode event")
					watchEvents = nil
					break
				}

				watch.setInstances(instances)
				watch.triggerEvent()

			case <-watch.done:
				return
			}
		}
	}()

	return watch, nil
}

func (ss *ServerSet[T]) ensureServicePath(name string) error {
	servicePath := ss.ServicePath(name)
	stage, err := zkasync.NewCreateBuilder(ss.transport).
		WithOptions(zkasync.Options(zkasync.CreateParentsIfNeeded)).
		ForPath(servicePath)
	if err != nil {
		return err
	}
	_, err = stage.Wait(context.Background())
	if err != nil && errors.Cause(err) != zk.ErrNodeExists {
		return errors.Wrapf(err, "create %s", servicePath)
	}
	return nil
}

// Instances returns the enabled instances currently known to this watch, sorted by id.
func (w *Watch[T]) Instances() []*ServiceInstance[T] {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return cloneInstances(w.instances)
}

// Endpoints returns a slice of the current list of servers/endpoints associated with this watch.
func (w *Watch[T]) Endpoints() []string {
	w.lock.RLock()
	defer w.lock.RUnlock()
	endpoints := make([]string, 0, len(w.instances))
	for _, i := range w.instances {
		endpoints = append(endpoints, i.Endpoint())
	}

	sort.Strings(endpoints)
	return endpoints
}

// Event returns the event channel. This channel will get an object
// whenever something changes with the list of endpoints.
func (w *Watch[T]) Event() <-chan struct{} {
	return w.event
}

// Close blocks until the watching goroutine has stopped.
func (w *Watch[T]) Close() {
	select {
	case <-w.done:
		w.wg.Wait()
		return
	default:
	}

	close(w.done)
	w.wg.Wait()

	// the goroutine watching for events must be terminated
	// before we close this channel, since it might still be sending events.
	close(w.event)
}

// IsClosed returns if this watch has been closed. This is a way for libraries wrapping
// this package to know if their underlying watch is closed and should stop looking for events.
func (w *Watch[T]) IsClosed() bool {
	select {
	case <-w.done:
		return true
	default:
	}

	return false
}

// watch creates the actual Zookeeper watch.
func (w *Watch[T]) watch() ([]string, <-chan zk.Event, error) {
	children, _, events, err := w.serverSet.conn.ChildrenW(w.serverSet.ServicePath(w.name))
	return children, events, err
}

// updateInstances loads the enabled instances among keys. A node that cannot be decoded
// is logged and left out so one bad registration does not hide the rest of the service.
func (w *Watch[T]) updateInstances(keys []string) ([]*ServiceInstance[T], error) {
	sort.Strings(keys)
	instances := make([]*ServiceInstance[T], 0, len(keys))
	for _, k := range keys {
		nodePath := w.serverSet.InstancePath(w.name, k)
		instance, err := w.serverSet.getInstance(nodePath)
		var decErr *DecodingError
		if errors.As(err, &decErr) {
			log.WithField("path", nodePath).WithError(err).Warn("skipping undecodable instance")
			continue
		}
		if err != nil {
			return nil, err
		}

		if instance == nil {
			// znode not found
			continue
		}

		if instance.IsAlive() {
			instances = append(instances, instance)
		}
	}
	return instances, nil
}

func (w *Watch[T]) setInstances(instances []*ServiceInstance[T]) {
	w.lock.Lock()
	w.instances = instances
	w.lock.Unlock()
}

// sleep waits for d and reports false if the watch was closed meanwhile.
func (w *Watch[T]) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.done:
		return false
	}
}

// triggerEvent will queue up something in the Event channel if there isn't already something there.
func (w *Watch[T]) triggerEvent() {
	w.lock.Lock()
	w.EventCount++
	w.LastEvent = time.Now()
	w.lock.Unlock()

	select {
	case w.event <- struct{}{}:
	default:
	}
}
