package serversets

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"

	"github.com/thinker0/go.serversets/pkg/zkasync"
)

var (
	// BaseDirectory is the Zookeeper namespace that all nodes made by this package will live.
	// This path must begin with '/'
	BaseDirectory = "/services"

	// DefaultCacheSize is the number of decoded instances a ServerSet keeps.
	DefaultCacheSize = 1024
)

const (
	// SOH control character
	SOH = "\x01"

	// sohRetries is how often a node reading as a lone SOH is read again.
	sohRetries = 3
)

// ErrNoInstances is returned when a service has no live instance to pick.
var ErrNoInstances = errors.New("serversets: no instances available")

// A ServerSet registers and looks up the instances of services. Instances are stored as
// nodes named after their id under BaseDirectory/<service name>.
type ServerSet[T any] struct {
	conn       Conn
	transport  zkasync.Transport
	serializer InstanceSerializer[T]
	basePath   string

	// lock guards the cache and the registered instances.
	lock       sync.Mutex
	cache      *lru.Cache
	registered map[string]string

	queries singleflight.Group
}

// Option configures a ServerSet.
type Option func(*options)

type options struct {
	basePath  string
	cacheSize int
	transport zkasync.Transport
}

// WithBasePath overrides BaseDirectory for one ServerSet.
func WithBasePath(basePath string) Option {
	return func(o *options) {
		o.basePath = basePath
	}
}

// WithCacheSize sets the number of decoded instances kept in memory.
func WithCacheSize(size int) Option {
	return func(o *options) {
		o.cacheSize = size
	}
}

// WithTransport submits registrations to t instead of a transport over the connection.
func WithTransport(t zkasync.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// New creates a ServerSet storing instances through conn with the given serializer.
func New[T any](conn Conn, serializer InstanceSerializer[T], opts ...Option) *ServerSet[T] {
	o := &options{
		basePath:  BaseDirectory,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = zkasync.NewZKTransport(conn)
	}
	if !strings.HasPrefix(o.basePath, "/") {
		panic(fmt.Errorf("base path (%s) must begin with '/'", o.basePath))
	}

	return &ServerSet[T]{
		conn:       conn,
		transport:  o.transport,
		serializer: serializer,
		basePath:   path.Clean(o.basePath),
		cache:      lru.New(o.cacheSize),
		registered: make(map[string]string),
	}
}

// ServicePath returns the znode path where all members of the service reside.
func (ss *ServerSet[T]) ServicePath(name string) string {
	return path.Join(ss.basePath, name)
}

// InstancePath returns the znode path of one instance.
func (ss *ServerSet[T]) InstancePath(name, id string) string {
	return path.Join(ss.basePath, name, id)
}

func checkName(kind, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return errors.Errorf("%s (%q) must be non-empty and must not contain slashes", kind, name)
	}
	return nil
}

func modeFor(t ServiceType) zkasync.CreateMode {
	switch t {
	case ServiceTypeDynamic:
		return zkasync.ModeEphemeral
	case ServiceTypeDynamicSequential:
		return zkasync.ModeEphemeralSequential
	}
	return zkasync.ModePersistent
}

// RegisterService stores the instance and returns the path of its node. An instance that
// is already registered has its data replaced.
func (ss *ServerSet[T]) RegisterService(ctx context.Context, instance *ServiceInstance[T]) (string, error) {
	data, err := ss.serializer.Serialize(instance)
	if err != nil {
		return "", err
	}
	if err := checkName("service name", instance.Name); err != nil {
		return "", err
	}
	if err := checkName("instance id", instance.ID); err != nil {
		return "", err
	}

	stage, err := zkasync.NewCreateBuilder(ss.transport).
		WithOptions(
			zkasync.Options(zkasync.CreateParentsAsContainers, zkasync.SetDataIfExists),
			zkasync.UsingMode(modeFor(instance.ServiceType)),
		).
		ForPathWithData(ss.InstancePath(instance.Name, instance.ID), data)
	if err != nil {
		return "", err
	}
	created, err := stage.Wait(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "register %s", instance)
	}

	ss.lock.Lock()
	ss.registered[instance.Name+"/"+instance.ID] = created
	ss.lock.Unlock()

	log.WithFields(log.Fields{
		"service": instance.Name,
		"id":      instance.ID,
		"path":    created,
	}).Info("registered service instance")
	return created, nil
}

// UpdateService replaces the data of a registered instance.
func (ss *ServerSet[T]) UpdateService(instance *ServiceInstance[T]) error {
	data, err := ss.serializer.Serialize(instance)
	if err != nil {
		return err
	}
	nodePath := ss.registeredPath(instance)
	if _, err := ss.conn.Set(nodePath, data, zkasync.AnyVersion); err != nil {
		return errors.Wrapf(err, "update %s", instance)
	}
	return nil
}

// UnregisterService removes the instance node. Removing an absent instance is not an error.
func (ss *ServerSet[T]) UnregisterService(instance *ServiceInstance[T]) error {
	nodePath := ss.registeredPath(instance)
	err := ss.conn.Delete(nodePath, zkasync.AnyVersion)
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrapf(err, "unregister %s", instance)
	}

	ss.lock.Lock()
	delete(ss.registered, instance.Name+"/"+instance.ID)
	ss.lock.Unlock()
	return nil
}

func (ss *ServerSet[T]) registeredPath(instance *ServiceInstance[T]) string {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if p, ok := ss.registered[instance.Name+"/"+instance.ID]; ok {
		return p
	}
	return ss.InstancePath(instance.Name, instance.ID)
}

// QueryForNames returns the sorted names of all services.
func (ss *ServerSet[T]) QueryForNames() ([]string, error) {
	names, _, err := ss.conn.Children(ss.basePath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list services")
	}
	sort.Strings(names)
	return names, nil
}

// QueryForInstances returns all instances of the named service sorted by id. Concurrent
// queries for the same service share one lookup; every caller gets its own copies.
func (ss *ServerSet[T]) QueryForInstances(name string) ([]*ServiceInstance[T], error) {
	v, err := ss.queries.Do(name, func() (interface{}, error) {
		ids, _, err := ss.conn.Children(ss.ServicePath(name))
		if err == zk.ErrNoNode {
			return []*ServiceInstance[T](nil), nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list instances of %s", name)
		}
		return ss.instances(name, ids)
	})
	if err != nil {
		return nil, err
	}
	return cloneInstances(v.([]*ServiceInstance[T])), nil
}

func (ss *ServerSet[T]) instances(name string, ids []string) ([]*ServiceInstance[T], error) {
	sort.Strings(ids)
	instances := make([]*ServiceInstance[T], 0, len(ids))
	for _, id := range ids {
		instance, err := ss.getInstance(ss.InstancePath(name, id))
		if err != nil {
			return nil, err
		}
		if instance == nil {
			// znode not found
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// QueryForInstance returns one instance, or nil if it is not registered.
func (ss *ServerSet[T]) QueryForInstance(name, id string) (*ServiceInstance[T], error) {
	instance, err := ss.getInstance(ss.InstancePath(name, id))
	if err != nil || instance == nil {
		return nil, err
	}
	return instance.Clone(), nil
}

type cacheKey struct {
	path  string
	mzxid int64
}

// getInstance returns the decoded instance at nodePath. The result is shared with the
// cache and must not be handed out without cloning it.
func (ss *ServerSet[T]) getInstance(nodePath string) (*ServiceInstance[T], error) {
	var (
		data []byte
		stat *zk.Stat
		err  error
	)
	// Found this SOH check while browsing the docker/libkv source
	// https://github.com/docker/libkv/commit/035e8143a336ceb29760c07278ef930f49767377
	// After sohRetries reads the data is taken as it is and fails to decode.
	for attempt := 0; attempt <= sohRetries; attempt++ {
		data, stat, err = ss.conn.Get(nodePath)
		if err == zk.ErrNoNode {
			return nil, nil
		}
		if err != nil {
			// most likely some sort of zk connection error
			return nil, errors.Wrapf(err, "get %s", nodePath)
		}
		if string(data) != SOH {
			break
		}
	}

	key := cacheKey{path: nodePath, mzxid: stat.Mzxid}
	ss.lock.Lock()
	cached, ok := ss.cache.Get(key)
	ss.lock.Unlock()
	if ok {
		return cached.(*ServiceInstance[T]), nil
	}

	instance, err := ss.serializer.Deserialize(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", nodePath)
	}
	ss.lock.Lock()
	ss.cache.Add(key, instance)
	ss.lock.Unlock()
	return instance, nil
}

// Close unregisters every instance registered through this ServerSet.
func (ss *ServerSet[T]) Close() error {
	ss.lock.Lock()
	paths := make([]string, 0, len(ss.registered))
	for _, p := range ss.registered {
		paths = append(paths, p)
	}
	ss.registered = make(map[string]string)
	ss.lock.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := ss.conn.Delete(p, zkasync.AnyVersion); err != nil && err != zk.ErrNoNode {
			log.WithField("path", p).WithError(err).Warn("unable to unregister instance")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "unregister %s", p)
			}
		}
	}
	return firstErr
}
