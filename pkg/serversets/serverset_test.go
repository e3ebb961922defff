package serversets

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinker0/go.serversets/pkg/memzk"
	"github.com/thinker0/go.serversets/pkg/zkasync"
)

func newTestServerSet(t *testing.T) (*ServerSet[map[string]string], *memzk.Tree) {
	t.Helper()
	tree := memzk.New()
	return New[map[string]string](tree, JSONSerializer[map[string]string]{}), tree
}

func register(t *testing.T, ss *ServerSet[map[string]string], instance *ServiceInstance[map[string]string]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	created, err := ss.RegisterService(ctx, instance)
	require.NoError(t, err)
	return created
}

func TestServerSetPaths(t *testing.T) {
	ss, _ := newTestServerSet(t)
	assert.Equal(t, "/services/web", ss.ServicePath("web"))
	assert.Equal(t, "/services/web/abc", ss.InstancePath("web", "abc"))

	custom := New[string](memzk.New(), JSONSerializer[string]{}, WithBasePath("/disco/"))
	assert.Equal(t, "/disco/web", custom.ServicePath("web"))

	assert.Panics(t, func() { New[string](memzk.New(), JSONSerializer[string]{}, WithBasePath("disco")) })
}

func TestRegisterAndQuery(t *testing.T) {
	ss, tree := newTestServerSet(t)

	a := NewServiceInstance("web", "10.0.0.1", 8080, map[string]string{"zone": "a"})
	b := NewServiceInstance("web", "10.0.0.2", 8080, map[string]string{"zone": "b"})
	c := NewServiceInstance("db", "10.0.0.3", 5432, map[string]string(nil))

	assert.Equal(t, ss.InstancePath("web", a.ID), register(t, ss, a))
	register(t, ss, b)
	register(t, ss, c)

	_, stat, err := tree.Get(ss.InstancePath("web", a.ID))
	require.NoError(t, err)
	assert.NotZero(t, stat.EphemeralOwner, "dynamic instances are ephemeral")

	names, err := ss.QueryForNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web"}, names)

	instances, err := ss.QueryForInstances("web")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	ids := []string{instances[0].ID, instances[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.True(t, ids[0] < ids[1], "instances are sorted by id")

	got, err := ss.QueryForInstance("web", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	missing, err := ss.QueryForInstance("web", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := ss.QueryForInstances("cache")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryForNamesWithoutBase(t *testing.T) {
	ss, _ := newTestServerSet(t)
	names, err := ss.QueryForNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRegisterServiceTypes(t *testing.T) {
	ss, tree := newTestServerSet(t)

	static := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{})
	static.ServiceType = ServiceTypeStatic
	register(t, ss, static)

	seq := NewServiceInstance("web", "10.0.0.2", 80, map[string]string{})
	seq.ServiceType = ServiceTypeDynamicSequential
	created := register(t, ss, seq)
	assert.Equal(t, ss.InstancePath("web", seq.ID)+"0000000001", created)

	_, stat, err := tree.Get(ss.InstancePath("web", static.ID))
	require.NoError(t, err)
	assert.Zero(t, stat.EphemeralOwner)

	tree.ExpireSession()
	instances, err := ss.QueryForInstances("web")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, static.ID, instances[0].ID)

	// The sequential node is found through its recorded path.
	require.NoError(t, ss.UnregisterService(seq))
}

func TestRegisterTwiceReplacesData(t *testing.T) {
	ss, _ := newTestServerSet(t)
	instance := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{"v": "1"})
	register(t, ss, instance)

	instance.Payload = map[string]string{"v": "2"}
	register(t, ss, instance)

	got, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Payload["v"])
}

func TestRegisterRejectsBadInstances(t *testing.T) {
	ss, tree := newTestServerSet(t)
	ctx := context.Background()

	slashed := NewServiceInstance("web/admin", "10.0.0.1", 80, map[string]string{})
	_, err := ss.RegisterService(ctx, slashed)
	assert.Error(t, err)

	noName := NewServiceInstance("", "10.0.0.1", 80, map[string]string{})
	_, err = ss.RegisterService(ctx, noName)
	var encErr *EncodingError
	assert.ErrorAs(t, err, &encErr)

	tree.FailNext(zk.ErrConnectionClosed)
	_, err = ss.RegisterService(ctx, NewServiceInstance("web", "10.0.0.1", 80, map[string]string{}))
	assert.True(t, zkasync.IsConnectionError(err))
}

func TestUpdateService(t *testing.T) {
	ss, _ := newTestServerSet(t)
	instance := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{"v": "1"})
	register(t, ss, instance)

	first, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)

	instance.Enabled = false
	require.NoError(t, ss.UpdateService(instance))

	updated, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.True(t, first.Enabled, "cached instances are not modified")

	unknown := NewServiceInstance("web", "10.0.0.9", 80, map[string]string{})
	assert.Error(t, ss.UpdateService(unknown))
}

func TestUnregisterService(t *testing.T) {
	ss, tree := newTestServerSet(t)
	instance := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{})
	register(t, ss, instance)

	require.NoError(t, ss.UnregisterService(instance))
	require.NoError(t, ss.UnregisterService(instance), "removing twice is not an error")

	got, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Service nodes are containers and go away once empty.
	tree.Reap()
	names, err := ss.QueryForNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestQueryUsesCache(t *testing.T) {
	tree := memzk.New()
	codec := &countingSerializer{InstanceSerializer: JSONSerializer[string]{}}
	ss := New[string](tree, codec)

	instance := NewServiceInstance("web", "10.0.0.1", 80, "p")
	_, err := ss.RegisterService(context.Background(), instance)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := ss.QueryForInstance("web", instance.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, codec.decodes())

	instance.Payload = "q"
	require.NoError(t, ss.UpdateService(instance))
	got, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "q", got.Payload)
	assert.Equal(t, 2, codec.decodes())
}

func TestQueryReportsCorruptNodes(t *testing.T) {
	ss, tree := newTestServerSet(t)
	_, err := tree.Create("/services", nil, 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)
	_, err = tree.Create("/services/web", nil, 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)
	_, err = tree.Create("/services/web/bad", []byte("not an instance"), 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)

	_, err = ss.QueryForInstances("web")
	var decErr *DecodingError
	assert.ErrorAs(t, err, &decErr)
}

// sohConn answers the first reads of every node with a lone SOH.
type sohConn struct {
	*memzk.Tree
	mu    sync.Mutex
	soh   int
	reads int
}

func (c *sohConn) Get(path string) ([]byte, *zk.Stat, error) {
	data, stat, err := c.Tree.Get(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if err == nil && c.reads <= c.soh {
		return []byte(SOH), stat, nil
	}
	return data, stat, err
}

func TestQueryRereadsSOHNodes(t *testing.T) {
	ss, tree := newTestServerSet(t)
	_, err := tree.Create("/services", nil, 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)
	_, err = tree.Create("/services/web", nil, 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)
	_, err = tree.Create("/services/web/x", []byte(SOH), 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)

	_, err = ss.QueryForInstance("web", "x")
	var decErr *DecodingError
	assert.ErrorAs(t, err, &decErr)

	conn := &sohConn{Tree: memzk.New(), soh: sohRetries}
	flaky := New[map[string]string](conn, JSONSerializer[map[string]string]{})
	instance := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{})
	register(t, flaky, instance)

	got, err := flaky.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance, got)
	assert.Equal(t, sohRetries+1, conn.reads)
}

func TestQueryReturnsCopies(t *testing.T) {
	ss, _ := newTestServerSet(t)
	instance := NewServiceInstance("web", "10.0.0.1", 8080, map[string]string{"zone": "a"})
	register(t, ss, instance)

	first, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	first.Enabled = false
	first.Payload["zone"] = "b"
	*first.Port = 1

	second, err := ss.QueryForInstance("web", instance.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, instance, second)

	all, err := ss.QueryForInstances("web")
	require.NoError(t, err)
	require.Len(t, all, 1)
	all[0].Payload["zone"] = "c"
	all[0].Enabled = false

	again, err := ss.QueryForInstances("web")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.NotSame(t, all[0], again[0])
	assert.Equal(t, instance, again[0])

	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()
	watched := watch.Instances()
	require.Len(t, watched, 1)
	watched[0].Payload["zone"] = "d"
	assert.Equal(t, "a", watch.Instances()[0].Payload["zone"])
}

func TestServerSetClose(t *testing.T) {
	ss, _ := newTestServerSet(t)
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		instance := NewServiceInstance("web", addr, 80, map[string]string{})
		instance.ServiceType = ServiceTypeStatic
		register(t, ss, instance)
	}

	require.NoError(t, ss.Close())
	instances, err := ss.QueryForInstances("web")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestConcurrentQueries(t *testing.T) {
	ss, _ := newTestServerSet(t)
	for i := 0; i < 5; i++ {
		register(t, ss, NewServiceInstance("web", "10.0.0.1", 8000+i, map[string]string{}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instances, err := ss.QueryForInstances("web")
			assert.NoError(t, err)
			assert.Len(t, instances, 5)
		}()
	}
	wg.Wait()
}

// countingSerializer counts Deserialize calls.
type countingSerializer struct {
	InstanceSerializer[string]
	mu    sync.Mutex
	count int
}

func (c *countingSerializer) Deserialize(data []byte) (*ServiceInstance[string], error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return c.InstanceSerializer.Deserialize(data)
}

func (c *countingSerializer) decodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestEndpoint(t *testing.T) {
	instance := NewServiceInstance("web", "10.0.0.1", 80, "")
	assert.Equal(t, "10.0.0.1:80", instance.Endpoint())

	instance.Port = nil
	ssl := 443
	instance.SSLPort = &ssl
	assert.Equal(t, "10.0.0.1:443", instance.Endpoint())

	instance.SSLPort = nil
	assert.Equal(t, "10.0.0.1", instance.Endpoint())
	assert.True(t, strings.HasPrefix(instance.String(), "web/"))
}
