package serversets

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinker0/go.serversets/pkg/memzk"
	"github.com/thinker0/go.serversets/pkg/zkasync"
)

func waitEvent(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatchSortEndpoints(t *testing.T) {
	ss, _ := newTestServerSet(t)

	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()
	assert.Empty(t, watch.Endpoints())

	for _, port := range []int{1002, 1001, 1003} {
		register(t, ss, NewServiceInstance("web", "localhost", port, map[string]string{}))
		waitEvent(t, watch.Event())
	}

	endpoints := watch.Endpoints()
	assert.Len(t, endpoints, 3)
	assert.True(t, sort.StringsAreSorted(endpoints), "endpoint list should be sorted, got %v", endpoints)
}

func TestWatchSkipsDisabledInstances(t *testing.T) {
	ss, _ := newTestServerSet(t)
	disabled := NewServiceInstance("web", "localhost", 1001, map[string]string{})
	disabled.Enabled = false
	register(t, ss, disabled)
	enabled := NewServiceInstance("web", "localhost", 1002, map[string]string{})
	register(t, ss, enabled)

	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()

	instances := watch.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, enabled.ID, instances[0].ID)
}

func TestWatchSkipsUndecodableInstances(t *testing.T) {
	ss, tree := newTestServerSet(t)
	good := NewServiceInstance("web", "localhost", 1001, map[string]string{})
	register(t, ss, good)
	_, err := tree.Create(ss.InstancePath("web", "bad"), []byte("not an instance"), 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)

	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()

	instances := watch.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, good.ID, instances[0].ID)

	_, err = tree.Create(ss.InstancePath("web", "worse"), []byte(SOH), 0, zkasync.OpenACLUnsafe)
	require.NoError(t, err)
	waitEvent(t, watch.Event())
	next := NewServiceInstance("web", "localhost", 1002, map[string]string{})
	register(t, ss, next)
	waitEvent(t, watch.Event())

	assert.Equal(t, []string{"localhost:1001", "localhost:1002"}, watch.Endpoints())
}

func TestWatchSessionExpiry(t *testing.T) {
	ss, tree := newTestServerSet(t)
	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()

	register(t, ss, NewServiceInstance("web", "localhost", 1001, map[string]string{}))
	waitEvent(t, watch.Event())
	require.Len(t, watch.Endpoints(), 1)

	tree.ExpireSession()
	waitEvent(t, watch.Event())
	assert.Empty(t, watch.Endpoints())
}

// flakyConn fails the next ChildrenW calls.
type flakyConn struct {
	*memzk.Tree
	failures int32
}

func (c *flakyConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	if atomic.AddInt32(&c.failures, -1) >= 0 {
		return nil, nil, nil, zk.ErrConnectionClosed
	}
	return c.Tree.ChildrenW(path)
}

func TestWatchRetriesAfterFailure(t *testing.T) {
	old := RetryDelay
	RetryDelay = 10 * time.Millisecond
	defer func() { RetryDelay = old }()

	conn := &flakyConn{Tree: memzk.New()}
	ss := New[map[string]string](conn, JSONSerializer[map[string]string]{})
	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()

	// The rewatch after the change fails twice before it recovers.
	atomic.StoreInt32(&conn.failures, 2)
	register(t, ss, NewServiceInstance("web", "localhost", 1001, map[string]string{}))
	waitEvent(t, watch.Event())
	assert.Len(t, watch.Endpoints(), 1)
}

func TestWatchIsClosed(t *testing.T) {
	ss, _ := newTestServerSet(t)
	watch, err := ss.Watch("web")
	require.NoError(t, err)

	watch.Close()
	assert.True(t, watch.IsClosed(), "should say it's closed right after we close it")
}

func TestWatchMultipleClose(t *testing.T) {
	ss, _ := newTestServerSet(t)
	watch, err := ss.Watch("web")
	require.NoError(t, err)

	watch.Close()
	watch.Close()
	watch.Close()
}

func TestWatchTriggerEvent(t *testing.T) {
	ss, _ := newTestServerSet(t)
	watch, err := ss.Watch("web")
	require.NoError(t, err)
	defer watch.Close()

	watch.triggerEvent()
	watch.triggerEvent()
	watch.triggerEvent()
	watch.triggerEvent()
	assert.Len(t, watch.Event(), 1)
}

func TestWatchRejectsBadName(t *testing.T) {
	ss, _ := newTestServerSet(t)
	_, err := ss.Watch("")
	assert.Error(t, err)
	_, err = ss.Watch("a/b")
	assert.Error(t, err)
}
