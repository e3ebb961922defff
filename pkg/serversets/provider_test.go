package serversets

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instancesWithIDs(ids ...string) []*ServiceInstance[string] {
	instances := make([]*ServiceInstance[string], 0, len(ids))
	for _, id := range ids {
		instance := NewServiceInstance("web", "localhost", 80, "")
		instance.ID = id
		instances = append(instances, instance)
	}
	return instances
}

func TestRoundRobin(t *testing.T) {
	instances := instancesWithIDs("a", "b", "c")
	rr := &RoundRobin[string]{}

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, rr.Pick(instances).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
	assert.Nil(t, rr.Pick(nil))
}

func TestRandom(t *testing.T) {
	instances := instancesWithIDs("a", "b", "c")
	r := NewRandom[string]()

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[r.Pick(instances).ID] = true
	}
	assert.Len(t, seen, 3)
	assert.Nil(t, r.Pick(nil))
}

func TestStickyIsStable(t *testing.T) {
	instances := instancesWithIDs("a", "b", "c", "d")
	reversed := instancesWithIDs("d", "c", "b", "a")

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("user-%d", i)
		first := Sticky[string]{Key: key}.Pick(instances)
		assert.Equal(t, first.ID, Sticky[string]{Key: key}.Pick(instances).ID)
		assert.Equal(t, first.ID, Sticky[string]{Key: key}.Pick(reversed).ID, "order does not matter")
	}
	assert.Nil(t, Sticky[string]{Key: "k"}.Pick(nil))
}

func TestStickyMovesOnlyRemovedKeys(t *testing.T) {
	all := instancesWithIDs("a", "b", "c", "d")
	withoutC := instancesWithIDs("a", "b", "d")

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("session-%d", i)
		before := Sticky[string]{Key: key}.Pick(all).ID
		after := Sticky[string]{Key: key}.Pick(withoutC).ID
		if before != "c" {
			assert.Equal(t, before, after, key)
		} else {
			assert.NotEqual(t, "c", after)
		}
	}
}

func TestProvider(t *testing.T) {
	ss, _ := newTestServerSet(t)
	provider, err := ss.Provider("web", &RoundRobin[map[string]string]{})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.Instance()
	assert.Equal(t, ErrNoInstances, err)

	a := NewServiceInstance("web", "10.0.0.1", 80, map[string]string{})
	register(t, ss, a)
	waitEvent(t, provider.Event())

	got, err := provider.Instance()
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Len(t, provider.All(), 1)
}
