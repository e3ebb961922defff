// Package memzk is an in-memory ZooKeeper node tree. It speaks the go-zookeeper
// connection API and returns the go-zookeeper errors, so code written against *zk.Conn
// can run against it in tests and local tooling.
package memzk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

// Create flags understood by the tree, as sent on the wire.
const (
	flagContainer     int32 = 4
	flagTTL           int32 = 5
	flagTTLSequential int32 = 6
)

// sequenceSuffixWidth is the zero padded width of sequential node suffixes.
const sequenceSuffixWidth = 10

type nodeType int

const (
	nodeStandard nodeType = iota
	nodeEphemeral
	nodeContainer
	nodeTTL
)

type node struct {
	name     string
	data     []byte
	acl      []zk.ACL
	stat     zk.Stat
	nodeType nodeType
	ttl      time.Duration
	children map[string]*node
	// nextSequence numbers the sequential children of this node.
	nextSequence int32
	hadChildren  bool

	childWatches []chan zk.Event
	dataWatches  []chan zk.Event
}

// Tree is a goroutine safe, in-memory node tree owned by a single session.
type Tree struct {
	mu        sync.Mutex
	root      *node
	zxid      int64
	sessionID int64
	now       func() time.Time
	faults    []fault
}

type fault struct {
	err   error
	apply bool
}

// New returns an empty tree holding only the root node.
func New() *Tree {
	return &Tree{
		root:      newNode("", nil, nil, nodeStandard),
		sessionID: 1,
		now:       time.Now,
	}
}

func newNode(name string, data []byte, acl []zk.ACL, t nodeType) *node {
	return &node{
		name: name,
		data: data,
		acl:  acl,
		// Init the children to an empty map instead of nil to avoid panics when writing to
		// a nil map.
		children: map[string]*node{},
		nodeType: t,
	}
}

// SetClock replaces the time source used for stat times and TTL expiry.
func (t *Tree) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// FailNext makes the next operation return err without touching the tree.
func (t *Tree) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, fault{err: err})
}

// LoseNextReply makes the next operation take effect but return zk.ErrConnectionClosed,
// as if the connection dropped before the reply arrived.
func (t *Tree) LoseNextReply() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, fault{err: zk.ErrConnectionClosed, apply: true})
}

// nextFault pops the pending fault, if any. Callers hold t.mu.
func (t *Tree) nextFault() (fault, bool) {
	if len(t.faults) == 0 {
		return fault{}, false
	}
	f := t.faults[0]
	t.faults = t.faults[1:]
	return f, true
}

func splitPathIntoNodeNames(path string) []string {
	// Since we have a leading /, then we expect the first name to be empty.
	return strings.Split(path, "/")[1:]
}

func validatePath(path string, sequential bool) error {
	if !strings.HasPrefix(path, "/") {
		return zk.ErrBadArguments
	}
	if path == "/" {
		if sequential {
			return nil
		}
		return zk.ErrBadArguments
	}
	if strings.HasSuffix(path, "/") && !sequential {
		return zk.ErrBadArguments
	}
	names := splitPathIntoNodeNames(strings.TrimSuffix(path, "/"))
	for _, name := range names {
		if name == "" || name == "." || name == ".." {
			return zk.ErrBadArguments
		}
	}
	return nil
}

// findZNode will search down to the tree and return the node specified by the names.
// If the node could not be found, then we will return nil.
func findZNode(start *node, names []string) *node {
	n := start
	for _, name := range names {
		z, ok := n.children[name]
		if !ok {
			return nil
		}
		n = z
	}
	return n
}

func (t *Tree) lookup(path string) (*node, error) {
	if path == "/" {
		return t.root, nil
	}
	if err := validatePath(path, false); err != nil {
		return nil, err
	}
	n := findZNode(t.root, splitPathIntoNodeNames(path))
	if n == nil {
		return nil, zk.ErrNoNode
	}
	return n, nil
}

// Create creates a node, as (*zk.Conn).Create does.
func (t *Tree) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	switch flags {
	case flagContainer, flagTTL, flagTTLSequential:
		return "", zk.ErrBadArguments
	}
	return t.create(path, data, flags, acl, 0)
}

// CreateContainer creates a container node, removed by Reap once its last child is gone.
func (t *Tree) CreateContainer(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	if flags != flagContainer {
		return "", zk.ErrBadArguments
	}
	return t.create(path, data, flags, acl, 0)
}

// CreateTTL creates a TTL node, removed by Reap once it has been left unmodified and
// childless for longer than ttl.
func (t *Tree) CreateTTL(path string, data []byte, flags int32, acl []zk.ACL, ttl time.Duration) (string, error) {
	if flags != flagTTL && flags != flagTTLSequential {
		return "", zk.ErrBadArguments
	}
	if ttl <= 0 {
		return "", zk.ErrBadArguments
	}
	return t.create(path, data, flags, acl, ttl)
}

func (t *Tree) create(path string, data []byte, flags int32, acl []zk.ACL, ttl time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, faulty := t.nextFault()
	if faulty && !f.apply {
		return "", f.err
	}

	sequential := flags&zk.FlagSequence != 0 || flags == flagTTLSequential
	if err := validatePath(path, sequential); err != nil {
		return "", err
	}
	if len(acl) == 0 {
		return "", zk.ErrInvalidACL
	}

	idx := strings.LastIndex(path, "/")
	parentPath, newName := path[:idx], path[idx+1:]
	if parentPath == "" {
		parentPath = "/"
	}
	parent, err := t.lookup(parentPath)
	if err != nil {
		return "", err
	}
	if parent.nodeType == nodeEphemeral {
		return "", zk.ErrNoChildrenForEphemerals
	}

	if sequential {
		newName = fmt.Sprintf("%s%0*d", newName, sequenceSuffixWidth, parent.nextSequence)
	}
	if _, ok := parent.children[newName]; ok {
		return "", zk.ErrNodeExists
	}

	nt := nodeStandard
	switch {
	case flags == flagContainer:
		nt = nodeContainer
	case flags == flagTTL || flags == flagTTLSequential:
		nt = nodeTTL
	case flags&zk.FlagEphemeral != 0:
		nt = nodeEphemeral
	}

	t.zxid++
	nowMs := t.now().UnixNano() / int64(time.Millisecond)
	n := newNode(newName, append([]byte(nil), data...), append([]zk.ACL(nil), acl...), nt)
	n.ttl = ttl
	n.stat = zk.Stat{
		Czxid:      t.zxid,
		Mzxid:      t.zxid,
		Pzxid:      t.zxid,
		Ctime:      nowMs,
		Mtime:      nowMs,
		DataLength: int32(len(data)),
	}
	if nt == nodeEphemeral {
		n.stat.EphemeralOwner = t.sessionID
	}

	parent.children[newName] = n
	parent.hadChildren = true
	// Make sure to increment the counter so the next sequential node will have the next number.
	parent.nextSequence++
	parent.stat.Cversion++
	parent.stat.Pzxid = t.zxid
	parent.stat.NumChildren = int32(len(parent.children))
	fire(&parent.childWatches, zk.Event{Type: zk.EventNodeChildrenChanged, State: zk.StateHasSession, Path: parentPath})

	created := parentPath + "/" + newName
	if parentPath == "/" {
		created = "/" + newName
	}
	if faulty {
		return "", f.err
	}
	return created, nil
}

// Exists reports whether path exists, with its stat.
func (t *Tree) Exists(path string) (bool, *zk.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return false, nil, f.err
	}
	n, err := t.lookup(path)
	if err == zk.ErrNoNode {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	stat := n.stat
	return true, &stat, nil
}

// Get returns the data and stat of path.
func (t *Tree) Get(path string) ([]byte, *zk.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return nil, nil, f.err
	}
	n, err := t.lookup(path)
	if err != nil {
		return nil, nil, err
	}
	stat := n.stat
	return append([]byte(nil), n.data...), &stat, nil
}

// GetW is Get plus a one-shot watch fired when the data changes or the node is deleted.
func (t *Tree) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return nil, nil, nil, f.err
	}
	n, err := t.lookup(path)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan zk.Event, 1)
	n.dataWatches = append(n.dataWatches, ch)
	stat := n.stat
	return append([]byte(nil), n.data...), &stat, ch, nil
}

// Set writes data to path if version is -1 or the current version.
func (t *Tree) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, faulty := t.nextFault()
	if faulty && !f.apply {
		return nil, f.err
	}
	n, err := t.lookup(path)
	if err != nil {
		return nil, err
	}
	if !isValidVersion(version, n.stat.Version) {
		return nil, zk.ErrBadVersion
	}
	t.zxid++
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mzxid = t.zxid
	n.stat.Mtime = t.now().UnixNano() / int64(time.Millisecond)
	n.stat.DataLength = int32(len(data))
	fire(&n.dataWatches, zk.Event{Type: zk.EventNodeDataChanged, State: zk.StateHasSession, Path: path})
	if faulty {
		return nil, f.err
	}
	stat := n.stat
	return &stat, nil
}

// Delete removes a childless node if version is -1 or the current version.
func (t *Tree) Delete(path string, version int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return f.err
	}
	n, err := t.lookup(path)
	if err != nil {
		return err
	}
	if n == t.root {
		return zk.ErrBadArguments
	}
	if !isValidVersion(version, n.stat.Version) {
		return zk.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	t.remove(path)
	return nil
}

// remove unlinks the node at path and fires its watches. Callers hold t.mu.
func (t *Tree) remove(path string) {
	idx := strings.LastIndex(path, "/")
	parentPath, name := path[:idx], path[idx+1:]
	if parentPath == "" {
		parentPath = "/"
	}
	parent, err := t.lookup(parentPath)
	if err != nil {
		return
	}
	n, ok := parent.children[name]
	if !ok {
		return
	}
	t.zxid++
	delete(parent.children, name)
	parent.stat.Cversion++
	parent.stat.Pzxid = t.zxid
	parent.stat.NumChildren = int32(len(parent.children))

	deleted := zk.Event{Type: zk.EventNodeDeleted, State: zk.StateHasSession, Path: path}
	fire(&n.dataWatches, deleted)
	fire(&n.childWatches, deleted)
	fire(&parent.childWatches, zk.Event{Type: zk.EventNodeChildrenChanged, State: zk.StateHasSession, Path: parentPath})
}

// Children returns the sorted child names of path.
func (t *Tree) Children(path string) ([]string, *zk.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return nil, nil, f.err
	}
	return t.children(path)
}

// ChildrenW is Children plus a one-shot watch fired when the children change.
func (t *Tree) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.nextFault(); ok {
		return nil, nil, nil, f.err
	}
	names, stat, err := t.children(path)
	if err != nil {
		return nil, nil, nil, err
	}
	n, _ := t.lookup(path)
	ch := make(chan zk.Event, 1)
	n.childWatches = append(n.childWatches, ch)
	return names, stat, ch, nil
}

func (t *Tree) children(path string) ([]string, *zk.Stat, error) {
	n, err := t.lookup(path)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	stat := n.stat
	return names, &stat, nil
}

// ExpireSession removes every ephemeral node, as the server does when a session ends.
func (t *Tree) ExpireSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.collect("/", t.root, func(n *node) bool { return n.nodeType == nodeEphemeral }) {
		t.remove(p)
	}
	t.sessionID++
}

// Reap removes expired TTL nodes and empty containers that once had children.
func (t *Tree) Reap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	nowMs := t.now().UnixNano() / int64(time.Millisecond)
	expired := t.collect("/", t.root, func(n *node) bool {
		if len(n.children) > 0 {
			return false
		}
		switch n.nodeType {
		case nodeContainer:
			return n.hadChildren
		case nodeTTL:
			return nowMs-n.stat.Mtime > n.ttl.Milliseconds()
		}
		return false
	})
	for _, p := range expired {
		t.remove(p)
	}
}

// collect returns the paths of matching nodes below n, deepest first.
func (t *Tree) collect(path string, n *node, match func(*node) bool) []string {
	var out []string
	for name, child := range n.children {
		childPath := path + name
		out = append(out, t.collect(childPath+"/", child, match)...)
		if match(child) {
			out = append(out, childPath)
		}
	}
	return out
}

// fire delivers ev to every pending watch once and clears them.
func fire(watches *[]chan zk.Event, ev zk.Event) {
	for _, ch := range *watches {
		ch <- ev
		close(ch)
	}
	*watches = nil
}

// isValidVersion is used for conditional checks for update/delete operations. If the passed in version
// is -1, then skip the version check. Otherwise, make sure the versions are equal.
func isValidVersion(expected, actual int32) bool {
	return expected == -1 || expected == actual
}
