package zkasync

import (
	"bytes"
	"compress/gzip"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
	"github.com/thinker0/go.statsd"
)

// ProtectedPrefix starts the name of every node created with DoProtected.
const ProtectedPrefix = "_c_"

// Conn is the part of a ZooKeeper connection the transport needs. *zk.Conn satisfies it.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
}

// ContainerCreator is implemented by connections that can create container nodes.
type ContainerCreator interface {
	CreateContainer(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
}

// TTLCreator is implemented by connections that can create TTL nodes.
type TTLCreator interface {
	CreateTTL(path string, data []byte, flags int32, acl []zk.ACL, ttl time.Duration) (string, error)
}

// ZKTransport runs create requests against a Conn, each on its own goroutine.
//
// Every create is measured as create.latency and counted as create.success or as
// create.failure.<kind>, kind being the ErrorKind of the failure.
type ZKTransport struct {
	conn  Conn
	stats statsd.Stater
	wg    sync.WaitGroup
}

// TransportOption configures a ZKTransport.
type TransportOption func(*ZKTransport)

// WithStater reports create metrics to s instead of discarding them.
func WithStater(s statsd.Stater) TransportOption {
	return func(t *ZKTransport) {
		t.stats = s
	}
}

// NewZKTransport returns a transport over conn.
func NewZKTransport(conn Conn, opts ...TransportOption) *ZKTransport {
	t := &ZKTransport{conn: conn, stats: statsd.NoopClient{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SubmitCreate implements Transport.
func (t *ZKTransport) SubmitCreate(req *CreateRequest, c *Completer[string]) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		start := time.Now()
		created, err := t.create(req)
		t.stats.Measure("create.latency", time.Since(start))
		if err != nil {
			re := remoteError("create", req.path, err)
			t.stats.Count("create.failure." + re.Kind.String())
			log.WithFields(log.Fields{
				"path": req.path,
				"kind": re.Kind,
			}).WithError(re.Err).Debug("create failed")
			c.Fail(re)
			return
		}
		t.stats.Count("create.success")
		c.Succeed(created)
	}()
}

// Wait blocks until every submitted request has resolved its stage.
func (t *ZKTransport) Wait() {
	t.wg.Wait()
}

func (t *ZKTransport) create(req *CreateRequest) (string, error) {
	data := req.data
	if req.options.Has(Compress) {
		var err error
		if data, err = compress(data); err != nil {
			return "", &RemoteOperationError{Kind: KindValidation, Op: "create", Path: req.path, Err: err}
		}
	}

	nodePath := req.path
	var protectedID string
	if req.options.Has(DoProtected) {
		protectedID = uuid.New().String()
		nodePath = protectedPath(nodePath, protectedID)
	}

	created, err := t.createNode(req, nodePath, data)
	if err == zk.ErrNoNode && (req.options.Has(CreateParentsIfNeeded) || req.options.Has(CreateParentsAsContainers)) {
		if err = t.createParents(req, nodePath); err != nil {
			return "", err
		}
		created, err = t.createNode(req, nodePath, data)
	}
	if err != nil && protectedID != "" && classify(err) == KindConnection {
		if found, ok := t.findProtected(nodePath, protectedID); ok {
			log.WithField("path", found).Info("recovered protected node after connection loss")
			created, err = found, nil
		}
	}

	switch {
	case err == zk.ErrNodeExists && req.options.Has(SetDataIfExists):
		stat, err := t.conn.Set(nodePath, data, req.version)
		if err != nil {
			return "", errors.Wrapf(err, "set data of existing node %s", nodePath)
		}
		t.fillStat(req, stat)
		return nodePath, nil
	case err != nil:
		return "", err
	}

	if req.stat != nil {
		_, stat, err := t.conn.Exists(created)
		if err != nil {
			return "", errors.Wrapf(err, "read stat of %s", created)
		}
		t.fillStat(req, stat)
	}
	return created, nil
}

func (t *ZKTransport) createNode(req *CreateRequest, nodePath string, data []byte) (string, error) {
	if req.hasTTL {
		tc, ok := t.conn.(TTLCreator)
		if !ok {
			return "", ErrTTLUnsupported
		}
		return tc.CreateTTL(nodePath, data, req.mode.Flags(), req.acl, req.ttl)
	}
	return t.conn.Create(nodePath, data, req.mode.Flags(), req.acl)
}

// createParents makes sure all the ancestors of nodePath exist.
func (t *ZKTransport) createParents(req *CreateRequest, nodePath string) error {
	dir, _ := path.Split(nodePath)
	if dir == "/" {
		return nil
	}
	cc, containers := t.conn.(ContainerCreator)
	if req.options.Has(CreateParentsAsContainers) && !containers {
		log.WithField("path", nodePath).Warn("connection has no container support, creating persistent parents")
	}
	containers = containers && req.options.Has(CreateParentsAsContainers)

	for _, key := range splitPaths(dir) {
		var err error
		if containers {
			_, err = cc.CreateContainer(key, nil, flagContainer, req.acl)
		} else {
			_, err = t.conn.Create(key, nil, 0, req.acl)
		}
		if err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "create parent %s of %s", key, nodePath)
		}
	}
	return nil
}

// findProtected looks for the node a protected create may have made before the
// connection was lost.
func (t *ZKTransport) findProtected(nodePath, id string) (string, bool) {
	dir, _ := path.Split(nodePath)
	parent := strings.TrimSuffix(dir, "/")
	if parent == "" {
		parent = "/"
	}
	children, _, err := t.conn.Children(parent)
	if err != nil {
		return "", false
	}
	for _, child := range children {
		if strings.HasPrefix(child, ProtectedPrefix+id) {
			return path.Join(parent, child), true
		}
	}
	return "", false
}

// fillStat writes the stat target once, before the stage resolves.
func (t *ZKTransport) fillStat(req *CreateRequest, stat *zk.Stat) {
	if req.stat != nil && stat != nil {
		*req.stat = *stat
	}
}

func protectedPath(nodePath, id string) string {
	dir, name := path.Split(nodePath)
	return dir + ProtectedPrefix + id + "-" + name
}

// splitPaths returns every ancestor path of fullPath, outermost first, fullPath included.
func splitPaths(fullPath string) []string {
	var parts []string

	var last string
	for fullPath != "/" {
		fullPath, last = path.Split(path.Clean(fullPath))
		parts = append(parts, last)
	}

	// parts are in reverse order, put back together
	// into set of subdirectory paths
	result := make([]string, 0, len(parts))
	base := ""
	for i := len(parts) - 1; i >= 0; i-- {
		base += "/" + parts[i]
		result = append(result, base)
	}

	return result
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "compress payload")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "compress payload")
	}
	return buf.Bytes(), nil
}

// Decompress reverses the compression applied by the Compress option.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decompress payload")
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errors.Wrap(err, "decompress payload")
	}
	return buf.Bytes(), nil
}
