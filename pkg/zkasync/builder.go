package zkasync

import (
	"time"

	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

// Transport executes resolved create requests. SubmitCreate must not block on network I/O
// and must resolve c exactly once, with the created path or a *RemoteOperationError.
type Transport interface {
	SubmitCreate(req *CreateRequest, c *Completer[string])
}

// A CreateBuilder configures and submits one node creation. Configuration methods return
// the builder so calls can be chained. A builder is not safe for concurrent use.
type CreateBuilder struct {
	transport Transport
	params    createParams
	submitted bool
	// touched records configuration calls made after the request was submitted.
	touched bool
}

// NewCreateBuilder returns a builder that submits to t.
func NewCreateBuilder(t Transport) *CreateBuilder {
	return &CreateBuilder{transport: t}
}

func (b *CreateBuilder) apply(settings ...Setting) *CreateBuilder {
	if b.submitted {
		b.touched = true
		return b
	}
	for _, s := range settings {
		s(&b.params)
	}
	return b
}

// WithMode sets the create mode. The default is ModePersistent.
func (b *CreateBuilder) WithMode(mode CreateMode) *CreateBuilder {
	return b.apply(UsingMode(mode))
}

// WithACL sets the ACL list. The default is OpenACLUnsafe; an explicit empty list is an error.
func (b *CreateBuilder) WithACL(acl ...zk.ACL) *CreateBuilder {
	return b.apply(UsingACL(acl...))
}

// WithTTL sets the node TTL. It is required by, and only allowed with, the TTL modes and
// must be within (0, MaxTTLMillis] milliseconds.
func (b *CreateBuilder) WithTTL(ttl time.Duration) *CreateBuilder {
	return b.apply(func(s *createParams) {
		s.ttl, s.ttlSet = ttl, true
	})
}

// StoringStatIn has the operation fill stat once it succeeds. stat must not be read before
// the stage has resolved.
func (b *CreateBuilder) StoringStatIn(stat *zk.Stat) *CreateBuilder {
	return b.apply(UsingStat(stat))
}

// WithSetDataVersion sets the version matched when SetDataIfExists overwrites an existing
// node. The default is AnyVersion.
func (b *CreateBuilder) WithSetDataVersion(version int32) *CreateBuilder {
	return b.apply(UsingSetDataVersion(version))
}

// WithOptions replaces the option set and every field named by settings as one unit.
// Single-field calls made later override only their own field.
func (b *CreateBuilder) WithOptions(options OptionSet, settings ...Setting) *CreateBuilder {
	return b.apply(append([]Setting{func(s *createParams) { s.options = options }}, settings...)...)
}

// ForPath creates a node at path with no data.
func (b *CreateBuilder) ForPath(path string) (*Stage[string], error) {
	return b.ForPathWithData(path, nil)
}

// ForPathWithData resolves the configuration into a request, submits it and returns the
// stage of the created path. Configuration problems are returned here and never through
// the stage.
func (b *CreateBuilder) ForPathWithData(path string, data []byte) (*Stage[string], error) {
	if b.submitted {
		if b.touched {
			return nil, configErrorf("builder", "configured after the request was submitted")
		}
		return nil, configErrorf("builder", "request already submitted")
	}
	req, err := b.params.resolve(path, data)
	if err != nil {
		return nil, err
	}
	b.submitted = true

	log.WithFields(log.Fields{
		"path":    req.path,
		"mode":    req.mode,
		"options": req.options,
	}).Debug("submitting create")

	stage, c := NewStage[string]()
	b.transport.SubmitCreate(req, c)
	return stage, nil
}
