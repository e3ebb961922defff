package zkasync

import (
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

// AnyVersion disables the version match of a conditional write.
const AnyVersion int32 = -1

// OpenACLUnsafe is the ACL used when none is configured: every permission for everyone.
var OpenACLUnsafe = zk.WorldACL(zk.PermAll)

// createParams accumulates builder configuration. Nothing in it is validated until resolve.
type createParams struct {
	mode    CreateMode
	modeSet bool

	acl    []zk.ACL
	aclSet bool

	ttl    time.Duration
	ttlSet bool

	stat *zk.Stat

	version    int32
	versionSet bool

	options OptionSet
}

// A Setting is one field of a combined WithOptions call.
type Setting func(*createParams)

// UsingMode sets the create mode as part of a combined call.
func UsingMode(mode CreateMode) Setting {
	return func(s *createParams) {
		s.mode, s.modeSet = mode, true
	}
}

// UsingACL sets the ACL list as part of a combined call.
func UsingACL(acl ...zk.ACL) Setting {
	return func(s *createParams) {
		s.acl, s.aclSet = copyACL(acl), true
	}
}

// UsingStat sets the stat target as part of a combined call.
func UsingStat(stat *zk.Stat) Setting {
	return func(s *createParams) {
		s.stat = stat
	}
}

// UsingTTL sets the TTL as part of a combined call. A zero ttl means no TTL.
func UsingTTL(ttl time.Duration) Setting {
	return func(s *createParams) {
		s.ttl, s.ttlSet = ttl, ttl != 0
	}
}

// UsingSetDataVersion sets the expected set-data version as part of a combined call.
func UsingSetDataVersion(version int32) Setting {
	return func(s *createParams) {
		s.version, s.versionSet = version, true
	}
}

// CreateRequest is a resolved, immutable create operation.
type CreateRequest struct {
	path    string
	data    []byte
	mode    CreateMode
	acl     []zk.ACL
	ttl     time.Duration
	hasTTL  bool
	stat    *zk.Stat
	version int32
	options OptionSet
}

func (r *CreateRequest) Path() string { return r.path }

func (r *CreateRequest) Mode() CreateMode { return r.mode }

func (r *CreateRequest) Options() OptionSet { return r.options }

// StatTarget returns the caller-owned stat filled in when the create succeeds, or nil.
func (r *CreateRequest) StatTarget() *zk.Stat { return r.stat }

// Data returns a copy of the payload.
func (r *CreateRequest) Data() []byte {
	return append([]byte(nil), r.data...)
}

// ACL returns a copy of the ACL list.
func (r *CreateRequest) ACL() []zk.ACL {
	return copyACL(r.acl)
}

// TTL returns the node TTL and whether one was set.
func (r *CreateRequest) TTL() (time.Duration, bool) {
	return r.ttl, r.hasTTL
}

// SetDataVersion returns the version matched by SetDataIfExists, AnyVersion by default.
func (r *CreateRequest) SetDataVersion() int32 {
	return r.version
}

// resolve validates the accumulated configuration and freezes it into a request.
func (s *createParams) resolve(path string, data []byte) (*CreateRequest, error) {
	mode := ModePersistent
	if s.modeSet {
		mode = s.mode
	}
	if !mode.valid() {
		return nil, configErrorf("mode", "unknown create mode %d", int(mode))
	}
	if err := validatePath(path, mode.IsSequential()); err != nil {
		return nil, err
	}

	req := &CreateRequest{
		path:    path,
		data:    append([]byte(nil), data...),
		mode:    mode,
		acl:     OpenACLUnsafe,
		stat:    s.stat,
		version: AnyVersion,
		options: s.options,
	}
	if s.aclSet {
		req.acl = s.acl
	}
	if s.versionSet {
		req.version = s.version
	}

	switch {
	case s.ttlSet && !mode.IsTTL():
		return nil, configErrorf("ttl", "a TTL is only allowed with a TTL mode, mode is %s", mode)
	case !s.ttlSet && mode.IsTTL():
		return nil, configErrorf("ttl", "mode %s requires a TTL", mode)
	case s.ttlSet:
		ms := s.ttl.Milliseconds()
		if ms <= 0 || ms > MaxTTLMillis {
			return nil, configErrorf("ttl", "%v is outside (0, %dms]", s.ttl, MaxTTLMillis)
		}
		req.ttl, req.hasTTL = s.ttl, true
	}

	if len(req.acl) == 0 {
		return nil, configErrorf("acl", "an explicit ACL list must not be empty")
	}
	req.acl = copyACL(req.acl)
	return req, nil
}

// validatePath checks a node path the way the server does. A sequential node may end in
// a slash since the server appends the sequence number.
func validatePath(path string, sequential bool) error {
	if path == "" {
		return configErrorf("path", "path must not be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return configErrorf("path", "path %q does not start at the root", path)
	}
	if path == "/" {
		if sequential {
			return nil
		}
		return configErrorf("path", "path cannot be the root")
	}
	trimmed := path
	if sequential {
		trimmed = strings.TrimSuffix(path, "/")
	} else if strings.HasSuffix(path, "/") {
		return configErrorf("path", "path %q must end in a node name", path)
	}

	// Since we have a leading /, the first name is empty.
	for _, name := range strings.Split(trimmed, "/")[1:] {
		switch name {
		case "":
			return configErrorf("path", "path %q contains an empty node name", path)
		case ".", "..":
			return configErrorf("path", "path %q contains a relative node name", path)
		}
	}
	return nil
}

func copyACL(acl []zk.ACL) []zk.ACL {
	if acl == nil {
		return nil
	}
	return append(make([]zk.ACL, 0, len(acl)), acl...)
}
