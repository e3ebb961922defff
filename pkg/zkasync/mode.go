package zkasync

import (
	"fmt"

	"github.com/samuel/go-zookeeper/zk"
)

// CreateMode is the lifetime and naming policy of a created znode.
type CreateMode int

const (
	// ModePersistent nodes live until they are explicitly deleted.
	ModePersistent CreateMode = iota
	// ModePersistentSequential nodes get a monotonically increasing suffix appended to their name.
	ModePersistentSequential
	// ModeEphemeral nodes are removed when the creating session ends.
	ModeEphemeral
	// ModeEphemeralSequential combines ModeEphemeral and ModePersistentSequential.
	ModeEphemeralSequential
	// ModePersistentWithTTL nodes are removed by the server once they have had no
	// modifications and no children for longer than their TTL.
	ModePersistentWithTTL
	// ModePersistentSequentialWithTTL is ModePersistentWithTTL with a sequence suffix.
	ModePersistentSequentialWithTTL
)

// Wire flags for modes the go-zookeeper package has no constant for.
const (
	flagContainer             int32 = 4
	flagPersistentTTL         int32 = 5
	flagPersistentSequenceTTL int32 = 6
)

// MaxTTLMillis is the largest TTL the server accepts, in milliseconds.
const MaxTTLMillis int64 = 0xFFFFFFFFFF

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "PERSISTENT"
	case ModePersistentSequential:
		return "PERSISTENT_SEQUENTIAL"
	case ModeEphemeral:
		return "EPHEMERAL"
	case ModeEphemeralSequential:
		return "EPHEMERAL_SEQUENTIAL"
	case ModePersistentWithTTL:
		return "PERSISTENT_WITH_TTL"
	case ModePersistentSequentialWithTTL:
		return "PERSISTENT_SEQUENTIAL_WITH_TTL"
	}
	return fmt.Sprintf("CreateMode(%d)", int(m))
}

func (m CreateMode) valid() bool {
	return m >= ModePersistent && m <= ModePersistentSequentialWithTTL
}

// IsTTL reports whether nodes of this mode require a TTL.
func (m CreateMode) IsTTL() bool {
	return m == ModePersistentWithTTL || m == ModePersistentSequentialWithTTL
}

// IsSequential reports whether the server appends a sequence suffix to the node name.
func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential || m == ModePersistentSequentialWithTTL
}

// IsEphemeral reports whether the node is tied to the creating session.
func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

// Flags returns the create flags sent on the wire for this mode.
func (m CreateMode) Flags() int32 {
	switch m {
	case ModePersistentSequential:
		return zk.FlagSequence
	case ModeEphemeral:
		return zk.FlagEphemeral
	case ModeEphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	case ModePersistentWithTTL:
		return flagPersistentTTL
	case ModePersistentSequentialWithTTL:
		return flagPersistentSequenceTTL
	}
	return 0
}
