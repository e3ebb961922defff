package zkasync

import "strings"

// CreateOption changes how a node is created.
type CreateOption uint8

const (
	// CreateParentsIfNeeded creates any missing ancestors of the node as persistent nodes.
	CreateParentsIfNeeded CreateOption = 1 << iota
	// CreateParentsAsContainers creates missing ancestors as container nodes. It implies
	// CreateParentsIfNeeded.
	CreateParentsAsContainers
	// DoProtected prefixes the node name with a unique id so the node can be found again
	// if the connection is lost before the server reply arrives.
	DoProtected
	// Compress gzips the payload before it is written.
	Compress
	// SetDataIfExists overwrites the data of an already existing node instead of failing.
	// The version set with WithSetDataVersion is matched when the data is written.
	SetDataIfExists
)

var optionNames = []struct {
	opt  CreateOption
	name string
}{
	{CreateParentsIfNeeded, "createParentsIfNeeded"},
	{CreateParentsAsContainers, "createParentsAsContainers"},
	{DoProtected, "doProtected"},
	{Compress, "compress"},
	{SetDataIfExists, "setDataIfExists"},
}

// OptionSet is an immutable set of CreateOption values.
type OptionSet uint8

// Options builds an OptionSet from the given options.
func Options(opts ...CreateOption) OptionSet {
	var s OptionSet
	for _, o := range opts {
		s |= OptionSet(o)
	}
	return s
}

// Has reports whether opt is in the set.
func (s OptionSet) Has(opt CreateOption) bool {
	return s&OptionSet(opt) != 0
}

// With returns a copy of the set with opt added.
func (s OptionSet) With(opt CreateOption) OptionSet {
	return s | OptionSet(opt)
}

func (s OptionSet) String() string {
	var names []string
	for _, n := range optionNames {
		if s.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}
