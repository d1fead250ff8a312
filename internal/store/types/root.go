// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package types

// CollRoot describes the root of the collection tree.
type CollRoot struct {
	Location Laddr
	Size     uint64
}

// RootBlock is the metadata anchor of the store. It is a single versioned
// record, copied on write like any other extent.
type RootBlock struct {
	OnodeRoot      Laddr
	CollectionRoot CollRoot
	Meta           map[string]string
}

// NewRootBlock returns root of an empty store.
func NewRootBlock() *RootBlock {
	return &RootBlock{
		OnodeRoot:      LaddrNull,
		CollectionRoot: CollRoot{Location: LaddrNull},
		Meta:           make(map[string]string),
	}
}

// Clone returns a deep copy.
func (r *RootBlock) Clone() *RootBlock {
	c := *r
	c.Meta = make(map[string]string, len(r.Meta))
	for k, v := range r.Meta {
		c.Meta[k] = v
	}

	return &c
}
