package rdmafabric

import (
	"errors"
	"sync/atomic"
)

// mrCounter hands out monotonically increasing remote keys; a real verbs
// stack would get these from the NIC, but a process-unique counter is
// sufficient for the in-process model this package implements.
var mrCounter atomic.Uint32

// MemoryRegion is a registered region of local memory, addressable by a
// remote peer via RKey once its descriptor has been shared out-of-band.
type MemoryRegion struct {
	RKey   uint32
	LKey   uint32
	Size   int
	Access AccessFlags
	buf    []byte
}

// RegisterMR registers buf with pd under the given access flags, returning a
// handle a caller can later export as a RemoteMRDescriptor.
func RegisterMR(pd *ProtectionDomain, buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if pd == nil {
		return nil, errors.New("rdmafabric: nil protection domain")
	}

	key := mrCounter.Add(1)

	return &MemoryRegion{
		RKey:   key,
		LKey:   key,
		Size:   len(buf),
		Access: access,
		buf:    buf,
	}, nil
}

// Bytes exposes the backing buffer for local (host-side) writers. Not valid
// to call from the remote side of the connection.
func (mr *MemoryRegion) Bytes() []byte {
	return mr.buf
}

// Descriptor exports the wire-shape a remote reader needs to issue RDMA
// READs against this region.
func (mr *MemoryRegion) Descriptor() RemoteMRDescriptor {
	return RemoteMRDescriptor{RKey: mr.RKey, Size: mr.Size, region: mr}
}

// RemoteMRDescriptor is the information a remote peer needs to READ a memory
// region: in real RDMA this would be a virtual address plus rkey; since this
// package models the transport in-process, the descriptor also carries a
// reference to the underlying region so PostRead can copy its bytes.
type RemoteMRDescriptor struct {
	RemoteAddr uint64
	RKey       uint32
	Size       int

	region *MemoryRegion
}

// backing returns the bytes a READ of this descriptor would transfer.
func (d RemoteMRDescriptor) backing() []byte {
	if d.region == nil {
		return nil
	}

	return d.region.buf
}
