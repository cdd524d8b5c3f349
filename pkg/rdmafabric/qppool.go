package rdmafabric

import "fmt"

// QueuePairPool owns a fixed-size set of queue pairs created together on one
// protection domain and completion queue. Host and collector share this one
// implementation rather than each keeping their own near-identical pool.
type QueuePairPool struct {
	Size int

	pd  *ProtectionDomain
	cq  *CompletionQueue
	qps []*QueuePair
}

// NewQueuePairPool creates size queue pairs, all transitioned to INIT and
// ready for ConnectRemote.
func NewQueuePairPool(dc *DeviceContext, pd *ProtectionDomain, cq *CompletionQueue, size int) (*QueuePairPool, error) {
	if dc == nil || pd == nil || cq == nil {
		return nil, fmt.Errorf("rdmafabric: NewQueuePairPool requires non-nil device/pd/cq")
	}

	if size <= 0 {
		return nil, fmt.Errorf("rdmafabric: pool size must be positive, got %d", size)
	}

	qps := make([]*QueuePair, size)

	for i := range size {
		qp, err := newQueuePair(uint32(i), pd, cq) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("rdmafabric: creating queue pair %d: %w", i, err)
		}

		qps[i] = qp
	}

	return &QueuePairPool{Size: size, pd: pd, cq: cq, qps: qps}, nil
}

// QueuePairs returns the pool's queue pairs in index order.
func (p *QueuePairPool) QueuePairs() []*QueuePair {
	return p.qps
}

// Descriptors returns the local identity of every queue pair in the pool, in
// the shape exchanged with a remote peer (the collector posts them to the
// host's POST /rdma/qps/connect).
func (p *QueuePairPool) Descriptors() []QPDescriptor {
	out := make([]QPDescriptor, len(p.qps))
	for i, qp := range p.qps {
		out[i] = qp.Descriptor()
	}

	return out
}

// ConnectAll connects each local queue pair to the corresponding entry of
// remotes, by index. len(remotes) must equal p.Size.
func (p *QueuePairPool) ConnectAll(remotes []QPDescriptor) error {
	if len(remotes) != len(p.qps) {
		return fmt.Errorf("rdmafabric: ConnectAll expected %d remote descriptors, got %d", len(p.qps), len(remotes))
	}

	for i, qp := range p.qps {
		if err := qp.ConnectRemote(remotes[i]); err != nil {
			return fmt.Errorf("rdmafabric: connecting QP %d: %w", qp.Num, err)
		}
	}

	return nil
}
