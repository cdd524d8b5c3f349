// Package rdmafabric models the one-sided RDMA READ control plane: device
// context, protection domain, queue pairs and memory regions. No Go binding
// for libibverbs exists in the wild, so this package is a software model of
// the verbs state machine rather than a wrapper around a real library.
package rdmafabric

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alessandrocornacchia/uview/internal/osexec"
)

// AccessFlags mirrors the verbs access-permission bitmask attached to a
// memory region at registration time.
type AccessFlags uint32

const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
)

// DeviceContext represents an opened RDMA device (e.g. "mlx5_0").
type DeviceContext struct {
	Name string
	Port int
}

// NewDeviceContext opens a (modeled) device context. In a real deployment
// this would call ibv_open_device; here it just validates the device name is
// non-empty, matching how `pkg/collector/rdma.go` validates a sysfs device
// path before use.
func NewDeviceContext(name string, port int) (*DeviceContext, error) {
	if name == "" {
		return nil, errors.New("rdmafabric: device name must not be empty")
	}

	return &DeviceContext{Name: name, Port: port}, nil
}

// ProbeDevice shells out to ibv_devinfo to confirm name is a real RDMA
// device known to the kernel. It is a best-effort diagnostic, not a
// precondition: callers run on hosts without an ibv_devinfo binary (CI,
// containers without RDMA hardware) and must still be able to bring up the
// simulated fabric, so a failure here is reported to the caller but never
// prevents NewDeviceContext from succeeding.
func ProbeDevice(ctx context.Context, name string) error {
	out, err := osexec.ExecuteContext(ctx, "ibv_devinfo", []string{"-d", name}, nil)
	if err != nil {
		return fmt.Errorf("rdmafabric: probing device %s: %w: %s", name, err, out)
	}

	return nil
}

// ProtectionDomain groups queue pairs and memory regions that may address
// each other's memory.
type ProtectionDomain struct {
	dev *DeviceContext
}

// NewProtectionDomain allocates a protection domain on dev.
func NewProtectionDomain(dev *DeviceContext) (*ProtectionDomain, error) {
	if dev == nil {
		return nil, errors.New("rdmafabric: nil device context")
	}

	return &ProtectionDomain{dev: dev}, nil
}

// WorkCompletion is the result of a posted work request, delivered through a
// CompletionQueue.
type WorkCompletion struct {
	QPNum   uint32
	Success bool
	Err     error
}

// CompletionQueue is an in-process stand-in for a hardware completion queue:
// completions of READs posted against any QueuePair sharing this CQ are
// delivered here in order.
type CompletionQueue struct {
	ch chan WorkCompletion
}

// NewCompletionQueue creates a completion queue with the given depth.
func NewCompletionQueue(depth int) *CompletionQueue {
	return &CompletionQueue{ch: make(chan WorkCompletion, depth)}
}

// push delivers a completion. Used internally by QueuePair.PostRead.
func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.ch <- wc
}

// Poll blocks until a completion is available or done is closed, matching
// the poll-with-timeout loop in `rdma/helpers.py`'s `poll_completion`. A
// completion that is already queued is returned even if done is closed.
func (cq *CompletionQueue) Poll(done <-chan struct{}) (WorkCompletion, bool) {
	select {
	case wc := <-cq.ch:
		return wc, true
	default:
	}

	select {
	case wc := <-cq.ch:
		return wc, true
	case <-done:
		return WorkCompletion{}, false
	}
}

// PollTimeout blocks until a completion is available, ctx is done, or
// timeout elapses, whichever comes first. Unlike Poll it needs no caller-
// managed done channel or helper goroutine.
func (cq *CompletionQueue) PollTimeout(ctx context.Context, timeout time.Duration) (WorkCompletion, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wc := <-cq.ch:
		return wc, nil
	case <-ctx.Done():
		return WorkCompletion{}, ctx.Err()
	case <-timer.C:
		return WorkCompletion{}, context.DeadlineExceeded
	}
}

// qpState enumerates the verbs queue pair state machine this package
// enforces: CREATED -> INIT -> RTR -> RTS.
type qpState int

const (
	qpCreated qpState = iota
	qpInit
	qpRTR
	qpRTS
)

func (s qpState) String() string {
	switch s {
	case qpCreated:
		return "CREATED"
	case qpInit:
		return "INIT"
	case qpRTR:
		return "RTR"
	case qpRTS:
		return "RTS"
	default:
		return "UNKNOWN"
	}
}

// Custom errors.
var (
	ErrInvalidTransition = errors.New("rdmafabric: invalid queue pair state transition")
	ErrQPInUse           = errors.New("rdmafabric: queue pair already connected")
	ErrNotConnected      = errors.New("rdmafabric: queue pair is not connected")
)

// QPDescriptor is the wire-shape exchanged to connect two queue pairs: the
// local identity the remote side needs to address this QP.
type QPDescriptor struct {
	Num uint32
	GID [16]byte
}

// QueuePair models one RDMA queue pair and the one-sided reads it can issue
// once connected to a remote peer.
type QueuePair struct {
	Num uint32
	GID [16]byte

	mu     sync.Mutex
	state  qpState
	inUse  bool
	pd     *ProtectionDomain
	cq     *CompletionQueue
	remote QPDescriptor
}

// newQueuePair creates a queue pair in CREATED state with a random GID,
// immediately transitions it to INIT (verbs QPs are created directly into
// INIT in practice; CREATED exists here only to make the state machine
// explicit for tests).
func newQueuePair(num uint32, pd *ProtectionDomain, cq *CompletionQueue) (*QueuePair, error) {
	var gid [16]byte
	if _, err := rand.Read(gid[:]); err != nil {
		return nil, fmt.Errorf("rdmafabric: generating GID: %w", err)
	}

	qp := &QueuePair{Num: num, GID: gid, state: qpCreated, pd: pd, cq: cq}
	if err := qp.transition(qpInit); err != nil {
		return nil, err
	}

	return qp, nil
}

// transition enforces the strict CREATED -> INIT -> RTR -> RTS ordering.
func (qp *QueuePair) transition(target qpState) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if target != qp.state+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, qp.state, target)
	}

	qp.state = target

	return nil
}

// State reports the current verbs state as a string, for diagnostics.
func (qp *QueuePair) State() string {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	return qp.state.String()
}

// Descriptor returns the identity a remote peer needs to connect to this QP.
func (qp *QueuePair) Descriptor() QPDescriptor {
	return QPDescriptor{Num: qp.Num, GID: qp.GID}
}

// ConnectRemote transitions this queue pair through RTR and RTS against the
// given remote descriptor. Reconnecting an already-connected QP is rejected
// rather than silently re-establishing it, since a live remote reader may be
// depending on the current association (spec idempotency requirement).
func (qp *QueuePair) ConnectRemote(remote QPDescriptor) error {
	qp.mu.Lock()
	if qp.inUse {
		qp.mu.Unlock()

		return ErrQPInUse
	}
	qp.mu.Unlock()

	if err := qp.transition(qpRTR); err != nil {
		return err
	}

	if err := qp.transition(qpRTS); err != nil {
		return err
	}

	qp.mu.Lock()
	qp.remote = remote
	qp.inUse = true
	qp.mu.Unlock()

	return nil
}

// InUse reports whether ConnectRemote has already succeeded for this QP.
func (qp *QueuePair) InUse() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	return qp.inUse
}

// postedReads counts READs posted across all queue pairs in the process,
// exposed for tests and metrics.
var postedReads atomic.Int64

// PostedReadCount returns the process-wide count of posted RDMA READs,
// useful for debug metrics and tests.
func PostedReadCount() int64 {
	return postedReads.Load()
}

// PostRead issues a one-sided RDMA READ of remote's memory into local,
// delivering the completion on qp's completion queue. len(local) must equal
// remote.Size.
func (qp *QueuePair) PostRead(local []byte, remote RemoteMRDescriptor) error {
	qp.mu.Lock()
	connected := qp.inUse
	cq := qp.cq
	num := qp.Num
	qp.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: QP %d", ErrNotConnected, num)
	}

	if len(local) != remote.Size {
		cq.push(WorkCompletion{QPNum: num, Success: false, Err: fmt.Errorf("rdmafabric: local/remote size mismatch %d != %d", len(local), remote.Size)})

		return nil
	}

	postedReads.Add(1)

	copy(local, remote.backing())
	cq.push(WorkCompletion{QPNum: num, Success: true})

	return nil
}
