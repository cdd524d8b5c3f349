// Package rdmareader drives one-sided RDMA READs of a remote host's metric
// pages into local buffers, polling completions with a per-request timeout.
package rdmareader

import (
	"context"
	"fmt"
	"time"

	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// DefaultPollTimeout is the per-request completion poll timeout used when a
// Reader is constructed without an explicit override.
const DefaultPollTimeout = time.Second

// Reader issues a batch of one-sided RDMA READs against a fixed set of
// remote memory regions, one local memory region per remote MR. Execute must
// be called serially: a Reader is owned by exactly one LMAP goroutine, the
// same single-owner convention used for per-collector state elsewhere.
type Reader struct {
	qp          *rdmafabric.QueuePair
	cq          *rdmafabric.CompletionQueue
	remoteMRs   []rdmafabric.RemoteMRDescriptor
	localMRs    []*rdmafabric.MemoryRegion
	pollTimeout time.Duration
}

// NewReader allocates one local memory region per remote descriptor, sized
// to match, ready to receive the bytes of the matching remote READ.
func NewReader(pd *rdmafabric.ProtectionDomain, qp *rdmafabric.QueuePair, cq *rdmafabric.CompletionQueue, remoteMRs []rdmafabric.RemoteMRDescriptor) (*Reader, error) {
	if qp == nil || cq == nil {
		return nil, fmt.Errorf("rdmareader: qp and cq must not be nil")
	}

	localMRs := make([]*rdmafabric.MemoryRegion, len(remoteMRs))

	for i, remote := range remoteMRs {
		buf := make([]byte, remote.Size)

		mr, err := rdmafabric.RegisterMR(pd, buf, rdmafabric.AccessLocalWrite)
		if err != nil {
			return nil, fmt.Errorf("rdmareader: registering local MR %d: %w", i, err)
		}

		localMRs[i] = mr
	}

	return &Reader{
		qp:          qp,
		cq:          cq,
		remoteMRs:   remoteMRs,
		localMRs:    localMRs,
		pollTimeout: DefaultPollTimeout,
	}, nil
}

// SetPollTimeout overrides the per-request completion poll timeout.
func (r *Reader) SetPollTimeout(d time.Duration) {
	r.pollTimeout = d
}

// Execute posts one RDMA READ per remote MR and polls each for completion.
// A failed or timed-out READ is reported at its index in errs with a nil
// byte slice at the same index in the result slice; it never short-circuits
// the remaining MRs, so a caller always gets results for every MR that
// succeeded this tick.
func (r *Reader) Execute(ctx context.Context) ([][]byte, []error) {
	results := make([][]byte, len(r.remoteMRs))
	errs := make([]error, len(r.remoteMRs))

	for i, remote := range r.remoteMRs {
		if err := r.qp.PostRead(r.localMRs[i].Bytes(), remote); err != nil {
			errs[i] = fmt.Errorf("rdmareader: posting READ for MR %d: %w", i, err)

			continue
		}

		wc, err := r.pollOne(ctx)
		if err != nil {
			errs[i] = fmt.Errorf("rdmareader: polling completion for MR %d: %w", i, err)

			continue
		}

		if !wc.Success {
			errs[i] = fmt.Errorf("rdmareader: READ for MR %d failed: %w", i, wc.Err)

			continue
		}

		results[i] = r.localMRs[i].Bytes()
	}

	return results, errs
}

// pollOne waits for the next completion, bounded by the reader's per-request
// timeout and the caller's context.
func (r *Reader) pollOne(ctx context.Context) (rdmafabric.WorkCompletion, error) {
	return r.cq.PollTimeout(ctx, r.pollTimeout)
}

// Close releases the reader's local memory regions. Queue pairs are owned
// externally and are not touched here.
func (r *Reader) Close() error {
	r.localMRs = nil

	return nil
}
