// Package memplane implements the host-side shared memory pool that metric
// producers write into and that the collector later reads via RDMA.
package memplane

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/alessandrocornacchia/uview/internal/security"
	"github.com/alessandrocornacchia/uview/pkg/codec"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Custom errors.
var (
	ErrMRMisaligned  = errors.New("memplane: MR size must be a multiple of page size")
	ErrPoolExhausted = errors.New("memplane: no more pages available")
)

// PoolConfig configures a shared memory pool.
type PoolConfig struct {
	// Name is the /dev/shm segment name, without a leading slash.
	Name     string
	PageSize int
	MRSize   int
	NumMRs   int
	Logger   *slog.Logger
}

// PageDescriptor is the control-region view of one allocated page, reported
// out-of-band from the page bytes themselves (spec §9: occupancy is never
// encoded in the page).
type PageDescriptor struct {
	PodID         string
	Occupancy     int
	PageSizeBytes int
}

// Pool is a single shared-memory-backed region of fixed-size pages, grouped
// into RDMA memory regions for export to a remote collector.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	fd       int
	buf      []byte
	secCtx   *security.SecurityContext
	pageCap  int
	maxPages int

	allocatedPages int
	pageOccupancy  []int
	pageOwner      []string
	producerPages  map[string][]int
	mrPages        [][]int
}

// NewPool creates (or truncates) the /dev/shm segment backing the pool and
// mmaps it into the process, matching the size/mr validation performed by
// `MetricsMemoryManager` before it allocates any page.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.PageSize <= 0 || cfg.MRSize <= 0 || cfg.NumMRs <= 0 {
		return nil, fmt.Errorf("memplane: page size, MR size and NumMRs must all be positive")
	}

	if cfg.MRSize%cfg.PageSize != 0 {
		return nil, fmt.Errorf("%w: MR size %d, page size %d", ErrMRMisaligned, cfg.MRSize, cfg.PageSize)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.MRSize * cfg.NumMRs

	path := "/dev/shm/" + cfg.Name

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("memplane: opening %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, int64(poolSize)); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("memplane: truncating %s to %d bytes: %w", path, poolSize, err)
	}

	buf, err := unix.Mmap(fd, 0, poolSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("memplane: mmap %s: %w", path, err)
	}

	secCtx, err := security.NewSecurityContext(&security.SCConfig{
		Name:   "memplane-mlock",
		Logger: cfg.Logger,
		Caps:   []cap.Value{cap.IPC_LOCK},
		Func: func(data any) error {
			region, ok := data.([]byte)
			if !ok {
				return security.ErrSecurityCtxDataAssertion
			}

			return unix.Mlock(region)
		},
	})
	if err != nil {
		unix.Munmap(buf) //nolint:errcheck
		unix.Close(fd)

		return nil, fmt.Errorf("memplane: building mlock security context: %w", err)
	}

	// mlock is best-effort: a missing CAP_IPC_LOCK must not prevent the pool
	// from serving producers, only forgo the page-out guarantee.
	if err := secCtx.Exec(buf); err != nil {
		cfg.Logger.Warn("failed to mlock memory pool, metrics pages may be paged out", "err", err)
	}

	pageCap := cfg.PageSize / codec.RecordSize

	return &Pool{
		cfg:           cfg,
		fd:            fd,
		buf:           buf,
		secCtx:        secCtx,
		pageCap:       pageCap,
		maxPages:      poolSize / cfg.PageSize,
		producerPages: make(map[string][]int),
		mrPages:       make([][]int, cfg.NumMRs),
	}, nil
}

// Name returns the /dev/shm segment name the pool is backed by, the handle
// producers need to map the segment themselves.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// page returns the byte slice backing page index i.
func (p *Pool) page(i int) []byte {
	off := i * p.cfg.PageSize

	return p.buf[off : off+p.cfg.PageSize]
}

// firstNonFullPage returns the index of the first non-full page owned by
// podID, or -1 if podID has no page with free capacity.
func (p *Pool) firstNonFullPage(podID string) int {
	for _, idx := range p.producerPages[podID] {
		if p.pageOccupancy[idx] < p.pageCap {
			return idx
		}
	}

	return -1
}

// createPage allocates the next sequential page for podID.
func (p *Pool) createPage(podID string) (int, error) {
	if p.allocatedPages >= p.maxPages {
		return 0, ErrPoolExhausted
	}

	idx := p.allocatedPages
	p.allocatedPages++

	p.pageOccupancy = append(p.pageOccupancy, 0)
	p.pageOwner = append(p.pageOwner, podID)
	p.producerPages[podID] = append(p.producerPages[podID], idx)

	mrIdx := (idx * p.cfg.PageSize) / p.cfg.MRSize
	p.mrPages[mrIdx] = append(p.mrPages[mrIdx], idx)

	p.cfg.Logger.Debug("allocated new page", "pod_id", podID, "page_index", idx, "mr_index", mrIdx)

	return idx, nil
}

// AllocateMetric registers a new metric record for podID, appending it to
// podID's first non-full page or creating a new page if none has room, and
// returns the absolute byte offset of the metric's value field so a producer
// can write updates directly without re-resolving the metric by name.
func (p *Pool) AllocateMetric(podID, name string, typ codec.RecordType, initial float64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.firstNonFullPage(podID)
	if idx < 0 {
		var err error

		idx, err = p.createPage(podID)
		if err != nil {
			return 0, err
		}
	}

	rec, err := codec.EncodeRecord(name, typ, initial)
	if err != nil {
		return 0, err
	}

	page := p.page(idx)
	slot := p.pageOccupancy[idx]
	copy(page[slot*codec.RecordSize:(slot+1)*codec.RecordSize], rec[:])
	p.pageOccupancy[idx]++

	return idx*p.cfg.PageSize + codec.ValueFieldOffset(slot), nil
}

// ControlRegion returns the current page occupancy, grouped by memory
// region, in MR index order. This is the out-of-band information a remote
// reader needs to decode the pages it pulls via RDMA READ.
func (p *Pool) ControlRegion() [][]PageDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]PageDescriptor, len(p.mrPages))

	for mrIdx, pages := range p.mrPages {
		descs := make([]PageDescriptor, len(pages))
		for i, pageIdx := range pages {
			descs[i] = PageDescriptor{
				PodID:         p.pageOwner[pageIdx],
				Occupancy:     p.pageOccupancy[pageIdx],
				PageSizeBytes: p.cfg.PageSize,
			}
		}

		out[mrIdx] = descs
	}

	return out
}

// RegisterAllMRs registers one rdmafabric.MemoryRegion per MR slot of the
// pool's backing buffer, with remote-read access for the collector side.
func (p *Pool) RegisterAllMRs(pd *rdmafabric.ProtectionDomain) ([]*rdmafabric.MemoryRegion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mrs := make([]*rdmafabric.MemoryRegion, p.cfg.NumMRs)

	for i := range p.cfg.NumMRs {
		off := i * p.cfg.MRSize

		mr, err := rdmafabric.RegisterMR(pd, p.buf[off:off+p.cfg.MRSize], rdmafabric.AccessRemoteRead|rdmafabric.AccessLocalWrite)
		if err != nil {
			return nil, fmt.Errorf("memplane: registering MR %d: %w", i, err)
		}

		mrs[i] = mr
	}

	return mrs, nil
}

// Close unregisters the pool's backing memory: munlock, munmap and unlink
// the /dev/shm segment. Safe to call once, typically from a signal-driven
// teardown path after RDMA queue pairs have already been torn down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := unix.Munlock(p.buf); err != nil {
		p.cfg.Logger.Warn("munlock failed", "err", err)
	}

	if err := unix.Munmap(p.buf); err != nil {
		return fmt.Errorf("memplane: munmap: %w", err)
	}

	if err := unix.Close(p.fd); err != nil {
		return fmt.Errorf("memplane: close fd: %w", err)
	}

	if err := unix.Unlink("/dev/shm/" + p.cfg.Name); err != nil {
		return fmt.Errorf("memplane: unlink: %w", err)
	}

	return nil
}
