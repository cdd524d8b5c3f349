package lmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/alessandrocornacchia/uview/pkg/classifier"
	"github.com/alessandrocornacchia/uview/pkg/codec"
	"github.com/alessandrocornacchia/uview/pkg/hostapi"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// Reader is the subset of rdmareader.Reader an LMAP drives: one RDMA read
// batch per scrape tick. Satisfied by *rdmareader.Reader; an interface here
// lets tests exercise the scrape loop against a fake transport.
type Reader interface {
	Execute(ctx context.Context) ([][]byte, []error)
}

// Statistics tracks scrape-loop activity for one LMAP, mirroring the
// counters the reference scrape loop accumulates for its debug dump.
type Statistics struct {
	NumScrapes       int
	ClassifierErrors int
	TimeTotal        time.Duration
	ScrapeRates      []float64
	RSSBytes         int
}

// decodedMetric is one fully-decoded record plus the pod it belongs to.
type decodedMetric struct {
	podID string
	name  string
	typ   codec.RecordType
	value float64
}

// LMAP owns one rdmareader.Reader over a fixed set of remote memory
// regions, scrapes them on an interval, classifies each pod's metric vector,
// and exports the latest decoded values as Prometheus metrics.
type LMAP struct {
	ID             string
	controlInfo    [][]hostapi.PageDescriptor
	reader         Reader
	scrapeInterval time.Duration
	logger         *slog.Logger

	classifiers map[string]classifier.Classifier

	running   atomic.Bool
	startTime time.Time
	doneCh    chan struct{}

	mu      sync.Mutex
	stats   Statistics
	latest  []decodedMetric
	descs   map[string]*prometheus.Desc
	descsMu sync.Mutex
}

// NewLMAP constructs an LMAP over its assigned remote memory regions.
// controlInfo must have the same outer length and ordering as reader's
// underlying remote MR set: controlInfo[i] describes the pages packed into
// MR i.
func NewLMAP(id string, controlInfo [][]hostapi.PageDescriptor, reader Reader, scrapeInterval time.Duration) *LMAP {
	return &LMAP{
		ID:             id,
		controlInfo:    controlInfo,
		reader:         reader,
		scrapeInterval: scrapeInterval,
		logger:         slog.New(slog.DiscardHandler),
		classifiers:    make(map[string]classifier.Classifier),
		descs:          make(map[string]*prometheus.Desc),
	}
}

// SetClassifier builds one classifier of kind for every distinct pod_id
// found in controlInfo, dimensioned by the pod's total metric count across
// all its pages in this LMAP's memory regions so the classifier's input
// width matches the vector classify() assembles each tick.
func (l *LMAP) SetClassifier(kind classifier.Kind, opts classifier.Options) error {
	dims := make(map[string]int)

	for _, mr := range l.controlInfo {
		for _, page := range mr {
			dims[page.PodID] += page.NumMetrics
		}
	}

	for podID, d := range dims {
		if d == 0 {
			continue
		}

		podOpts := opts
		podOpts.NumMetrics = d

		c, err := classifier.Build(kind, podOpts)
		if err != nil {
			return fmt.Errorf("lmap: building %s classifier for pod %s: %w", kind, podID, err)
		}

		l.classifiers[podID] = c
	}

	l.logger.Info("classifiers configured", "lmap", l.ID, "kind", kind.String(), "pods", len(l.classifiers))

	return nil
}

// Run is the LMAP's scrape-loop goroutine body. When cpuCore is non-nil the
// goroutine locks itself to its current OS thread and pins that thread to
// the given core before entering the loop, mirroring the reference
// implementation's os.sched_setaffinity call from its own scrape thread.
// The loop exits when ctx is canceled, Stop is called, or a transport-level
// fabric error (the queue pair dropping connection) is observed.
func (l *LMAP) Run(ctx context.Context, cpuCore *int) {
	if cpuCore != nil {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var set unix.CPUSet

		set.Set(*cpuCore)

		if err := unix.SchedSetaffinity(0, &set); err != nil {
			l.logger.Warn("failed to pin LMAP thread to core", "lmap", l.ID, "core", *cpuCore, "err", err)
		} else {
			l.logger.Info("LMAP pinned to core", "lmap", l.ID, "core", *cpuCore)
		}
	}

	l.startTime = time.Now()
	l.doneCh = make(chan struct{})

	defer close(l.doneCh)

	l.running.Store(true)

	scrapesAtWindow := 0
	lastWindowTime := l.startTime
	window := 0

	for l.running.Load() {
		select {
		case <-ctx.Done():
			l.running.Store(false)

			return
		default:
		}

		results, errs := l.reader.Execute(ctx)

		if fatal := l.fatalError(errs); fatal != nil {
			l.logger.Error("fabric error, tearing down LMAP", "lmap", l.ID, "err", fatal)
			l.running.Store(false)

			return
		}

		metrics := l.decode(results, errs)
		if len(metrics) > 0 {
			l.classify(metrics)
			l.publish(metrics)
			l.recordScrape(&scrapesAtWindow, &lastWindowTime, &window)
		}

		if l.scrapeInterval <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.running.Store(false)

			return
		case <-time.After(l.scrapeInterval):
		}
	}
}

// fatalError returns a non-nil error when every MR in this tick failed with
// a queue-pair-not-connected error, signaling the underlying transport has
// been torn down rather than a single flaky read.
func (l *LMAP) fatalError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	for _, err := range errs {
		if err == nil {
			return nil
		}

		if !errors.Is(err, rdmafabric.ErrNotConnected) {
			return nil
		}
	}

	return errs[0]
}

// decode turns this tick's raw per-MR byte slices into flat decoded metric
// records, skipping MRs that failed this tick (logged, not fatal).
func (l *LMAP) decode(results [][]byte, errs []error) []decodedMetric {
	var out []decodedMetric

	for i, raw := range results {
		if errs[i] != nil {
			l.logger.Warn("skipping MR this tick", "lmap", l.ID, "mr", i, "err", errs[i])

			continue
		}

		pages := l.controlInfo[i]

		offset := 0

		for _, pd := range pages {
			end := offset + pd.PageSizeBytes
			if end > len(raw) {
				l.logger.Warn("page extends past MR buffer, skipping", "lmap", l.ID, "mr", i, "pod", pd.PodID)

				break
			}

			page, err := codec.DecodePage(raw[offset:end], pd.NumMetrics)
			if err != nil {
				l.logger.Warn("failed to decode page", "lmap", l.ID, "mr", i, "pod", pd.PodID, "err", err)
				offset = end

				continue
			}

			names := page.Names()
			types := page.Types()
			values := page.Values()

			for j := range page.Len() {
				out = append(out, decodedMetric{
					podID: pd.PodID,
					name:  string(names[j]),
					typ:   types[j],
					value: values[j],
				})
			}

			offset = end
		}
	}

	return out
}

// classify groups this tick's decoded values by pod and runs that pod's
// classifier, if one was configured.
func (l *LMAP) classify(metrics []decodedMetric) {
	byPod := make(map[string][]float64)

	for _, m := range metrics {
		byPod[m.podID] = append(byPod[m.podID], m.value)
	}

	for podID, values := range byPod {
		c, ok := l.classifiers[podID]
		if !ok {
			continue
		}

		if _, err := c.Classify(values); err != nil {
			l.logger.Warn("classification failed", "lmap", l.ID, "pod", podID, "err", err)

			l.mu.Lock()
			l.stats.ClassifierErrors++
			l.mu.Unlock()
		}
	}
}

func (l *LMAP) publish(metrics []decodedMetric) {
	l.mu.Lock()
	l.latest = metrics
	l.mu.Unlock()
}

func (l *LMAP) recordScrape(scrapesAtWindow *int, lastWindowTime *time.Time, window *int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.stats.NumScrapes++
	l.stats.TimeTotal = now.Sub(l.startTime)

	if int(l.stats.TimeTotal.Seconds())/10 >= *window {
		elapsed := now.Sub(*lastWindowTime).Seconds()
		delta := l.stats.NumScrapes - *scrapesAtWindow

		rate := 0.0
		if elapsed > 0 {
			rate = float64(delta) / elapsed
		}

		l.stats.ScrapeRates = append(l.stats.ScrapeRates, rate)
		*scrapesAtWindow = l.stats.NumScrapes
		*lastWindowTime = now
		*window++
	}

	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			l.stats.RSSBytes = stat.ResidentMemory()
		}
	}
}

// Stop requests the scrape loop to exit and waits up to 5s for it to do so.
func (l *LMAP) Stop(ctx context.Context) error {
	l.running.Store(false)

	done := l.doneCh
	if done == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("lmap: %s did not stop within grace period: %w", l.ID, waitCtx.Err())
	}
}

// Statistics returns a snapshot of the LMAP's scrape-loop counters.
func (l *LMAP) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stats
}

// DumpCSV writes the current statistics snapshot to path as key,value rows.
func (l *LMAP) DumpCSV(path string) error {
	stats := l.Statistics()

	var b strings.Builder

	fmt.Fprintf(&b, "num_scrapes,%d\n", stats.NumScrapes)
	fmt.Fprintf(&b, "classifier_errors,%d\n", stats.ClassifierErrors)
	fmt.Fprintf(&b, "time_total_seconds,%f\n", stats.TimeTotal.Seconds())
	fmt.Fprintf(&b, "rss_bytes,%d\n", stats.RSSBytes)

	for i, r := range stats.ScrapeRates {
		fmt.Fprintf(&b, "scrape_rate_%d,%f\n", i, r)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("lmap: writing statistics to %s: %w", path, err)
	}

	return nil
}
