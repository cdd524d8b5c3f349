package lmap

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessandrocornacchia/uview/pkg/classifier"
	"github.com/alessandrocornacchia/uview/pkg/codec"
	"github.com/alessandrocornacchia/uview/pkg/hostapi"
)

// pageReader is a fixed, single-tick fake Reader returning one pre-encoded
// page of records for a single MR.
type pageReader struct {
	page []byte
}

func (p *pageReader) Execute(_ context.Context) ([][]byte, []error) {
	return [][]byte{p.page}, []error{nil}
}

func encodePage(t *testing.T, records []struct {
	name  string
	typ   codec.RecordType
	value float64
}) []byte {
	t.Helper()

	buf := make([]byte, len(records)*codec.RecordSize)

	for i, r := range records {
		rec, err := codec.EncodeRecord(r.name, r.typ, r.value)
		require.NoError(t, err)
		copy(buf[i*codec.RecordSize:(i+1)*codec.RecordSize], rec[:])
	}

	return buf
}

func TestLMAPRunOnceDecodesClassifiesAndExports(t *testing.T) {
	records := []struct {
		name  string
		typ   codec.RecordType
		value float64
	}{
		{"cpu_usage", codec.Gauge, 42.0},
		{"req_total", codec.Counter, 7.0},
	}

	page := encodePage(t, records)

	controlInfo := [][]hostapi.PageDescriptor{
		{{PodID: "pod-a", NumMetrics: len(records), PageSizeBytes: len(page)}},
	}

	l := NewLMAP("lmap-0", controlInfo, &pageReader{page: page}, 0)

	require.NoError(t, l.SetClassifier(classifier.Threshold, classifier.Options{DefaultThresh: 1000}))

	ctx, cancel := context.WithCancel(context.Background())

	results, errs := l.reader.Execute(ctx)
	require.NoError(t, errs[0])

	metrics := l.decode(results, errs)
	require.Len(t, metrics, 2)

	l.classify(metrics)
	l.publish(metrics)

	cancel()

	ec := NewExportCollector(l)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(ec))

	gathered, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range gathered {
		names[mf.GetName()] = true

		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}

			assert.Equal(t, "pod-a", labels["pod_id"])
			assert.Equal(t, "lmap-0", labels["collector_id"])
		}
	}

	assert.True(t, names["uview_lmap_0_cpu_usage"])
	assert.True(t, names["uview_lmap_0_req_total"])
}
