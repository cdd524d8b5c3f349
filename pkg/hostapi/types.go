package hostapi

import (
	"encoding/hex"

	"github.com/alessandrocornacchia/uview/pkg/memplane"
	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// RegisterMetricRequest is the JSON body of POST /metrics. Type is the raw
// record type byte: 0 for counter, 1 for gauge.
type RegisterMetricRequest struct {
	PodID string  `json:"microservice_id"`
	Name  string  `json:"name"`
	Type  int     `json:"type"`
	Value float64 `json:"value"`
}

// RegisterMetricResponse is the JSON body returned by POST /metrics. Addr is
// the absolute byte offset of the metric's value field within the shared
// memory segment named by ShmName: a producer maps the segment once and
// writes every update directly to that offset.
type RegisterMetricResponse struct {
	ShmName string `json:"shm_name"`
	Addr    int    `json:"addr"`
}

// PageDescriptor is the wire shape of memplane.PageDescriptor returned by
// GET /metrics (the memory layout endpoint). NumMetrics is the page's
// occupancy as currently known to the host; remote bytes may already hold
// more records from a concurrent registration.
type PageDescriptor struct {
	PodID         string `json:"pod_id"`
	NumMetrics    int    `json:"num_metrics"`
	PageSizeBytes int    `json:"page_size_bytes"`
}

func fromMemplaneDescriptor(d memplane.PageDescriptor) PageDescriptor {
	return PageDescriptor{PodID: d.PodID, NumMetrics: d.Occupancy, PageSizeBytes: d.PageSizeBytes}
}

// QPDescriptor is the wire shape of one queue pair as served by
// GET /rdma/qps. InUse is informational on responses and ignored on connect
// requests.
type QPDescriptor struct {
	Num   uint32 `json:"qp_num"`
	GID   string `json:"gid"`
	InUse bool   `json:"in_use"`
}

func fromFabricQP(qp *rdmafabric.QueuePair) QPDescriptor {
	d := qp.Descriptor()

	return QPDescriptor{Num: d.Num, GID: gidToHex(d.GID), InUse: qp.InUse()}
}

// ConnectQPRequest is the JSON body of POST /rdma/qps/connect: the remote
// (collector-side) queue pair descriptors to connect the host's local pool
// against, by index.
type ConnectQPRequest struct {
	QueuePairs []QPDescriptor `json:"queue_pairs"`
}

// ConnectQPResult reports the outcome of connecting one local queue pair.
type ConnectQPResult struct {
	QPNum     uint32 `json:"qp_num"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// ConnectQPResponse carries one result per queue pair in the request.
type ConnectQPResponse struct {
	Results []ConnectQPResult `json:"results"`
}

// MRDescriptor is the wire shape of one registered memory region returned by
// GET /rdma/mrs.
type MRDescriptor struct {
	Addr uint64 `json:"addr"`
	RKey uint32 `json:"rkey"`
	Size int    `json:"size"`
	Name string `json:"name"`
}

// ErrorResponse is the JSON body returned on 4xx/5xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON body of GET /health. Uname is populated only
// when the request carries a non-empty ?verbose= query parameter.
type HealthResponse struct {
	Status string `json:"status"`
	Uname  string `json:"uname,omitempty"`
}

func hexToGID(s string) ([16]byte, error) {
	var gid [16]byte

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(gid) {
		return gid, ErrBadGID
	}

	copy(gid[:], raw)

	return gid, nil
}

func gidToHex(gid [16]byte) string {
	return hex.EncodeToString(gid[:])
}
