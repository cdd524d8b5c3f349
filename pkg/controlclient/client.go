// Package controlclient is the collector-side HTTP client that drives the
// connect protocol against a host agent's control API (pkg/hostapi).
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alessandrocornacchia/uview/pkg/rdmafabric"
)

// Custom errors.
var ErrProtocolMismatch = errors.New("controlclient: remote queue pair count does not match local pool size")

// QPDescriptor mirrors hostapi.QPDescriptor's wire shape.
type QPDescriptor struct {
	Num   uint32 `json:"qp_num"`
	GID   string `json:"gid"`
	InUse bool   `json:"in_use,omitempty"`
}

// PageDescriptor mirrors hostapi.PageDescriptor's wire shape.
type PageDescriptor struct {
	PodID         string `json:"pod_id"`
	NumMetrics    int    `json:"num_metrics"`
	PageSizeBytes int    `json:"page_size_bytes"`
}

// MRDescriptor mirrors hostapi.MRDescriptor's wire shape.
type MRDescriptor struct {
	Addr uint64 `json:"addr"`
	RKey uint32 `json:"rkey"`
	Size int    `json:"size"`
	Name string `json:"name"`
}

// ConnectQPResult mirrors hostapi.ConnectQPResult.
type ConnectQPResult struct {
	QPNum     uint32 `json:"qp_num"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// RegisterMetricRequest mirrors hostapi.RegisterMetricRequest.
type RegisterMetricRequest struct {
	PodID string  `json:"microservice_id"`
	Name  string  `json:"name"`
	Type  int     `json:"type"`
	Value float64 `json:"value"`
}

// RegisterMetricResponse mirrors hostapi.RegisterMetricResponse.
type RegisterMetricResponse struct {
	ShmName string `json:"shm_name"`
	Addr    int    `json:"addr"`
}

// Client talks to one host agent's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://host:9401").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlclient: marshaling request: %w", err)
		}

		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("controlclient: building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controlclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("controlclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("controlclient: decoding response from %s: %w", path, err)
	}

	return nil
}

// QueuePairs fetches the host's local queue pair descriptors.
func (c *Client) QueuePairs(ctx context.Context) ([]QPDescriptor, error) {
	var out []QPDescriptor

	if err := c.do(ctx, http.MethodGet, "/rdma/qps", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// ConnectQueuePairs posts local queue pair descriptors so the host connects
// its pool against them, returning the per-QP outcome.
func (c *Client) ConnectQueuePairs(ctx context.Context, qps []QPDescriptor) ([]ConnectQPResult, error) {
	var out struct {
		Results []ConnectQPResult `json:"results"`
	}

	err := c.do(ctx, http.MethodPost, "/rdma/qps/connect", struct {
		QueuePairs []QPDescriptor `json:"queue_pairs"`
	}{QueuePairs: qps}, &out)
	if err != nil {
		return nil, err
	}

	return out.Results, nil
}

// MemoryRegions fetches the host's registered RDMA memory regions.
func (c *Client) MemoryRegions(ctx context.Context) ([]MRDescriptor, error) {
	var out []MRDescriptor

	if err := c.do(ctx, http.MethodGet, "/rdma/mrs", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// MemoryLayout fetches the host's current control region, grouped by MR.
func (c *Client) MemoryLayout(ctx context.Context) ([][]PageDescriptor, error) {
	var out [][]PageDescriptor

	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// RegisterMetric registers a new metric on the host.
func (c *Client) RegisterMetric(ctx context.Context, req RegisterMetricRequest) (RegisterMetricResponse, error) {
	var out RegisterMetricResponse

	if err := c.do(ctx, http.MethodPost, "/metrics", req, &out); err != nil {
		return RegisterMetricResponse{}, err
	}

	return out, nil
}

// Connect implements the collector's connect protocol against the host's
// control API: fetch the host's queue pairs, transition the local pool's
// queue pairs to RTR/RTS against them, post the local descriptors back so
// the host connects symmetrically, then fetch the exported memory regions.
func (c *Client) Connect(ctx context.Context, local *rdmafabric.QueuePairPool) ([]rdmafabric.RemoteMRDescriptor, error) {
	remoteQPs, err := c.QueuePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("controlclient: fetching remote queue pairs: %w", err)
	}

	if len(remoteQPs) != local.Size {
		return nil, fmt.Errorf("%w: remote has %d, local pool has %d", ErrProtocolMismatch, len(remoteQPs), local.Size)
	}

	fabricRemotes := make([]rdmafabric.QPDescriptor, len(remoteQPs))

	for i, qp := range remoteQPs {
		gid, err := decodeGID(qp.GID)
		if err != nil {
			return nil, fmt.Errorf("controlclient: decoding remote GID: %w", err)
		}

		fabricRemotes[i] = rdmafabric.QPDescriptor{Num: qp.Num, GID: gid}
	}

	if err := local.ConnectAll(fabricRemotes); err != nil {
		return nil, fmt.Errorf("controlclient: connecting local queue pairs: %w", err)
	}

	localDescriptors := make([]QPDescriptor, len(local.Descriptors()))
	for i, d := range local.Descriptors() {
		localDescriptors[i] = QPDescriptor{Num: d.Num, GID: encodeGID(d.GID)}
	}

	results, err := c.ConnectQueuePairs(ctx, localDescriptors)
	if err != nil {
		return nil, fmt.Errorf("controlclient: posting local queue pairs: %w", err)
	}

	for _, res := range results {
		if !res.Connected {
			return nil, fmt.Errorf("controlclient: host failed to connect QP %d: %s", res.QPNum, res.Error)
		}
	}

	remoteMRs, err := c.MemoryRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("controlclient: fetching remote memory regions: %w", err)
	}

	out := make([]rdmafabric.RemoteMRDescriptor, len(remoteMRs))
	for i, mr := range remoteMRs {
		out[i] = rdmafabric.RemoteMRDescriptor{RemoteAddr: mr.Addr, RKey: mr.RKey, Size: mr.Size}
	}

	return out, nil
}
