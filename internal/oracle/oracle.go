// Package oracle answers whether a dataset is already materialized on a node.
package oracle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-cache/kube-cache-operator/internal/utils"
)

// Interface is the cache presence oracle. HasData must be side-effect free,
// cheap, and must only return true for fully materialized datasets. Errors are
// for the caller to degrade into a miss, never into workload failure.
type Interface interface {
	HasData(ctx context.Context, node string, datasetRef string) (bool, error)
}

// DatasetKey is the identifier the node agent and the fetcher agree on for a
// dataset URI.
func DatasetKey(datasetRef string) string {
	return utils.HashString(datasetRef)
}

// AgentOracle probes the node-local cache agent over HTTP. The agent only
// exposes a dataset key once the download is complete and fsynced, so a 200
// never reports a partial download.
type AgentOracle struct {
	// Reader resolves node addresses, normally the manager's cached client
	Reader client.Reader
	Port   int

	// HTTPClient may be overridden in tests; nil means a short-timeout default
	HTTPClient *http.Client
}

func (o *AgentOracle) HasData(ctx context.Context, node string, datasetRef string) (bool, error) {
	n := &corev1.Node{}
	if err := o.Reader.Get(ctx, client.ObjectKey{Name: node}, n); err != nil {
		return false, fmt.Errorf("get node %s: %w", node, err)
	}
	addr, ok := lo.Find(n.Status.Addresses, func(a corev1.NodeAddress) bool {
		return a.Type == corev1.NodeInternalIP
	})
	if !ok {
		return false, fmt.Errorf("node %s has no internal IP", node)
	}

	url := fmt.Sprintf("http://%s/v1/cache/%s",
		net.JoinHostPort(addr.Address, strconv.Itoa(o.Port)), DatasetKey(datasetRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("probe cache agent on %s: %w", node, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("cache agent on %s returned status %d", node, resp.StatusCode)
	}
}

func (o *AgentOracle) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return defaultHTTPClient
}

var defaultHTTPClient = &http.Client{Timeout: 2 * time.Second}

// Memoized caches positive answers. A materialized dataset stays materialized,
// so hits never need re-probing; misses and errors always go to the delegate.
type Memoized struct {
	Delegate Interface

	hits sync.Map
}

func (m *Memoized) HasData(ctx context.Context, node string, datasetRef string) (bool, error) {
	key := node + "/" + DatasetKey(datasetRef)
	if _, ok := m.hits.Load(key); ok {
		return true, nil
	}
	present, err := m.Delegate.HasData(ctx, node, datasetRef)
	if err != nil {
		return false, err
	}
	if present {
		m.hits.Store(key, struct{}{})
	}
	return present, nil
}
