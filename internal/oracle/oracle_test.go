package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

const testDataset = "s3://bucket/x"

func newAgentOracle(t *testing.T, handler http.Handler) (*AgentOracle, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "gpu-node-1"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: u.Hostname()},
			},
		},
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(node).Build()

	return &AgentOracle{Reader: cl, Port: port, HTTPClient: server.Client()}, server
}

func TestAgentOracleHit(t *testing.T) {
	o, _ := newAgentOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/cache/"+DatasetKey(testDataset) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	present, err := o.HasData(context.Background(), "gpu-node-1", testDataset)
	require.NoError(t, err)
	assert.True(t, present)

	present, err = o.HasData(context.Background(), "gpu-node-1", "s3://bucket/other")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestAgentOracleAgentError(t *testing.T) {
	o, _ := newAgentOracle(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := o.HasData(context.Background(), "gpu-node-1", testDataset)
	assert.Error(t, err, "a sick agent must not be mistaken for a hit or a miss")
}

func TestAgentOracleUnknownNode(t *testing.T) {
	o, _ := newAgentOracle(t, http.NotFoundHandler())

	_, err := o.HasData(context.Background(), "no-such-node", testDataset)
	assert.Error(t, err)
}

type countingOracle struct {
	present bool
	calls   int
}

func (c *countingOracle) HasData(context.Context, string, string) (bool, error) {
	c.calls++
	return c.present, nil
}

func TestMemoizedCachesHitsOnly(t *testing.T) {
	hit := &countingOracle{present: true}
	m := &Memoized{Delegate: hit}

	for range 3 {
		present, err := m.HasData(context.Background(), "gpu-node-1", testDataset)
		require.NoError(t, err)
		assert.True(t, present)
	}
	assert.Equal(t, 1, hit.calls, "positive answers are final")

	miss := &countingOracle{present: false}
	m = &Memoized{Delegate: miss}
	for range 3 {
		present, err := m.HasData(context.Background(), "gpu-node-1", testDataset)
		require.NoError(t, err)
		assert.False(t, present)
	}
	assert.Equal(t, 3, miss.calls, "misses are re-probed every time")
}

func TestMemoizedKeyIncludesNode(t *testing.T) {
	delegate := &countingOracle{present: true}
	m := &Memoized{Delegate: delegate}

	_, err := m.HasData(context.Background(), "gpu-node-1", testDataset)
	require.NoError(t, err)
	_, err = m.HasData(context.Background(), "gpu-node-2", testDataset)
	require.NoError(t, err)

	assert.Equal(t, 2, delegate.calls, "presence on one node says nothing about another")
}
