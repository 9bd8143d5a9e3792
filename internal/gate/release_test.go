package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/kube-cache/kube-cache-operator/internal/constants"
)

func newExecutor(t *testing.T, objs ...client.Object) (*Executor, client.Client) {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
	return &Executor{Client: cl}, cl
}

func gatedPod(gates ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "train-llm",
			Namespace: "default",
			Annotations: map[string]string{
				constants.DatasetAnnotation: "s3://bucket/x",
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "trainer", Image: "trainer:latest"}},
		},
	}
	for _, g := range gates {
		pod.Spec.SchedulingGates = append(pod.Spec.SchedulingGates, corev1.PodSchedulingGate{Name: g})
	}
	return pod
}

func fetchPod(t *testing.T, cl client.Client) *corev1.Pod {
	t.Helper()
	pod := &corev1.Pod{}
	require.NoError(t, cl.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: "train-llm"}, pod))
	return pod
}

func TestReleaseRemovesOnlyOwnGate(t *testing.T) {
	pod := gatedPod("quota.example.com/approved", constants.SchedulingGateName, "other.example.com/hold")
	e, cl := newExecutor(t, pod)

	require.NoError(t, e.Release(context.Background(), fetchPod(t, cl)))

	got := fetchPod(t, cl)
	assert.Equal(t, []corev1.PodSchedulingGate{
		{Name: "quota.example.com/approved"},
		{Name: "other.example.com/hold"},
	}, got.Spec.SchedulingGates)
	assert.NotEmpty(t, got.Annotations[constants.ReleasedAnnotation])
}

func TestReleaseIdempotentWhenGateAbsent(t *testing.T) {
	pod := gatedPod("quota.example.com/approved")
	e, cl := newExecutor(t, pod)

	require.NoError(t, e.Release(context.Background(), fetchPod(t, cl)))

	got := fetchPod(t, cl)
	assert.Len(t, got.Spec.SchedulingGates, 1)
	assert.Empty(t, got.Annotations[constants.ReleasedAnnotation], "no-op release must not mark the pod")
}

func TestReleaseWithNoAnnotations(t *testing.T) {
	pod := gatedPod(constants.SchedulingGateName)
	pod.Annotations = nil
	e, cl := newExecutor(t, pod)

	require.NoError(t, e.Release(context.Background(), fetchPod(t, cl)))

	got := fetchPod(t, cl)
	assert.Empty(t, got.Spec.SchedulingGates)
	assert.NotEmpty(t, got.Annotations[constants.ReleasedAnnotation])
}

func TestReleaseMarkerDiffersPerCall(t *testing.T) {
	first := gatedPod(constants.SchedulingGateName)
	e, cl := newExecutor(t, first)
	require.NoError(t, e.Release(context.Background(), fetchPod(t, cl)))
	marker := fetchPod(t, cl).Annotations[constants.ReleasedAnnotation]

	second := gatedPod(constants.SchedulingGateName)
	e2, cl2 := newExecutor(t, second)
	require.NoError(t, e2.Release(context.Background(), fetchPod(t, cl2)))

	assert.NotEqual(t, marker, fetchPod(t, cl2).Annotations[constants.ReleasedAnnotation])
}

func TestReleaseRejectsStaleRead(t *testing.T) {
	pod := gatedPod(constants.SchedulingGateName, "quota.example.com/approved")
	e, cl := newExecutor(t, pod)
	stale := fetchPod(t, cl)

	// the pod changes after our read: another actor reorders the gate list
	current := fetchPod(t, cl)
	current.Spec.SchedulingGates = []corev1.PodSchedulingGate{
		{Name: "quota.example.com/approved"},
		{Name: constants.SchedulingGateName},
	}
	require.NoError(t, cl.Update(context.Background(), current))

	err := e.Release(context.Background(), stale)
	require.Error(t, err, "a stale view must never patch the pod")

	got := fetchPod(t, cl)
	assert.Len(t, got.Spec.SchedulingGates, 2, "rejected patch leaves all gates in place")
	assert.Empty(t, got.Annotations[constants.ReleasedAnnotation])

	// a fresh read succeeds and removes only our gate
	require.NoError(t, e.Release(context.Background(), got))
	got = fetchPod(t, cl)
	assert.Equal(t, []corev1.PodSchedulingGate{{Name: "quota.example.com/approved"}}, got.Spec.SchedulingGates)
	assert.NotEmpty(t, got.Annotations[constants.ReleasedAnnotation])
}
