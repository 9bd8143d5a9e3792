// Package gate removes this controller's scheduling gate from released pods.
package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lithammer/shortuuid/v4"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-cache/kube-cache-operator/internal/constants"
	"github.com/kube-cache/kube-cache-operator/internal/utils"
)

// Executor performs the terminal gate removal.
type Executor struct {
	client.Client
}

// Release removes this controller's gate entry from the pod, leaving any other
// gates untouched. The patch carries test ops on the pod's resourceVersion and
// on the gate entry, so if the pod changed since it was read the apiserver
// rejects the patch instead of silently removing the wrong entry; the caller
// re-reads and retries. A release marker annotation is added in the same
// atomic patch, which is why the gate is never reapplied to a released pod
// generation. Calling Release on a pod whose gate is already gone is a no-op.
func (e *Executor) Release(ctx context.Context, pod *corev1.Pod) error {
	_, idx, ok := lo.FindIndexOf(pod.Spec.SchedulingGates, func(g corev1.PodSchedulingGate) bool {
		return g.Name == constants.SchedulingGateName
	})
	if !ok {
		return nil
	}

	ops := []map[string]any{
		{
			"op":    "test",
			"path":  "/metadata/resourceVersion",
			"value": pod.ResourceVersion,
		},
		{
			"op":    "test",
			"path":  fmt.Sprintf("/spec/schedulingGates/%d/name", idx),
			"value": constants.SchedulingGateName,
		},
		{
			"op":   "remove",
			"path": fmt.Sprintf("/spec/schedulingGates/%d", idx),
		},
	}
	if pod.Annotations == nil {
		ops = append(ops, map[string]any{
			"op":    "add",
			"path":  "/metadata/annotations",
			"value": map[string]string{},
		})
	}
	ops = append(ops, map[string]any{
		"op":    "add",
		"path":  "/metadata/annotations/" + utils.EscapeJSONPointer(constants.ReleasedAnnotation),
		"value": shortuuid.New(),
	})

	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshal gate release patch: %w", err)
	}
	if err := e.Patch(ctx, pod, client.RawPatch(types.JSONPatchType, raw)); err != nil {
		return fmt.Errorf("release gate on pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	return nil
}
