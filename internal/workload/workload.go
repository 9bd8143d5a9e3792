// Package workload models a scheduling-gated pod waiting for its dataset.
//
// The controller keeps no durable state of its own: everything here is a pure
// function of the pod and fetch job as observed in the cluster, so a restarted
// controller converges to the same decisions as one that never crashed.
package workload

import (
	"strconv"
	"time"

	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kube-cache/kube-cache-operator/internal/constants"
	"github.com/kube-cache/kube-cache-operator/internal/utils"
)

// Phase is the derived position of a gated workload in the pre-warm state machine.
type Phase string

const (
	// PhaseDetected means the pod is gated, node is known, and no fetch job exists yet
	PhaseDetected Phase = "Detected"
	// PhasePendingNode means the target node cannot be determined yet; requeue, never fail
	PhasePendingNode Phase = "PendingNode"
	// PhaseAwaitingJob means a fetch job exists and has not reached a terminal condition
	PhaseAwaitingJob Phase = "AwaitingJob"
	// PhaseRetrying means the current fetch job failed but attempts remain below the ceiling
	PhaseRetrying Phase = "Retrying"
	// PhaseReleasing means the dataset is materialized and the gate should come off
	PhaseReleasing Phase = "Releasing"
	// PhaseReleased is terminal success: the gate entry is gone
	PhaseReleased Phase = "Released"
	// PhaseFailed is terminal failure: attempt ceiling exhausted, gate deliberately left applied
	PhaseFailed Phase = "Failed"
)

// GatedWorkload is the controller-side view of a pod awaiting data.
type GatedWorkload struct {
	Namespace string
	Name      string
	UID       types.UID
	Dataset   string
	// Node is empty until the target node can be inferred from the pod spec
	Node string
}

// FromPod extracts a GatedWorkload from a pod carrying the dataset annotation.
// The second return is false for pods this controller does not care about.
func FromPod(pod *corev1.Pod) (*GatedWorkload, bool) {
	dataset := pod.Annotations[constants.DatasetAnnotation]
	if dataset == "" {
		return nil, false
	}
	return &GatedWorkload{
		Namespace: pod.Namespace,
		Name:      pod.Name,
		UID:       pod.UID,
		Dataset:   dataset,
		Node:      TargetNode(pod),
	}, true
}

// HasGate reports whether the pod still carries this controller's scheduling gate.
func HasGate(pod *corev1.Pod) bool {
	_, ok := lo.Find(pod.Spec.SchedulingGates, func(g corev1.PodSchedulingGate) bool {
		return g.Name == constants.SchedulingGateName
	})
	return ok
}

// Attempts returns the number of terminally failed fetch jobs recorded on the pod.
// A missing or malformed annotation counts as zero.
func Attempts(pod *corev1.Pod) int {
	n, err := strconv.Atoi(pod.Annotations[constants.FetchAttemptsAnnotation])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// AttemptCounted reports whether the attempt counter already accounts for this
// failed job. Keyed by job UID so re-observing the same dead job, for example
// after a transient delete failure, never increments twice.
func AttemptCounted(pod *corev1.Pod, job *batchv1.Job) bool {
	return job.UID != "" && pod.Annotations[constants.CountedJobAnnotation] == string(job.UID)
}

// RetryHoldRemaining returns how long a new fetch job must still be held back
// after the last failed attempt, zero once the backoff window has passed. The
// hold lives in a pod annotation, so deleted-job watch events and controller
// restarts cannot shortcut the backoff. A missing or malformed annotation
// means no hold.
func RetryHoldRemaining(pod *corev1.Pod, now time.Time) time.Duration {
	raw := pod.Annotations[constants.NextAttemptAnnotation]
	if raw == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

// TargetNode infers the node a gated pod will occupy once released. Gated pods
// are never scheduled, so the node comes from pre-binding hints: an explicit
// nodeName, a hostname nodeSelector, or a single-node required affinity term
// written at admission time. Empty means not yet determinable.
func TargetNode(pod *corev1.Pod) string {
	if pod.Spec.NodeName != "" {
		return pod.Spec.NodeName
	}
	if node := pod.Spec.NodeSelector[constants.KubernetesHostNameLabel]; node != "" {
		return node
	}
	affinity := pod.Spec.Affinity
	if affinity == nil || affinity.NodeAffinity == nil ||
		affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution == nil {
		return ""
	}
	for _, term := range affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms {
		for _, expr := range term.MatchExpressions {
			if expr.Key == constants.KubernetesHostNameLabel &&
				expr.Operator == corev1.NodeSelectorOpIn && len(expr.Values) == 1 {
				return expr.Values[0]
			}
		}
		for _, field := range term.MatchFields {
			if field.Key == "metadata.name" &&
				field.Operator == corev1.NodeSelectorOpIn && len(field.Values) == 1 {
				return field.Values[0]
			}
		}
	}
	return ""
}

// DerivePhase recomputes the workload phase from observed cluster state alone.
// job may be nil when no fetch job exists. attemptCeiling is the configured
// maximum number of fetch jobs per pod.
func DerivePhase(pod *corev1.Pod, job *batchv1.Job, attemptCeiling int) Phase {
	if !HasGate(pod) {
		return PhaseReleased
	}
	if pod.Annotations[constants.FetchFailedAnnotation] != "" {
		return PhaseFailed
	}
	if job != nil {
		switch {
		case utils.IsJobConditionTrue(job.Status.Conditions, batchv1.JobComplete):
			return PhaseReleasing
		case utils.IsJobConditionTrue(job.Status.Conditions, batchv1.JobFailed):
			attempts := Attempts(pod)
			if !AttemptCounted(pod, job) {
				attempts++
			}
			if attempts >= attemptCeiling {
				return PhaseFailed
			}
			return PhaseRetrying
		default:
			return PhaseAwaitingJob
		}
	}
	if TargetNode(pod) == "" {
		return PhasePendingNode
	}
	return PhaseDetected
}
