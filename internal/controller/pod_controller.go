/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/kube-cache/kube-cache-operator/internal/config"
	"github.com/kube-cache/kube-cache-operator/internal/constants"
	"github.com/kube-cache/kube-cache-operator/internal/fetcher"
	"github.com/kube-cache/kube-cache-operator/internal/gate"
	"github.com/kube-cache/kube-cache-operator/internal/metrics"
	"github.com/kube-cache/kube-cache-operator/internal/oracle"
	"github.com/kube-cache/kube-cache-operator/internal/utils"
	"github.com/kube-cache/kube-cache-operator/internal/workload"
)

var tracer = otel.Tracer("kube-cache-operator")

// PodReconciler drives gated pods through the pre-warm state machine:
// detect, check cache, delegate or skip, await completion, release the gate.
// The phase is derived fresh from the pod and fetch job on every invocation,
// so the loop is idempotent and survives controller restarts at any point.
type PodReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Oracle   oracle.Interface
	Factory  *fetcher.JobFactory
	Gate     *gate.Executor
	Config   *config.Config
}

// +kubebuilder:rbac:groups=core,resources=pods,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=core,resources=nodes,verbs=get;list;watch
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=events,verbs=create;patch

func (r *PodReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	pod := &corev1.Pod{}
	if err := r.Get(ctx, req.NamespacedName, pod); err != nil {
		if errors.IsNotFound(err) {
			// pod gone; its fetch job is owner-referenced and garbage-collected
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !pod.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	wl, ok := workload.FromPod(pod)
	if !ok {
		return ctrl.Result{}, nil
	}

	job, err := r.getFetchJob(ctx, wl)
	if err != nil {
		return ctrl.Result{}, err
	}

	phase := workload.DerivePhase(pod, job, r.Config.AttemptCeiling)
	log.Info("Reconciling gated pod", "pod", req.NamespacedName, "phase", phase, "node", wl.Node)

	switch phase {
	case workload.PhaseReleased:
		return ctrl.Result{}, nil

	case workload.PhasePendingNode:
		// node assignment appears via admission-time hints; defer, never fail
		return ctrl.Result{RequeueAfter: constants.PendingNodeRequeueDuration}, nil

	case workload.PhaseDetected:
		return r.handleDetected(ctx, pod, wl)

	case workload.PhaseAwaitingJob:
		return ctrl.Result{RequeueAfter: constants.JobStatusCheckInterval}, nil

	case workload.PhaseRetrying:
		return r.handleRetry(ctx, pod, job)

	case workload.PhaseFailed:
		return r.handleTerminalFailure(ctx, pod)

	case workload.PhaseReleasing:
		return r.handleRelease(ctx, pod, "fetched")
	}

	return ctrl.Result{}, nil
}

// getFetchJob looks up the deterministic fetch job for the workload, nil when absent.
func (r *PodReconciler) getFetchJob(ctx context.Context, wl *workload.GatedWorkload) (*batchv1.Job, error) {
	job := &batchv1.Job{}
	key := types.NamespacedName{Namespace: wl.Namespace, Name: fetcher.JobName(wl)}
	if err := r.Get(ctx, key, job); err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fetch job %s: %w", key, err)
	}
	return job, nil
}

func (r *PodReconciler) handleDetected(ctx context.Context, pod *corev1.Pod, wl *workload.GatedWorkload) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	present, err := r.Oracle.HasData(ctx, wl.Node, wl.Dataset)
	if err != nil {
		// a false negative only costs a redundant fetch, a false positive
		// would release an unready pod, so probe errors degrade to miss
		log.Error(err, "Cache probe failed, assuming miss", "pod", pod.Name, "node", wl.Node)
		metrics.RecordCacheLookup("error")
		present = false
	} else if present {
		metrics.RecordCacheLookup("hit")
	} else {
		metrics.RecordCacheLookup("miss")
	}

	if present {
		return r.handleRelease(ctx, pod, "cache-hit")
	}

	// a hit during the backoff window still releases above; only new jobs wait
	if hold := workload.RetryHoldRemaining(pod, time.Now()); hold > 0 {
		log.Info("Holding fetch retry for backoff", "pod", pod.Name, "remaining", hold)
		return ctrl.Result{RequeueAfter: hold}, nil
	}
	return r.delegate(ctx, pod, wl)
}

// delegate submits the node-pinned fetch job. A job left behind by a crashed
// attempt is adopted via the AlreadyExists path rather than recreated.
func (r *PodReconciler) delegate(ctx context.Context, pod *corev1.Pod, wl *workload.GatedWorkload) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	ctx, span := tracer.Start(ctx, "delegate-fetch", trace.WithAttributes(
		attribute.String("dataset", wl.Dataset),
		attribute.String("node", wl.Node),
		attribute.String("pod", wl.Namespace+"/"+wl.Name),
		attribute.Int("attempt", workload.Attempts(pod)+1),
	))
	defer span.End()

	job, err := r.Factory.Build(wl)
	if err != nil {
		span.RecordError(err)
		return ctrl.Result{}, err
	}
	if err := ctrl.SetControllerReference(pod, job, r.Scheme); err != nil {
		return ctrl.Result{}, fmt.Errorf("set owner reference: %w", err)
	}

	if err := r.Create(ctx, job); err != nil {
		if errors.IsAlreadyExists(err) {
			log.Info("Adopting existing fetch job", "job", job.Name, "pod", pod.Name)
			return ctrl.Result{RequeueAfter: constants.JobStatusCheckInterval}, nil
		}
		span.RecordError(err)
		return ctrl.Result{}, fmt.Errorf("create fetch job %s: %w", job.Name, err)
	}

	metrics.RecordFetchJobCreated()
	r.Recorder.Eventf(pod, corev1.EventTypeNormal, "FetchDelegated",
		"Delegated fetch of %s to job %s on node %s", wl.Dataset, job.Name, wl.Node)
	log.Info("Created fetch job", "job", job.Name, "node", wl.Node)

	return ctrl.Result{RequeueAfter: constants.JobStatusCheckInterval}, nil
}

// handleRetry records the failed attempt on the pod, removes the dead job and
// requeues with backoff so the next reconcile recreates it.
func (r *PodReconciler) handleRetry(ctx context.Context, pod *corev1.Pod, job *batchv1.Job) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	attempts := workload.Attempts(pod)

	// each failed job is counted exactly once, keyed by its UID, so a
	// re-observation after a transient delete failure cannot burn attempts
	if !workload.AttemptCounted(pod, job) {
		attempts++
		delay := utils.CalculateExponentialBackoffWithJitter(int64(attempts),
			r.Config.RetryBackoffBase.Duration, r.Config.RetryBackoffMax.Duration)

		// the annotations must be persisted before the job is recreated, otherwise
		// a crash between delete and recreate would lose the attempt count
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[constants.FetchAttemptsAnnotation] = strconv.Itoa(attempts)
		pod.Annotations[constants.CountedJobAnnotation] = string(job.UID)
		pod.Annotations[constants.NextAttemptAnnotation] = time.Now().Add(delay).Format(time.RFC3339)
		if err := r.Update(ctx, pod); err != nil {
			return ctrl.Result{}, err
		}

		metrics.RecordFetchFailure(false)
		r.Recorder.Eventf(pod, corev1.EventTypeWarning, "FetchRetry",
			"Fetch job failed, attempt %d of %d", attempts, r.Config.AttemptCeiling)
	}

	if err := r.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
		return ctrl.Result{}, fmt.Errorf("delete failed fetch job %s: %w", job.Name, err)
	}

	hold := workload.RetryHoldRemaining(pod, time.Now())
	if hold <= 0 {
		hold = r.Config.RetryBackoffBase.Duration
	}
	log.Info("Retrying fetch after backoff", "pod", pod.Name, "attempt", attempts, "delay", hold)
	return ctrl.Result{RequeueAfter: hold}, nil
}

// handleTerminalFailure surfaces exhausted retries without ever removing the
// gate: an un-warmed pod must never be released.
func (r *PodReconciler) handleTerminalFailure(ctx context.Context, pod *corev1.Pod) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	if pod.Annotations[constants.FetchFailedAnnotation] != "" {
		// already surfaced
		return ctrl.Result{}, nil
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[constants.FetchFailedAnnotation] = "AttemptCeilingExhausted"
	if err := r.Update(ctx, pod); err != nil {
		return ctrl.Result{}, err
	}

	metrics.RecordFetchFailure(true)
	r.Recorder.Eventf(pod, corev1.EventTypeWarning, "PrewarmFailed",
		"Dataset fetch failed %d times, scheduling gate left in place", r.Config.AttemptCeiling)
	log.Info("Workload terminally failed, gate left applied", "pod", pod.Name)
	return ctrl.Result{}, nil
}

func (r *PodReconciler) handleRelease(ctx context.Context, pod *corev1.Pod, reason string) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	if err := r.Gate.Release(ctx, pod); err != nil {
		// conflicts and rejected test ops mean the pod moved under us;
		// requeue for a fresh read, the removal is retried until it lands
		return ctrl.Result{}, err
	}

	metrics.RecordGateReleased(reason, time.Since(pod.CreationTimestamp.Time))
	r.Recorder.Eventf(pod, corev1.EventTypeNormal, "GateReleased",
		"Scheduling gate removed (%s)", reason)
	log.Info("Released scheduling gate", "pod", pod.Name, "reason", reason)
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *PodReconciler) SetupWithManager(mgr ctrl.Manager) error {
	rateLimiterOption := controller.Options{
		RateLimiter: workqueue.NewTypedMaxOfRateLimiter(
			workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](
				constants.GatedPodFailureInitialDelay,
				constants.GatedPodFailureMaxDelay,
			),
			&workqueue.TypedBucketRateLimiter[reconcile.Request]{
				Limiter: rate.NewLimiter(rate.Limit(
					constants.GatedPodFailureMaxRPS),
					constants.GatedPodFailureMaxBurst),
			},
		),
		// concurrent across pods, serialized per pod key by the workqueue
		MaxConcurrentReconciles: constants.GatedPodConcurrentReconcile,
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}, builder.WithPredicates(predicate.NewPredicateFuncs(func(obj client.Object) bool {
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				return false
			}
			return pod.Annotations[constants.DatasetAnnotation] != ""
		}))).
		Named("gatedpod").
		Owns(&batchv1.Job{}).
		WithOptions(rateLimiterOption).
		Complete(r)
}
