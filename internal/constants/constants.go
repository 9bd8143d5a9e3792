package constants

import "time"

var (
	PendingNodeRequeueDuration = time.Second * 3
	JobStatusCheckInterval     = time.Second * 6
)

const (
	// Domain is the domain prefix used for all kube-cache.io related annotations, labels and gate names
	Domain = "kube-cache.io"

	// SchedulingGateName is the pod scheduling gate owned by this controller.
	// Pods carrying it stay unschedulable until the gate entry is removed.
	SchedulingGateName = Domain + "/data-ready"

	// DatasetAnnotation carries the dataset URI a pod needs pre-warmed, e.g. "s3://bucket/model"
	DatasetAnnotation = Domain + "/dataset"

	// FetchAttemptsAnnotation records how many fetch jobs have terminally failed for this pod.
	// Kept on the pod itself so retry accounting survives controller restarts.
	FetchAttemptsAnnotation = Domain + "/fetch-attempts"

	// FetchFailedAnnotation marks a pod whose fetch exhausted the attempt ceiling, gate left in place
	FetchFailedAnnotation = Domain + "/fetch-failed"

	// NextAttemptAnnotation holds the RFC3339 time before which no new fetch job
	// may be created. Kept on the pod so the backoff survives controller restarts
	// and cannot be skipped by watch events on the deleted job.
	NextAttemptAnnotation = Domain + "/next-attempt-at"

	// CountedJobAnnotation records the UID of the failed job the attempt counter
	// last accounted for. A failed job is counted at most once no matter how
	// often it is observed, so transient API errors cannot burn attempts.
	CountedJobAnnotation = Domain + "/counted-job"

	// ReleasedAnnotation marks a pod generation whose gate was removed by this controller,
	// set atomically in the same patch that removes the gate
	ReleasedAnnotation = Domain + "/released"

	LabelManagedBy   = Domain + "/managed-by"
	LabelComponent   = Domain + "/component"
	LabelDatasetHash = Domain + "/dataset-hash"

	ManagedByValue   = "kube-cache-operator"
	ComponentFetcher = "fetcher"

	FetchJobPrefix = "fetch-"

	KubernetesHostNameLabel = "kubernetes.io/hostname"

	DatasetURIEnv = "KUBE_CACHE_DATASET_URI"
	CacheDirEnv   = "KUBE_CACHE_DIR"

	NamespaceEnv        = "OPERATOR_NAMESPACE"
	NamespaceDefaultVal = "kube-cache-system"
)

const (
	GatedPodFailureInitialDelay = 100 * time.Millisecond
	GatedPodFailureMaxDelay     = 1000 * time.Second
	GatedPodFailureMaxRPS       = 10
	GatedPodFailureMaxBurst     = 10
	GatedPodConcurrentReconcile = 8
)
