// Package fetcher builds the node-pinned jobs that download datasets.
package fetcher

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/kube-cache/kube-cache-operator/internal/constants"
	"github.com/kube-cache/kube-cache-operator/internal/utils"
	"github.com/kube-cache/kube-cache-operator/internal/workload"
)

const (
	maxNameLength  = 63
	nameHashLength = 8
)

// JobFactory produces fetch job specs. All policy fields come from config.
type JobFactory struct {
	Image                 string
	CacheDir              string
	JobTTLSeconds         int32
	ActiveDeadlineSeconds int64
}

// JobName derives the deterministic fetch job name for a workload. The name is
// a pure function of pod identity and dataset, so re-creation attempts after a
// crash collide on the apiserver's uniqueness constraint instead of producing
// a second job.
func JobName(wl *workload.GatedWorkload) string {
	digest := utils.HashString(string(wl.UID) + "\n" + wl.Dataset)[:nameHashLength]
	name := constants.FetchJobPrefix + wl.Name
	maxBase := maxNameLength - nameHashLength - 1
	if len(name) > maxBase {
		name = name[:maxBase]
	}
	return name + "-" + digest
}

// Build constructs the job spec for a workload whose target node is known.
// The hostname nodeSelector pins execution to the exact node the gated pod
// will occupy; getting this wrong lands the dataset on the wrong node without
// any error, so it is asserted here rather than left to the caller.
func (f *JobFactory) Build(wl *workload.GatedWorkload) (*batchv1.Job, error) {
	if wl.Node == "" {
		return nil, fmt.Errorf("workload %s/%s has no target node yet", wl.Namespace, wl.Name)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(wl),
			Namespace: wl.Namespace,
			Labels: map[string]string{
				constants.LabelManagedBy:   constants.ManagedByValue,
				constants.LabelComponent:   constants.ComponentFetcher,
				constants.LabelDatasetHash: utils.HashString(wl.Dataset)[:nameHashLength],
			},
		},
		Spec: batchv1.JobSpec{
			// retries are controller-owned so the attempt annotation on the
			// pod stays the single source of truth
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(f.JobTTLSeconds),
			ActiveDeadlineSeconds:   ptr.To(f.ActiveDeadlineSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						constants.LabelManagedBy: constants.ManagedByValue,
						constants.LabelComponent: constants.ComponentFetcher,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeSelector: map[string]string{
						constants.KubernetesHostNameLabel: wl.Node,
					},
					Containers: []corev1.Container{
						{
							Name:  "fetcher",
							Image: f.Image,
							Args:  []string{"fetch", wl.Dataset},
							Env: []corev1.EnvVar{
								{Name: constants.DatasetURIEnv, Value: wl.Dataset},
								{Name: constants.CacheDirEnv, Value: f.CacheDir},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "dataset-cache", MountPath: f.CacheDir},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "dataset-cache",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{
									Path: f.CacheDir,
									Type: ptr.To(corev1.HostPathDirectoryOrCreate),
								},
							},
						},
					},
				},
			},
		},
	}
	return job, nil
}
