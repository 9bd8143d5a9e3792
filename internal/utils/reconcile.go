package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/kube-cache/kube-cache-operator/internal/constants"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// CalculateExponentialBackoffWithJitter computes the delay before the next fetch
// attempt. Base and max delay are policy, supplied by config rather than hard-coded.
func CalculateExponentialBackoffWithJitter(retryCount int64, baseDelay, maxDelay time.Duration) time.Duration {
	const (
		factor     = 2.0
		maxRetries = 10
	)

	if retryCount > maxRetries {
		retryCount = maxRetries
	}

	backoff := float64(baseDelay) * math.Pow(factor, float64(retryCount))

	jitter := rand.Float64() * backoff

	totalDelay := time.Duration(jitter)
	if totalDelay < baseDelay {
		totalDelay = baseDelay
	}
	if totalDelay > maxDelay {
		totalDelay = maxDelay
	}

	return totalDelay
}

func CurrentNamespace() string {
	namespace := constants.NamespaceDefaultVal
	envNamespace := os.Getenv(constants.NamespaceEnv)
	if envNamespace != "" {
		namespace = envNamespace
	}
	return namespace
}

// HashString returns the hex sha256 digest of s. Used both for deterministic
// fetch job names and for the dataset key the node agent exposes.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func IsJobConditionTrue(conditions []batchv1.JobCondition, conditionType batchv1.JobConditionType) bool {
	for _, condition := range conditions {
		if condition.Type == conditionType {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
