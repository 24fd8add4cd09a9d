package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const namespace = "builds"

func newKubernetes() (*executor.Kubernetes, *fake.Clientset) {
	client := fake.NewSimpleClientset()
	return executor.NewKubernetes(client, executor.KubernetesConfig{
		Namespace:      namespace,
		RunnerImage:    "ghcr.io/nais/pipelined-runner:latest",
		Registry:       "registry.example.com",
		BackoffLimit:   1,
		ActiveDeadline: time.Hour,
		TTL:            time.Hour,
		PollInterval:   time.Millisecond,
	}), client
}

func TestResourceName(t *testing.T) {
	assert.Equal(t, "pipelined-d1", executor.ResourceName("d1"))
	assert.Equal(t, "pipelined-abc-def", executor.ResourceName("ABC_def"))
	assert.LessOrEqual(t, len(executor.ResourceName("0123456789012345678901234567890123456789012345678901234567890123456789")), 63)
}

func TestKubernetesSubmit(t *testing.T) {
	ctx := context.Background()
	k, client := newKubernetes()

	sub, err := k.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, &executor.Submission{Executor: "kubernetes", Reference: "builds/pipelined-d1"}, sub)

	configMap, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "name: deploy\n", configMap.Data[executor.ArtifactWorkflow])
	assert.Equal(t, `{"build":{}}`, configMap.Data[executor.ArtifactManifest])
	assert.Equal(t, "FROM node:20-alpine\n", configMap.Data[executor.ArtifactContainerImage])

	job, err := client.BatchV1().Jobs(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "d1", job.Labels[executor.LabelDeploymentID])
	assert.Equal(t, "p1", job.Labels[executor.LabelProjectID])
	assert.Equal(t, int32(1), *job.Spec.BackoffLimit)
	assert.Equal(t, int64(3600), *job.Spec.ActiveDeadlineSeconds)

	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "ghcr.io/nais/pipelined-runner:latest", container.Image)
	env := make(map[string]string)
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "registry.example.com", env["PIPELINED_REGISTRY"])
	assert.Equal(t, "42", env["PIPELINED_INSTALLATION_ID"])
	assert.Equal(t, "0123456789abcdef", env["PIPELINED_COMMIT_SHA"])

	// resubmission is idempotent
	_, err = k.Submit(ctx, testRequest())
	require.NoError(t, err)
	jobs, err := client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestKubernetesCancel(t *testing.T) {
	ctx := context.Background()
	k, client := newKubernetes()

	_, err := k.Submit(ctx, testRequest())
	require.NoError(t, err)

	require.NoError(t, k.Cancel(ctx, "d1"))

	_, err = client.BatchV1().Jobs(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = client.CoreV1().ConfigMaps(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	// cancelling again is a no-op
	assert.NoError(t, k.Cancel(ctx, "d1"))
}

func setJobCondition(t *testing.T, client *fake.Clientset, conditionType batchv1.JobConditionType, reason string) {
	ctx := context.Background()
	job, err := client.BatchV1().Jobs(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
		Type:    conditionType,
		Status:  corev1.ConditionTrue,
		Reason:  reason,
		Message: "details",
	})
	_, err = client.BatchV1().Jobs(namespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestKubernetesWatch(t *testing.T) {
	ctx := context.Background()

	t.Run("complete", func(t *testing.T) {
		k, client := newKubernetes()
		_, err := k.Submit(ctx, testRequest())
		require.NoError(t, err)
		setJobCondition(t, client, batchv1.JobComplete, "Completed")
		assert.NoError(t, k.Watch(ctx, "d1"))
	})

	t.Run("failed", func(t *testing.T) {
		k, client := newKubernetes()
		_, err := k.Submit(ctx, testRequest())
		require.NoError(t, err)
		setJobCondition(t, client, batchv1.JobFailed, "BackoffLimitExceeded")

		err = k.Watch(ctx, "d1")
		var executorError *executor.Error
		require.True(t, errors.As(err, &executorError))
		assert.Equal(t, "job failed: BackoffLimitExceeded: details", executorError.Message)
	})

	t.Run("deleted", func(t *testing.T) {
		k, _ := newKubernetes()
		assert.Error(t, k.Watch(ctx, "d1"))
	})

	t.Run("context cancelled while running", func(t *testing.T) {
		k, _ := newKubernetes()
		_, err := k.Submit(ctx, testRequest())
		require.NoError(t, err)

		timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, k.Watch(timeout, "d1"), context.DeadlineExceeded)
	})
}

func TestKubernetesJobOutlivesPollInterval(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name     string
		ttl      time.Duration
		expected int32
	}{
		{name: "shorter than two polls", ttl: time.Second, expected: 10},
		{name: "sub-second", ttl: 500 * time.Millisecond, expected: 10},
		{name: "long enough", ttl: time.Minute, expected: 60},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewSimpleClientset()
			k := executor.NewKubernetes(client, executor.KubernetesConfig{
				Namespace:    namespace,
				RunnerImage:  "ghcr.io/nais/pipelined-runner:latest",
				TTL:          tc.ttl,
				PollInterval: 5 * time.Second,
			})
			_, err := k.Submit(ctx, testRequest())
			require.NoError(t, err)

			job, err := client.BatchV1().Jobs(namespace).Get(ctx, "pipelined-d1", metav1.GetOptions{})
			require.NoError(t, err)
			require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
			assert.Equal(t, tc.expected, *job.Spec.TTLSecondsAfterFinished)
		})
	}
}
