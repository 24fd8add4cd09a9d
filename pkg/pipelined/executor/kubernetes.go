package executor

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	kubernetesExecutorName = "kubernetes"

	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelDeploymentID = "pipelined.nais.io/deployment-id"
	LabelProjectID    = "pipelined.nais.io/project-id"

	managedBy = "pipelined"

	ArtifactWorkflow       = "workflow.yaml"
	ArtifactManifest       = "pipelined.json"
	ArtifactContainerImage = "Dockerfile"

	artifactMountPath = "/workspace/.pipelined"
	maxNameLength     = 63
)

var invalidNameCharacters = regexp.MustCompile(`[^a-z0-9-]+`)

type KubernetesConfig struct {
	Namespace      string        `json:"namespace"`
	RunnerImage    string        `json:"runner-image"`
	ServiceAccount string        `json:"service-account"`
	Registry       string        `json:"registry"`
	BackoffLimit   int32         `json:"backoff-limit"`
	ActiveDeadline time.Duration `json:"active-deadline"`
	TTL            time.Duration `json:"ttl"`
	PollInterval   time.Duration `json:"poll-interval"`
}

// Kubernetes runs every build as a batch Job. The generated artifacts are mounted into
// the runner container from a ConfigMap with the same name as the Job.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
}

var (
	_ Executor = &Kubernetes{}
	_ Watcher  = &Kubernetes{}
)

func NewKubernetes(client kubernetes.Interface, cfg KubernetesConfig) *Kubernetes {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	// Watch must observe a finished Job before it is garbage collected
	if cfg.TTL > 0 && cfg.TTL < 2*cfg.PollInterval {
		log.Warnf("Job TTL %s is too short for poll interval %s; using %s", cfg.TTL, cfg.PollInterval, 2*cfg.PollInterval)
		cfg.TTL = 2 * cfg.PollInterval
	}
	return &Kubernetes{
		client: client,
		cfg:    cfg,
	}
}

func (k *Kubernetes) Name() string {
	return kubernetesExecutorName
}

// ResourceName returns the name of the Job and ConfigMap created for a deployment.
func ResourceName(deploymentID string) string {
	name := "pipelined-" + invalidNameCharacters.ReplaceAllString(strings.ToLower(deploymentID), "-")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}

func labelValue(value string) string {
	value = invalidNameCharacters.ReplaceAllString(strings.ToLower(value), "-")
	if len(value) > maxNameLength {
		value = value[:maxNameLength]
	}
	return strings.Trim(value, "-")
}

func (k *Kubernetes) labels(req Request) map[string]string {
	return map[string]string{
		LabelManagedBy:    managedBy,
		LabelDeploymentID: labelValue(req.DeploymentID),
		LabelProjectID:    labelValue(req.ProjectID),
	}
}

func (k *Kubernetes) configMap(req Request) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceName(req.DeploymentID),
			Namespace: k.cfg.Namespace,
			Labels:    k.labels(req),
		},
		Data: map[string]string{
			ArtifactWorkflow:       req.Workflow,
			ArtifactManifest:       string(req.Manifest),
			ArtifactContainerImage: req.ContainerImage,
		},
	}
}

func seconds(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	s := int64(d.Seconds())
	return &s
}

func (k *Kubernetes) job(req Request) *batchv1.Job {
	name := ResourceName(req.DeploymentID)
	labels := k.labels(req)

	registry := req.Registry
	if len(registry) == 0 {
		registry = k.cfg.Registry
	}

	env := []corev1.EnvVar{
		{Name: "PIPELINED_DEPLOYMENT_ID", Value: req.DeploymentID},
		{Name: "PIPELINED_PROJECT_ID", Value: req.ProjectID},
		{Name: "PIPELINED_REPOSITORY_URL", Value: req.RepositoryURL},
		{Name: "PIPELINED_BRANCH", Value: req.Branch},
		{Name: "PIPELINED_COMMIT_SHA", Value: req.CommitSHA},
		{Name: "PIPELINED_FRAMEWORK", Value: req.Framework},
		{Name: "PIPELINED_REGISTRY", Value: registry},
		{Name: "PIPELINED_ARTIFACTS", Value: artifactMountPath},
	}
	if req.InstallationID > 0 {
		env = append(env, corev1.EnvVar{Name: "PIPELINED_INSTALLATION_ID", Value: strconv.FormatInt(req.InstallationID, 10)})
	}

	var ttl *int32
	if k.cfg.TTL > 0 {
		t := int32(math.Ceil(k.cfg.TTL.Seconds()))
		ttl = &t
	}
	backoffLimit := k.cfg.BackoffLimit

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   seconds(k.cfg.ActiveDeadline),
			TTLSecondsAfterFinished: ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:  "runner",
							Image: k.cfg.RunnerImage,
							Env:   env,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "artifacts", MountPath: artifactMountPath, ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "artifacts",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: name},
								},
							},
						},
					},
				},
			},
		},
	}
}

func (k *Kubernetes) Submit(ctx context.Context, req Request) (sub *Submission, err error) {
	defer func() {
		metrics.ExecutorRequest(kubernetesExecutorName, err)
	}()

	namespace := k.cfg.Namespace
	logger := log.WithFields(log.Fields{
		"deployment_id": req.DeploymentID,
		"namespace":     namespace,
	})

	_, err = k.client.CoreV1().ConfigMaps(namespace).Create(ctx, k.configMap(req), metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return nil, &Error{Executor: kubernetesExecutorName, Op: "create configmap", Message: err.Error()}
	}

	job, err := k.client.BatchV1().Jobs(namespace).Create(ctx, k.job(req), metav1.CreateOptions{})
	switch {
	case errors.IsAlreadyExists(err):
		logger.Infof("Build job already exists")
		err = nil
	case err != nil:
		return nil, &Error{Executor: kubernetesExecutorName, Op: "create job", Message: err.Error()}
	default:
		logger.Infof("Created build job %s", job.Name)
	}

	return &Submission{
		Executor:  kubernetesExecutorName,
		Reference: namespace + "/" + ResourceName(req.DeploymentID),
	}, nil
}

func (k *Kubernetes) Cancel(ctx context.Context, deploymentID string) (err error) {
	defer func() {
		metrics.ExecutorRequest(kubernetesExecutorName, err)
	}()

	name := ResourceName(deploymentID)
	propagation := metav1.DeletePropagationBackground

	err = k.client.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !errors.IsNotFound(err) {
		return &Error{Executor: kubernetesExecutorName, Op: "delete job", Message: err.Error()}
	}

	err = k.client.CoreV1().ConfigMaps(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return &Error{Executor: kubernetesExecutorName, Op: "delete configmap", Message: err.Error()}
	}

	return nil
}

// Watch polls the build job until it completes or fails.
func (k *Kubernetes) Watch(ctx context.Context, deploymentID string) error {
	client := k.client.BatchV1().Jobs(k.cfg.Namespace)
	name := ResourceName(deploymentID)
	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := client.Get(ctx, name, metav1.GetOptions{})
		switch {
		case errors.IsNotFound(err):
			return &Error{Executor: kubernetesExecutorName, Op: "watch", Message: fmt.Sprintf("job %s no longer exists", name)}
		case err != nil:
			log.WithField("deployment_id", deploymentID).Debugf("Get build job: %s", err)
		case jobComplete(job):
			return nil
		default:
			if failed, condition := jobFailed(job); failed {
				return &Error{Executor: kubernetesExecutorName, Op: "watch", Message: fmt.Sprintf("job failed: %s: %s", condition.Reason, condition.Message)}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobComplete(job *batchv1.Job) bool {
	for _, condition := range job.Status.Conditions {
		if condition.Type == batchv1.JobComplete && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func jobFailed(job *batchv1.Job) (bool, batchv1.JobCondition) {
	for _, condition := range job.Status.Conditions {
		if condition.Type == batchv1.JobFailed && condition.Status == corev1.ConditionTrue {
			return true, condition
		}
	}
	return false, batchv1.JobCondition{}
}
