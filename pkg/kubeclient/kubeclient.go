package kubeclient

import (
	"os"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// SystemConfig returns the configuration of the given kubeconfig file. If kubeconfig is empty,
// the in-cluster configuration is used when running inside Kubernetes, and $KUBECONFIG otherwise.
func SystemConfig(kubeconfig string) (*rest.Config, error) {
	if len(kubeconfig) > 0 {
		log.Tracef("Using Kubernetes configuration file %s", kubeconfig)
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	cfg, err := rest.InClusterConfig()
	if err == nil {
		log.Tracef("Running inside Kubernetes, using in-cluster configuration")
		return cfg, nil
	}
	cf := kubeConfigPath()
	log.Tracef("Not running inside Kubernetes, using configuration file %s", cf)
	return clientcmd.BuildConfigFromFlags("", cf)
}

// New returns a clientset that logs API server warnings instead of printing them to stderr.
func New(config *rest.Config) (kubernetes.Interface, error) {
	config = rest.CopyConfig(config)
	config.WarningHandler = &warningHandler{logger: log.WithField("component", "kubernetes")}
	return kubernetes.NewForConfig(config)
}

func DefaultClient(kubeconfig string) (kubernetes.Interface, error) {
	config, err := SystemConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return New(config)
}

func kubeConfigPath() string {
	env, found := os.LookupEnv("KUBECONFIG")
	if !found {
		return clientcmd.RecommendedHomeFile
	}
	return env
}

type warningHandler struct {
	logger *log.Entry
}

func (w *warningHandler) HandleWarningHeader(_ int, _ string, message string) {
	w.logger.Warnf("apiserver: %s", message)
}
