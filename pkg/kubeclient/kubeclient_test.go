package kubeclient

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://kubernetes.example.com:6443
contexts:
- name: test
  context:
    cluster: test
    user: runner
current-context: test
users:
- name: runner
  user:
    token: abc
`

func TestSystemConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	cfg, err := SystemConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://kubernetes.example.com:6443", cfg.Host)
	assert.Equal(t, "abc", cfg.BearerToken)

	client, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client.BatchV1())
	assert.Nil(t, cfg.WarningHandler)
}

func TestWarningHandler(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := &warningHandler{logger: log.NewEntry(logger)}

	handler.HandleWarningHeader(299, "-", "batch/v1beta1 CronJob is deprecated")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "apiserver: batch/v1beta1 CronJob is deprecated", hook.LastEntry().Message)
}
