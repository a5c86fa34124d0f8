package sandbox

import (
	"fmt"
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// NewRunner selects a Runner backend by name, grounded on the teacher's
// runner_factory.go dispatch. "auto" tries Kubernetes (in-cluster), then
// Docker, then containerd/nerdctl, and fails with ErrSandboxUnavailable if
// none are usable.
func NewRunner(backend string) (Runner, error) {
	switch backend {
	case "docker":
		return NewDockerRunner()
	case "containerd":
		return NewContainerdRunner()
	case "kubernetes":
		return NewKubernetesRunner()
	case "auto", "":
		return autoDetect()
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", backend)
	}
}

func autoDetect() (Runner, error) {
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token"); err == nil {
		if r, err := NewKubernetesRunner(); err == nil {
			logging.Log.Info("sandbox: auto-detected Kubernetes runtime")
			return r, nil
		}
	}
	if r, err := NewDockerRunner(); err == nil {
		logging.Log.Info("sandbox: auto-detected Docker runtime")
		return r, nil
	}
	if r, err := NewContainerdRunner(); err == nil {
		logging.Log.Info("sandbox: auto-detected containerd (nerdctl) runtime")
		return r, nil
	}
	return nil, ErrSandboxUnavailable
}
