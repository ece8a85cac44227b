// Package k8s implements the k8s.* tools with client-go: node cordon,
// uncordon, drain, and deployment rollout restart.
package k8s

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client construction modes.
const (
	ModeLocal      = "local"
	ModeSA         = "sa"
	ModeKubeconfig = "kubeconfig"
)

// BuildClient constructs a clientset for the configured mode:
// sa uses the in-cluster service account, kubeconfig reads the given
// path, local follows the default loading rules (KUBECONFIG or
// ~/.kube/config).
func BuildClient(mode, kubeconfigPath string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	switch mode {
	case ModeSA:
		cfg, err = rest.InClusterConfig()
	case ModeKubeconfig:
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	case ModeLocal, "":
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	default:
		return nil, fmt.Errorf("k8s: unknown mode %q", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("k8s: build config (%s): %w", mode, err)
	}
	return kubernetes.NewForConfig(cfg)
}
