package k8s

import (
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// lookupTimeout bounds each API call made while resolving targets at startup.
const lookupTimeout = 10 * time.Second

// BuildClientset creates a clientset for resolving k8s:// targets. A
// kubeconfig path that does not exist falls back to in-cluster config, so the
// default ~/.kube/config is harmless inside a pod.
func BuildClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	config, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	config.Timeout = lookupTimeout
	config.UserAgent = "devproxy"

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s: create clientset: %w", err)
	}
	return clientset, nil
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		if _, err := os.Stat(kubeconfigPath); err == nil {
			config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
			if err != nil {
				return nil, fmt.Errorf("k8s: load kubeconfig %s: %w", kubeconfigPath, err)
			}
			return config, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("k8s: stat kubeconfig: %w", err)
		}
	}
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s: no kubeconfig at %q and not in a cluster: %w", kubeconfigPath, err)
	}
	return config, nil
}
