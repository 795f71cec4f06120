// Package kube manages the disposable helper pods that give the rest of the
// application access to Kubernetes-mounted volumes. A helper pod mounts the
// target PersistentVolumeClaim and runs the transport agent; everything else
// talks to it through a single exec stream.
package kube

import (
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/abyss-io/abyss/pkg/errors"
)

// GetClient creates a Kubernetes client for the given kubeconfig context.
// An empty context uses the kubeconfig's current context.
func GetClient(context string) (kubernetes.Interface, *rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: context}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, nil, errors.WithContext(err, "load kubeconfig")
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, errors.WithContext(err, "create client")
	}
	return kubeClient, restConfig, nil
}
