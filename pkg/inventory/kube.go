package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/host"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// KubeSource lists the container images of pods scheduled on one node.
type KubeSource struct {
	KClient kubernetes.Interface
	Node    string
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewKubeClient uses kubeconfig when given, otherwise the usual locations
// of kubectl, k3s and k0s.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		candidates := []string{"/etc/kubernetes/admin.conf", "/etc/rancher/k3s/k3s.yaml", "/etc/k0s/k0s.yaml"}
		if home := homedir.HomeDir(); home != "" {
			candidates = append([]string{filepath.Join(home, ".kube", "config")}, candidates...)
		}
		for _, c := range candidates {
			if exists(c) {
				kubeconfig = c
				break
			}
		}
	}

	kconfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize kubernetes environment: %w", err)
	}
	return kubernetes.NewForConfig(kconfig)
}

func (s *KubeSource) Name() string { return "kube" }

func (s *KubeSource) node() string {
	if s.Node != "" {
		return s.Node
	}
	info, err := host.Info()
	if err != nil {
		log.Debugf("failed to read host info: %v", err)
		return ""
	}
	return info.Hostname
}

func (s *KubeSource) ListInstalled(ctx context.Context) ([]Item, error) {
	node := s.node()
	opts := metav1.ListOptions{}
	if node != "" {
		opts.FieldSelector = "spec.nodeName=" + node
	}

	pods, err := s.KClient.CoreV1().Pods(metav1.NamespaceAll).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	var items []Item
	for _, pod := range pods.Items {
		if node != "" && pod.Spec.NodeName != node {
			continue
		}
		if pod.Status.Phase == v1.PodSucceeded || pod.Status.Phase == v1.PodFailed {
			continue
		}

		containers := append(append([]v1.Container{}, pod.Spec.InitContainers...), pod.Spec.Containers...)
		for _, c := range containers {
			if it, ok := imageItem(c.Image, s.Name()); ok {
				items = append(items, it)
			}
		}
	}
	return items, nil
}
