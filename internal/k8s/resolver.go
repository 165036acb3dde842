package k8s

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/storykit/devproxy/internal/router"
)

// Scheme marks route targets that name a Kubernetes Service:
//
//	k8s://<service>[.<namespace>]:<port>[/base/path]
//
// port is the service port number. The upstream scheme is https when that
// port is named "https" or is 443.
const Scheme = "k8s"

const defaultNamespace = "default"

// Resolver turns k8s:// targets into concrete upstream URLs. Resolution
// happens once, before the router is built.
type Resolver struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewResolver creates a Resolver from a kubeconfig path.
func NewResolver(kubeconfigPath string, logger *slog.Logger) (*Resolver, error) {
	clientset, err := BuildClientset(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return NewResolverWithClient(clientset, logger), nil
}

// NewResolverWithClient creates a Resolver from an existing clientset.
// This is primarily used for testing with fake clientsets.
func NewResolverWithClient(client kubernetes.Interface, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{client: client, logger: logger}
}

// NeedsResolution reports whether any rule targets a Kubernetes Service.
func NeedsResolution(rules []router.Rule) bool {
	for _, r := range rules {
		if r.Target != nil && r.Target.Scheme == Scheme {
			return true
		}
	}
	return false
}

// ResolveRules returns a copy of rules with every k8s:// target replaced by
// the Service's address. Other rules are returned unchanged.
func (r *Resolver) ResolveRules(ctx context.Context, rules []router.Rule) ([]router.Rule, error) {
	out := make([]router.Rule, len(rules))
	copy(out, rules)
	for i, rule := range out {
		if rule.Target == nil || rule.Target.Scheme != Scheme {
			continue
		}
		target, err := r.ResolveTarget(ctx, rule.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rule.Name, err)
		}
		r.logger.Info("resolved k8s target", "route", rule.Name, "service", rule.Target.Host, "target", target.String())
		out[i].Target = target
	}
	return out, nil
}

// ResolveTarget looks up the Service named by a k8s:// URL.
func (r *Resolver) ResolveTarget(ctx context.Context, target *url.URL) (*url.URL, error) {
	name, namespace, _ := strings.Cut(target.Hostname(), ".")
	if namespace == "" {
		namespace = defaultNamespace
	}
	portRef := target.Port()
	if name == "" || portRef == "" {
		return nil, fmt.Errorf("k8s target %q: expected k8s://service.namespace:port", target.String())
	}

	svc, err := r.client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("k8s target %s/%s: %w", namespace, name, err)
	}

	port, ok := findPort(svc.Spec.Ports, portRef)
	if !ok {
		return nil, fmt.Errorf("k8s target %s/%s: service has no port %q", namespace, name, portRef)
	}

	host, err := serviceHost(svc)
	if err != nil {
		return nil, fmt.Errorf("k8s target %s/%s: %w", namespace, name, err)
	}

	scheme := "http"
	if port.Name == "https" || port.Port == 443 {
		scheme = "https"
	}
	return &url.URL{
		Scheme:  scheme,
		Host:    net.JoinHostPort(host, strconv.Itoa(int(port.Port))),
		Path:    target.Path,
		RawPath: target.RawPath,
	}, nil
}

func findPort(ports []corev1.ServicePort, ref string) (corev1.ServicePort, bool) {
	n, err := strconv.Atoi(ref)
	if err != nil {
		return corev1.ServicePort{}, false
	}
	for _, p := range ports {
		if int(p.Port) == n {
			return p, true
		}
	}
	return corev1.ServicePort{}, false
}

// serviceHost prefers an external load balancer address, then the external
// name, then the cluster IP.
func serviceHost(svc *corev1.Service) (string, error) {
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP, nil
		}
		if ing.Hostname != "" {
			return ing.Hostname, nil
		}
	}
	if svc.Spec.Type == corev1.ServiceTypeExternalName && svc.Spec.ExternalName != "" {
		return svc.Spec.ExternalName, nil
	}
	if ip := svc.Spec.ClusterIP; ip != "" && ip != corev1.ClusterIPNone {
		return ip, nil
	}
	return "", fmt.Errorf("service has no routable address")
}
