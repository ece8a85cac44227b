package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/marcus-qen/praetor/internal/adapters"
)

// IdempotencyAnnotation marks a mutated object with the key that caused
// the mutation, so replays detect prior application.
const IdempotencyAnnotation = "ops-agents/idempotency"

const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// Adapter runs node and deployment operations against a cluster, guarded
// by a namespace allowlist and a node environment label check.
type Adapter struct {
	client             kubernetes.Interface
	namespaceAllowlist []string
	envLabelKey        string
	envAllowed         []string
	logger             *zap.Logger
}

// New builds the adapter. Empty allowlists disable their guard.
func New(client kubernetes.Interface, namespaceAllowlist []string, envLabelKey string, envAllowed []string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if envLabelKey == "" {
		envLabelKey = "cluster.env"
	}
	return &Adapter{
		client:             client,
		namespaceAllowlist: namespaceAllowlist,
		envLabelKey:        envLabelKey,
		envAllowed:         envAllowed,
		logger:             logger.Named("k8s"),
	}
}

func (a *Adapter) Namespace() string { return "k8s" }

func (a *Adapter) Tools() []string {
	return []string{"k8s.drain_node", "k8s.cordon_node", "k8s.uncordon_node", "k8s.restart_deployment"}
}

func (a *Adapter) Invoke(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	switch call.Name {
	case "k8s.cordon_node":
		return a.setSchedulable(ctx, call, false)
	case "k8s.uncordon_node":
		return a.setSchedulable(ctx, call, true)
	case "k8s.drain_node":
		return a.drainNode(ctx, call)
	case "k8s.restart_deployment":
		return a.restartDeployment(ctx, call)
	}
	return nil, fmt.Errorf("%w: %q", adapters.ErrNotFound, call.Name)
}

func (a *Adapter) setSchedulable(ctx context.Context, call adapters.ToolCall, schedulable bool) (*adapters.Response, error) {
	name, _ := call.Input["node"].(string)
	if name == "" {
		return nil, adapters.Terminal("%s: node required", call.Name)
	}
	verb := "cordon"
	if schedulable {
		verb = "uncordon"
	}

	node, err := a.client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		// Planning is allowed against misconfigured environments.
		if call.DryRun {
			return a.planned(call, verb+" node "+name), nil
		}
		return nil, classify(err, "get node %s", name)
	}
	if err := a.checkNodeEnv(node); err != nil {
		return nil, err
	}
	if call.DryRun {
		return a.planned(call, verb+" node "+name), nil
	}

	if node.Spec.Unschedulable == !schedulable {
		return &adapters.Response{
			Output: map[string]any{"node": name, "already_applied": true},
			Audit:  map[string]any{"mode": "real", "replayed": true, "verb": verb},
		}, nil
	}
	patch := map[string]any{
		"metadata": map[string]any{"annotations": map[string]string{IdempotencyAnnotation: call.IdempotencyKey}},
		"spec":     map[string]any{"unschedulable": !schedulable},
	}
	blob, _ := json.Marshal(patch)
	if _, err := a.client.CoreV1().Nodes().Patch(ctx, name, types.StrategicMergePatchType, blob, metav1.PatchOptions{}); err != nil {
		return nil, classify(err, "%s node %s", verb, name)
	}
	return &adapters.Response{
		Output: map[string]any{"node": name, "unschedulable": !schedulable},
		Audit:  map[string]any{"mode": "real", "verb": verb, "node": name},
	}, nil
}

func (a *Adapter) drainNode(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	name, _ := call.Input["node"].(string)
	if name == "" {
		return nil, adapters.Terminal("k8s.drain_node: node required")
	}
	grace := int64(30)
	if g, ok := call.Input["grace_period_seconds"].(float64); ok {
		grace = int64(g)
	}

	cordonCall := call
	cordonCall.Name = "k8s.cordon_node"
	cordoned, err := a.setSchedulable(ctx, cordonCall, false)
	if err != nil {
		return nil, err
	}
	if call.DryRun {
		return a.planned(call, "cordon node "+name+" and evict its pods"), nil
	}

	pods, err := a.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + name,
	})
	if err != nil {
		return nil, classify(err, "list pods on %s", name)
	}
	evicted := []string{}
	skipped := []string{}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !evictable(pod) {
			skipped = append(skipped, pod.Namespace+"/"+pod.Name)
			continue
		}
		eviction := &policyv1.Eviction{
			ObjectMeta:    metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace},
			DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: &grace},
		}
		if err := a.client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, classify(err, "evict %s/%s", pod.Namespace, pod.Name)
		}
		evicted = append(evicted, pod.Namespace+"/"+pod.Name)
	}
	return &adapters.Response{
		Output: map[string]any{"node": name, "evicted": evicted, "skipped": skipped},
		Audit: map[string]any{
			"mode": "real", "verb": "drain", "node": name,
			"cordon": cordoned.Output, "evicted_count": len(evicted),
		},
	}, nil
}

func (a *Adapter) restartDeployment(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	name, _ := call.Input["name"].(string)
	namespace, _ := call.Input["namespace"].(string)
	if name == "" || namespace == "" {
		return nil, adapters.Terminal("k8s.restart_deployment: name and namespace required")
	}
	if !a.namespaceAllowed(namespace) {
		return nil, adapters.Terminal("k8s.restart_deployment: namespace %q not in allowlist", namespace)
	}

	patch := map[string]any{
		"metadata": map[string]any{"annotations": map[string]string{IdempotencyAnnotation: call.IdempotencyKey}},
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						restartedAtAnnotation: time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
		},
	}
	if call.DryRun {
		rendered, _ := sigsyaml.Marshal(patch)
		return &adapters.Response{
			Output: map[string]any{"dry_run": true},
			Audit: map[string]any{
				"mode": "real", "dry_run": true,
				"planned": []any{map[string]any{
					"tool": call.Name, "namespace": namespace, "name": name,
					"patch": string(rendered),
				}},
			},
		}, nil
	}

	deploy, err := a.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err, "get deployment %s/%s", namespace, name)
	}
	if call.IdempotencyKey != "" && deploy.Annotations[IdempotencyAnnotation] == call.IdempotencyKey {
		return &adapters.Response{
			Output: map[string]any{"deployment": name, "already_applied": true},
			Audit:  map[string]any{"mode": "real", "replayed": true},
		}, nil
	}
	blob, _ := json.Marshal(patch)
	if _, err := a.client.AppsV1().Deployments(namespace).Patch(ctx, name,
		types.StrategicMergePatchType, blob, metav1.PatchOptions{}); err != nil {
		return nil, classify(err, "restart deployment %s/%s", namespace, name)
	}
	return &adapters.Response{
		Output: map[string]any{"deployment": name, "namespace": namespace, "restarted": true},
		Audit:  map[string]any{"mode": "real", "verb": "restart", "namespace": namespace},
	}, nil
}

func (a *Adapter) checkNodeEnv(node *corev1.Node) error {
	if len(a.envAllowed) == 0 {
		return nil
	}
	env := node.Labels[a.envLabelKey]
	for _, allowed := range a.envAllowed {
		if env == allowed {
			return nil
		}
	}
	return adapters.Terminal("k8s: node %s env %q not allowed", node.Name, env)
}

func (a *Adapter) namespaceAllowed(namespace string) bool {
	if len(a.namespaceAllowlist) == 0 {
		return true
	}
	for _, ns := range a.namespaceAllowlist {
		if ns == namespace {
			return true
		}
	}
	return false
}

func (a *Adapter) planned(call adapters.ToolCall, description string) *adapters.Response {
	return &adapters.Response{
		Output: map[string]any{"dry_run": true},
		Audit: map[string]any{
			"mode":    "real",
			"dry_run": true,
			"planned": []any{map[string]any{"tool": call.Name, "description": description, "input": call.Input}},
		},
	}
}

// evictable excludes daemonset-managed and mirror pods, like kubectl
// drain does by default.
func evictable(pod *corev1.Pod) bool {
	if _, mirror := pod.Annotations[corev1.MirrorPodAnnotationKey]; mirror {
		return false
	}
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return false
		}
	}
	return true
}

func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...) + ": " + err.Error()
	status := 0
	if s, ok := err.(apierrors.APIStatus); ok {
		status = int(s.Status().Code)
	}
	if status == 0 {
		return adapters.Transient("k8s: %s", msg)
	}
	return adapters.FromStatus(status, "k8s: %s", msg)
}
