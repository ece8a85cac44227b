package k8s

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/marcus-qen/praetor/internal/adapters"
)

func node(name string, labels map[string]string, unschedulable bool) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec:       corev1.NodeSpec{Unschedulable: unschedulable},
	}
}

func TestCordonNode(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1", nil, false))
	a := New(client, nil, "", nil, nil)

	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:           "k8s.cordon_node",
		Input:          map[string]any{"node": "n1"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["unschedulable"] != true {
		t.Errorf("output = %v", resp.Output)
	}

	got, _ := client.CoreV1().Nodes().Get(context.Background(), "n1", metav1.GetOptions{})
	if !got.Spec.Unschedulable {
		t.Error("node not cordoned")
	}
	if got.Annotations[IdempotencyAnnotation] != "k1" {
		t.Errorf("annotations = %v", got.Annotations)
	}
}

func TestCordonAlreadyCordonedReplays(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1", nil, true))
	a := New(client, nil, "", nil, nil)

	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "k8s.cordon_node",
		Input: map[string]any{"node": "n1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["already_applied"] != true {
		t.Errorf("output = %v", resp.Output)
	}
}

func TestUncordonNode(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1", nil, true))
	a := New(client, nil, "", nil, nil)

	if _, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "k8s.uncordon_node",
		Input: map[string]any{"node": "n1"},
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := client.CoreV1().Nodes().Get(context.Background(), "n1", metav1.GetOptions{})
	if got.Spec.Unschedulable {
		t.Error("node still cordoned")
	}
}

func TestEnvLabelGuard(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1", map[string]string{"cluster.env": "prod"}, false))
	a := New(client, nil, "cluster.env", []string{"staging"}, nil)

	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "k8s.cordon_node",
		Input: map[string]any{"node": "n1"},
	})
	if err == nil || adapters.IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1", nil, false))
	a := New(client, nil, "", nil, nil)

	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:   "k8s.cordon_node",
		Input:  map[string]any{"node": "n1"},
		DryRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Audit["dry_run"] != true {
		t.Errorf("audit = %v", resp.Audit)
	}
	got, _ := client.CoreV1().Nodes().Get(context.Background(), "n1", metav1.GetOptions{})
	if got.Spec.Unschedulable {
		t.Error("dry run mutated the node")
	}
}

func TestDryRunPlansAgainstMissingNode(t *testing.T) {
	a := New(fake.NewSimpleClientset(), nil, "", nil, nil)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:   "k8s.cordon_node",
		Input:  map[string]any{"node": "ghost"},
		DryRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Audit["dry_run"] != true {
		t.Errorf("audit = %v", resp.Audit)
	}
}

func TestDrainSkipsDaemonSetPods(t *testing.T) {
	pods := []*corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "default"},
			Spec:       corev1.PodSpec{NodeName: "n1"},
		},
		{
			ObjectMeta: metav1.ObjectMeta{
				Name: "ds-1", Namespace: "kube-system",
				OwnerReferences: []metav1.OwnerReference{{Kind: "DaemonSet", Name: "logger"}},
			},
			Spec: corev1.PodSpec{NodeName: "n1"},
		},
	}
	client := fake.NewSimpleClientset(node("n1", nil, false), pods[0], pods[1])
	a := New(client, nil, "", nil, nil)

	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "k8s.drain_node",
		Input: map[string]any{"node": "n1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	evicted := resp.Output["evicted"].([]string)
	skipped := resp.Output["skipped"].([]string)
	if len(evicted) != 1 || evicted[0] != "default/app-1" {
		t.Errorf("evicted = %v", evicted)
	}
	if len(skipped) != 1 || skipped[0] != "kube-system/ds-1" {
		t.Errorf("skipped = %v", skipped)
	}
}

func TestRestartDeployment(t *testing.T) {
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "payments"},
	}
	client := fake.NewSimpleClientset(deploy)
	a := New(client, []string{"payments"}, "", nil, nil)

	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:           "k8s.restart_deployment",
		Input:          map[string]any{"name": "api", "namespace": "payments"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["restarted"] != true {
		t.Errorf("output = %v", resp.Output)
	}

	got, _ := client.AppsV1().Deployments("payments").Get(context.Background(), "api", metav1.GetOptions{})
	if got.Spec.Template.Annotations[restartedAtAnnotation] == "" {
		t.Error("restart annotation missing")
	}

	// Replay detects the idempotency annotation.
	resp, err = a.Invoke(context.Background(), adapters.ToolCall{
		Name:           "k8s.restart_deployment",
		Input:          map[string]any{"name": "api", "namespace": "payments"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["already_applied"] != true {
		t.Errorf("output = %v", resp.Output)
	}
}

func TestRestartDeploymentNamespaceAllowlist(t *testing.T) {
	a := New(fake.NewSimpleClientset(), []string{"payments"}, "", nil, nil)
	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "k8s.restart_deployment",
		Input: map[string]any{"name": "api", "namespace": "kube-system"},
	})
	if err == nil || adapters.IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}
