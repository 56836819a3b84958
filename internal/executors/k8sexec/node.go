// Package k8sexec isolates Kubernetes nodes. A node is isolated by cordoning it
// and adding a NoExecute taint, which evicts workloads that do not tolerate it.
package k8sexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

const (
	// TaintKey marks isolated nodes
	TaintKey = "responseforge.io/isolated"

	annotationWasUnschedulable = "responseforge.io/was-unschedulable"
	annotationIsolatedBy       = "responseforge.io/isolated-by"
)

// Executor handles isolate_host and unisolate_host
type Executor struct {
	clientset kubernetes.Interface
	logger    *zap.Logger
	kinds     execution.KindSet
}

// New creates an executor for clientset
func New(clientset kubernetes.Interface, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		clientset: clientset,
		logger:    logger,
		kinds:     execution.NewKindSet(remediation.KindIsolateHost, remediation.KindUnisolateHost),
	}
}

// NewFromKubeconfig builds a clientset from in-cluster config, falling back to
// kubeconfig (or $KUBECONFIG, then ~/.kube/config when empty).
func NewFromKubeconfig(kubeconfig string, logger *zap.Logger) (*Executor, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return New(clientset, logger), nil
}

// Name implements execution.Executor
func (e *Executor) Name() string { return "kubernetes" }

// CanExecute implements execution.Executor
func (e *Executor) CanExecute(kind remediation.Kind) bool { return e.kinds.Has(kind) }

// CheckFeasibility implements execution.Executor
func (e *Executor) CheckFeasibility(ctx context.Context, a remediation.PlannedAction, _ execution.Context) (execution.Feasibility, error) {
	name := nodeName(a)
	if name == "" {
		return execution.Feasibility{Message: "host identifier missing"}, nil
	}
	if _, err := e.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return execution.Feasibility{Message: fmt.Sprintf("node %s not found", name)}, nil
		}
		return execution.Feasibility{}, fmt.Errorf("get node %s: %w", name, err)
	}
	return execution.Feasibility{CanExecute: true, Message: "node " + name + " found"}, nil
}

// Execute implements execution.Executor
func (e *Executor) Execute(ctx context.Context, a remediation.PlannedAction, ec execution.Context) (execution.Outcome, error) {
	name := nodeName(a)
	var changed bool

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := e.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		switch a.Kind {
		case remediation.KindIsolateHost:
			changed = isolate(node, ec.CorrelationID)
		case remediation.KindUnisolateHost:
			changed = unisolate(node)
		default:
			return fmt.Errorf("unsupported kind %s", a.Kind)
		}
		if !changed {
			return nil
		}
		_, err = e.clientset.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return execution.Outcome{Message: fmt.Sprintf("failed to %s node %s: %v", a.Kind, name, err)}, nil
	}

	verb := "isolated"
	if a.Kind == remediation.KindUnisolateHost {
		verb = "released"
	}
	msg := fmt.Sprintf("node %s %s", name, verb)
	if !changed {
		msg = fmt.Sprintf("node %s already %s", name, verb)
	}
	e.logger.Info("Node updated",
		zap.String("node", name),
		zap.String("kind", string(a.Kind)),
		zap.Bool("changed", changed),
	)
	return execution.Outcome{Succeeded: true, Message: msg, ExternalReference: "node/" + name}, nil
}

func isolate(node *corev1.Node, correlationID string) bool {
	if hasTaint(node) {
		return false
	}
	if node.Annotations == nil {
		node.Annotations = map[string]string{}
	}
	node.Annotations[annotationWasUnschedulable] = strconv.FormatBool(node.Spec.Unschedulable)
	node.Annotations[annotationIsolatedBy] = correlationID
	node.Spec.Unschedulable = true
	node.Spec.Taints = append(node.Spec.Taints, corev1.Taint{
		Key:    TaintKey,
		Value:  "true",
		Effect: corev1.TaintEffectNoExecute,
	})
	return true
}

func unisolate(node *corev1.Node) bool {
	if !hasTaint(node) {
		return false
	}
	taints := node.Spec.Taints[:0]
	for _, t := range node.Spec.Taints {
		if t.Key != TaintKey {
			taints = append(taints, t)
		}
	}
	node.Spec.Taints = taints
	was, _ := strconv.ParseBool(node.Annotations[annotationWasUnschedulable])
	node.Spec.Unschedulable = was
	delete(node.Annotations, annotationWasUnschedulable)
	delete(node.Annotations, annotationIsolatedBy)
	return true
}

func hasTaint(node *corev1.Node) bool {
	for _, t := range node.Spec.Taints {
		if t.Key == TaintKey {
			return true
		}
	}
	return false
}

// nodeName prefers hostname since Kubernetes node names are usually host names
func nodeName(a remediation.PlannedAction) string {
	return a.Param(remediation.ParamHostname, remediation.ParamHostID)
}
