// Package k8srt implements the pod runtime adapter with client-go. Each agent
// is one pod running its provider CLI with stdin and a TTY, so prompts are
// delivered through the attach subresource.
package k8srt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/runtime"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

const (
	defaultNamespace = "default"
	defaultImage     = "agentmux/agent:latest"
	containerName    = "agent"
)

// Adapter drives a Kubernetes cluster.
type Adapter struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	cfg        v1.RuntimeConfig
	logger     *logger.Logger
}

var _ runtime.Adapter = (*Adapter)(nil)

// New creates a k8s adapter. An empty kubeconfig path falls back to the
// in-cluster config.
func New(cfg v1.RuntimeConfig, log *logger.Logger) (*Adapter, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &Adapter{
		clientset:  clientset,
		restConfig: restConfig,
		cfg:        cfg,
		logger:     log,
	}, nil
}

// Type returns the backend kind.
func (a *Adapter) Type() v1.RuntimeType { return v1.RuntimeTypeK8s }

func (a *Adapter) namespace() string {
	if a.cfg.Namespace != "" {
		return a.cfg.Namespace
	}
	return defaultNamespace
}

// Probe queries the API server version.
func (a *Adapter) Probe(ctx context.Context) v1.ProbeResult {
	start := time.Now()
	result := v1.ProbeResult{CheckedAt: start}

	version, err := a.clientset.Discovery().ServerVersion()
	if err != nil {
		result.Health = v1.RuntimeUnhealthy
		result.Details = err.Error()
	} else {
		result.Health = v1.RuntimeHealthy
		result.Details = version.String()
	}
	result.Latency = time.Since(start)
	return result
}

// SpawnAgent creates a pod and waits briefly for it to leave Pending.
func (a *Adapter) SpawnAgent(ctx context.Context, tpl *v1.AgentTemplate, workdir string) (v1.Location, error) {
	img := a.cfg.DefaultImage
	if img == "" {
		img = defaultImage
	}

	env := make([]corev1.EnvVar, 0, len(tpl.Env))
	for k, v := range tpl.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	podName := "agentmux-" + uuid.New().String()[:8]
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: a.namespace(),
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "agentmux",
				"agentmux.io/role":             string(tpl.Role),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:       containerName,
					Image:      img,
					Command:    []string{providerCommand(tpl)},
					Env:        env,
					WorkingDir: workdir,
					Stdin:      true,
					TTY:        true,
				},
			},
		},
	}

	created, err := a.clientset.CoreV1().Pods(a.namespace()).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return v1.Location{}, fmt.Errorf("failed to create pod: %w", err)
	}

	a.logger.Debug("spawned agent pod",
		zap.String("pod", created.Name),
		zap.String("namespace", created.Namespace))

	return v1.Location{PodName: created.Name, Namespace: created.Namespace}, nil
}

func providerCommand(tpl *v1.AgentTemplate) string {
	switch tpl.Provider {
	case v1.AgentProviderGemini:
		return "gemini"
	case v1.AgentProviderCodex:
		return "codex"
	default:
		return "claude"
	}
}

// SendKeys streams the text plus newline to the pod's stdin through the
// attach subresource.
func (a *Adapter) SendKeys(ctx context.Context, loc v1.Location, text string) error {
	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(loc.PodName).
		Namespace(loc.Namespace).
		SubResource("attach").
		VersionedParams(&corev1.PodAttachOptions{
			Container: containerName,
			Stdin:     true,
			Stdout:    false,
			Stderr:    false,
			TTY:       true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to build pod attach executor: %w", err)
	}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin: strings.NewReader(text + "\n"),
		Tty:   true,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("pod %s/%s: %w", loc.Namespace, loc.PodName, runtime.ErrLocationGone)
		}
		return fmt.Errorf("failed to stream to pod: %w", err)
	}
	return nil
}

// Paste is identical to SendKeys; pod stdin is a byte stream.
func (a *Adapter) Paste(ctx context.Context, loc v1.Location, text string) error {
	return a.SendKeys(ctx, loc, text)
}

// Capture tails the pod's log.
func (a *Adapter) Capture(ctx context.Context, loc v1.Location, lineCount int) (string, error) {
	tail := int64(lineCount)
	req := a.clientset.CoreV1().Pods(loc.Namespace).GetLogs(loc.PodName, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: &tail,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		a.logger.Warn("pod log capture failed",
			zap.String("pod", loc.PodName),
			zap.Error(err))
		return "", nil
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		a.logger.Warn("pod log read failed",
			zap.String("pod", loc.PodName),
			zap.Error(err))
		return "", nil
	}
	return string(data), nil
}

// IsAlive reports whether the pod exists and is running.
func (a *Adapter) IsAlive(ctx context.Context, loc v1.Location) bool {
	if loc.PodName == "" {
		return false
	}
	pod, err := a.clientset.CoreV1().Pods(loc.Namespace).Get(ctx, loc.PodName, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.Status.Phase == corev1.PodRunning || pod.Status.Phase == corev1.PodPending
}

// Kill deletes the pod. A missing pod is success.
func (a *Adapter) Kill(ctx context.Context, loc v1.Location) error {
	if loc.PodName == "" {
		return nil
	}
	err := a.clientset.CoreV1().Pods(loc.Namespace).Delete(ctx, loc.PodName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

// AttachCommand renders the kubectl attach invocation.
func (a *Adapter) AttachCommand(loc v1.Location) string {
	return fmt.Sprintf("kubectl attach -it -n %s %s -c %s", loc.Namespace, loc.PodName, containerName)
}
