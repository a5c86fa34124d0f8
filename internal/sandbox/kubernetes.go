package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubernetesRunner implements Runner by creating one short-lived Pod (via a
// Job with backoffLimit 0) per sub-command. Network isolation relies on a
// cluster-level NetworkPolicy selecting the "reactorcide-sandbox" label
// (out of scope for this runner to create); everything expressible in the
// pod spec itself — read-only rootfs, dropped capabilities, no privilege
// escalation, tmpfs /tmp and /run, resource limits — is set here.
type KubernetesRunner struct {
	clientset      *kubernetes.Clientset
	namespace      string
	serviceAccount string
}

func NewKubernetesRunner() (*KubernetesRunner, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: not running in-cluster: %v", ErrSandboxUnavailable, err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	namespace := "default"
	if nsBytes, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		namespace = strings.TrimSpace(string(nsBytes))
	}
	return &KubernetesRunner{clientset: clientset, namespace: namespace, serviceAccount: "default"}, nil
}

func (kr *KubernetesRunner) Run(p RunParams) (Result, error) {
	ctx, cancel := context.WithDeadline(context.Background(), p.Deadline)
	defer cancel()

	name := "reactorcide-sbx-" + uuid.NewString()[:8]
	tmpfsSize := fmt.Sprintf("%dMi", p.Limits.TmpfsMb)
	if p.Limits.TmpfsMb <= 0 {
		tmpfsSize = "1024Mi"
	}

	falseVal := false
	trueVal := true
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{"app": "reactorcide-sandbox"}},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "reactorcide-sandbox"}},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: kr.serviceAccount,
					Containers: []corev1.Container{{
						Name:       "job",
						Image:      p.Image,
						Command:    []string{"sh", "-c", p.Command},
						WorkingDir: "/job",
						SecurityContext: &corev1.SecurityContext{
							ReadOnlyRootFilesystem:   &trueVal,
							AllowPrivilegeEscalation: &falseVal,
							Privileged:               &falseVal,
							Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
						},
						Resources: kr.resourceRequirements(p.Limits),
						VolumeMounts: []corev1.VolumeMount{
							{Name: "workspace", MountPath: "/job"},
							{Name: "tmp", MountPath: "/tmp"},
							{Name: "run", MountPath: "/run"},
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "workspace", VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: p.WorkspaceDir}}},
						{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory, SizeLimit: resourceQuantity(tmpfsSize)}}},
						{Name: "run", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory, SizeLimit: resourceQuantity(tmpfsSize)}}},
					},
				},
			},
		},
	}

	created, err := kr.clientset.BatchV1().Jobs(kr.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	defer kr.cleanup(created.Name)

	podName, err := kr.waitForPod(ctx, created.Name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	var stdoutBuf bytes.Buffer
	logsDone := make(chan struct{})
	go kr.streamLogs(ctx, podName, p.OnChunk, &stdoutBuf, logsDone)

	result := Result{}
	for {
		select {
		case <-p.CancelCh:
			<-logsDone
			result.Cancelled = true
			result.ExitCode = 130
			result.Stdout = stdoutBuf.String()
			return result, nil
		case <-ctx.Done():
			<-logsDone
			result.TimedOut = true
			result.ExitCode = 124
			result.Stdout = stdoutBuf.String()
			return result, nil
		case <-time.After(500 * time.Millisecond):
			pod, err := kr.clientset.CoreV1().Pods(kr.namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				continue
			}
			if pod.Status.Phase == corev1.PodSucceeded {
				<-logsDone
				result.ExitCode = 0
				result.Stdout = stdoutBuf.String()
				return result, nil
			}
			if pod.Status.Phase == corev1.PodFailed {
				<-logsDone
				result.ExitCode = exitCodeFromPod(pod)
				result.Stdout = stdoutBuf.String()
				return result, nil
			}
		}
	}
}

func (kr *KubernetesRunner) resourceRequirements(limits Limits) corev1.ResourceRequirements {
	reqs := corev1.ResourceList{}
	if limits.CPULimit > 0 {
		reqs[corev1.ResourceCPU] = *resourceQuantity(fmt.Sprintf("%.2f", limits.CPULimit))
	}
	if limits.MemoryLimit != "" {
		reqs[corev1.ResourceMemory] = *resourceQuantity(limits.MemoryLimit)
	}
	return corev1.ResourceRequirements{Limits: reqs}
}

func (kr *KubernetesRunner) waitForPod(ctx context.Context, jobName string) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		pods, err := kr.clientset.CoreV1().Pods(kr.namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", fmt.Errorf("timed out waiting for pod to be created for job %s", jobName)
}

func (kr *KubernetesRunner) streamLogs(ctx context.Context, podName string, onChunk OnChunk, buf *bytes.Buffer, done chan<- struct{}) {
	defer close(done)
	req := kr.clientset.CoreV1().Pods(kr.namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		logging.Log.WithField("pod", podName).WithError(err).Warn("failed to stream pod logs")
		return
	}
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if onChunk != nil {
			onChunk(ChunkStdout, line)
		}
		if buf.Len() < maxAccumulatedBytes {
			buf.Write(line)
		}
	}
}

func (kr *KubernetesRunner) cleanup(jobName string) {
	ctx := context.Background()
	policy := metav1.DeletePropagationBackground
	if err := kr.clientset.BatchV1().Jobs(kr.namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil {
		logging.Log.WithField("job", jobName).WithError(err).Warn("failed to delete sandbox job")
	}
}

func exitCodeFromPod(pod *corev1.Pod) int {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

func int32Ptr(v int32) *int32 { return &v }

func resourceQuantity(s string) *resource.Quantity {
	q := resource.MustParse(s)
	return &q
}

var _ Runner = (*KubernetesRunner)(nil)
