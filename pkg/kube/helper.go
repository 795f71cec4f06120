package kube

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/abyss-io/abyss/pkg/errors"
)

const (
	helperContainer = "helper"

	// MountPath is where the helper pod mounts the target volume.
	MountPath = "/data"

	// DefaultImage is used when the pane config doesn't specify one. The
	// agent only needs a POSIX shell and the usual busybox applets.
	DefaultImage = "busybox:stable"

	// readyTimeout bounds how long we wait for the helper pod to start
	// before giving up and tearing it down.
	readyTimeout = 2 * time.Minute
)

// Helper is a live helper pod mounting one PersistentVolumeClaim.
// It's owned by exactly one backend handle: the owner is responsible for
// calling Teardown on every exit path.
type Helper struct {
	Namespace string
	Pod       string

	kubeClient kubernetes.Interface
	restConfig *rest.Config
}

// SpawnHelper creates a helper pod mounting the given PVC and blocks until
// its command channel is ready, or fails with Transport after a timeout.
func SpawnHelper(ctx context.Context, kubeClient kubernetes.Interface,
	restConfig *rest.Config, namespace, pvc, image string) (*Helper, error) {

	if image == "" {
		image = DefaultImage
	}

	podName := fmt.Sprintf("abyss-helper-%s", uuid.New().String()[:8])
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: podName,
			Labels: map[string]string{
				"app":                 "abyss",
				"abyss.io/helper-for": pvc,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    helperContainer,
				Image:   image,
				Command: []string{"sh", "-c", "sleep infinity"},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "data",
					MountPath: MountPath,
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: "data",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: pvc,
					},
				},
			}},
		},
	}

	_, err := kubeClient.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Transport{Err: errors.WithContext(err, "create helper pod")}
	}

	helper := &Helper{
		Namespace:  namespace,
		Pod:        podName,
		kubeClient: kubeClient,
		restConfig: restConfig,
	}

	if err := helper.waitUntilRunning(ctx); err != nil {
		helper.Teardown()
		return nil, err
	}
	return helper, nil
}

func (h *Helper) waitUntilRunning(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, time.Second, readyTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := h.kubeClient.CoreV1().Pods(h.Namespace).Get(
				ctx, h.Pod, metav1.GetOptions{})
			if err != nil {
				return false, err
			}

			switch pod.Status.Phase {
			case corev1.PodRunning:
				return true, nil
			case corev1.PodFailed, corev1.PodUnknown:
				return false, fmt.Errorf("helper pod entered phase %s", pod.Status.Phase)
			default:
				return false, nil
			}
		})
	if err != nil {
		return errors.Transport{Err: errors.WithContext(err, "wait for helper pod")}
	}
	return nil
}

// Exec attaches to the helper pod and runs the given command with stdin and
// stdout wired to the returned pipes. The returned reader yields the
// command's stdout; the returned writer feeds its stdin. Both are closed
// when the exec stream ends, which makes stream loss observable to the
// protocol layer as EOF.
func (h *Helper) Exec(ctx context.Context, command []string) (io.WriteCloser, io.ReadCloser, error) {
	req := h.kubeClient.CoreV1().RESTClient().Post().
		Resource("pods").
		SubResource("exec").
		Name(h.Pod).
		Namespace(h.Namespace).
		VersionedParams(&corev1.PodExecOptions{
			Container: helperContainer,
			Command:   command,
			Stdin:     true,
			Stdout:    true,
			Stderr:    false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(h.restConfig, "POST", req.URL())
	if err != nil {
		return nil, nil, errors.Transport{Err: errors.WithContext(err, "setup remote shell")}
	}

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	go func() {
		err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  stdinReader,
			Stdout: stdoutWriter,
		})
		if err != nil {
			log.WithError(err).WithField("pod", h.Pod).Debug("Helper exec stream ended")
		}

		// Unblock anyone still using the pipes. The protocol layer treats
		// the resulting EOF as loss of the session.
		stdoutWriter.CloseWithError(io.EOF)
		stdinReader.Close()
	}()

	return stdinWriter, stdoutReader, nil
}

// Teardown deletes the helper pod. It's best effort: failures are logged
// rather than returned, since there's nothing more the caller can do, and
// the pod's restartPolicy guarantees it won't outlive its node otherwise.
func (h *Helper) Teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := h.kubeClient.CoreV1().Pods(h.Namespace).Delete(
		ctx, h.Pod, metav1.DeleteOptions{})
	if err != nil && !kerrors.IsNotFound(err) {
		log.WithError(err).WithField("pod", h.Pod).
			Warn("Failed to delete helper pod. It may need to be removed manually.")
	}
}
