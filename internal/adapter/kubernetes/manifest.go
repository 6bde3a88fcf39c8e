package kubernetes

import (
	"fmt"
	"strings"

	"github.com/Strob0t/squire/internal/domain/resource"
	"github.com/Strob0t/squire/internal/domain/task"
	"github.com/Strob0t/squire/internal/port/workerbackend"
)

// Labels applied to every worker pod.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelTask      = "squire.dev/task"
	managedBy      = "squire"
	containerName  = "worker"
)

// The types below cover the subset of the Pod API squire writes and reads.

type objectMeta struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	CreationTimestamp string            `json:"creationTimestamp,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type envFromSource struct {
	SecretRef *secretRef `json:"secretRef,omitempty"`
}

type secretRef struct {
	Name string `json:"name"`
}

type container struct {
	Name            string                       `json:"name"`
	Image           string                       `json:"image"`
	ImagePullPolicy string                       `json:"imagePullPolicy,omitempty"`
	Env             []envVar                     `json:"env,omitempty"`
	EnvFrom         []envFromSource              `json:"envFrom,omitempty"`
	Resources       map[string]map[string]string `json:"resources,omitempty"`
}

type podSpec struct {
	RestartPolicy                 string      `json:"restartPolicy"`
	TerminationGracePeriodSeconds *int64      `json:"terminationGracePeriodSeconds,omitempty"`
	Containers                    []container `json:"containers"`
}

type terminatedState struct {
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

type containerState struct {
	Terminated *terminatedState `json:"terminated,omitempty"`
}

type containerStatus struct {
	Name  string         `json:"name"`
	State containerState `json:"state"`
}

type podStatus struct {
	Phase             string            `json:"phase,omitempty"`
	ContainerStatuses []containerStatus `json:"containerStatuses,omitempty"`
}

type pod struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Metadata   objectMeta `json:"metadata"`
	Spec       podSpec    `json:"spec"`
	Status     *podStatus `json:"status,omitempty"`
}

type podList struct {
	Items []pod `json:"items"`
}

// PodName returns the pod name for one dispatch attempt of a task.
func PodName(t *task.Task) string {
	return fmt.Sprintf("squire-%s-%d", strings.ToLower(t.ID), max(t.Attempts, 1))
}

// buildPod renders the worker pod for t.
func (b *Backend) buildPod(t *task.Task, opts workerbackend.ExecOptions) pod {
	image := opts.Image
	if image == "" {
		image = b.image
	}
	limits := resource.Merge(b.limits, opts.Limits)

	labels := map[string]string{
		LabelManagedBy: managedBy,
		LabelTask:      t.ID,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := workerbackend.WorkerEnv(t, opts.Env)
	// Without a secret, forward credentials from the dispatcher's environment.
	if b.secret == "" {
		for _, name := range b.credentials {
			if _, set := env[name]; set {
				continue
			}
			if v := b.getenv(name); v != "" {
				env[name] = v
			}
		}
	}
	vars := make([]envVar, 0, len(env))
	for _, k := range workerbackend.SortedKeys(env) {
		vars = append(vars, envVar{Name: k, Value: env[k]})
	}

	c := container{
		Name:            containerName,
		Image:           image,
		ImagePullPolicy: "IfNotPresent",
		Env:             vars,
		Resources:       limits.KubernetesResources(),
	}
	if b.secret != "" {
		c.EnvFrom = []envFromSource{{SecretRef: &secretRef{Name: b.secret}}}
	}

	grace := int64(b.stopTimeout.Seconds())
	return pod{
		APIVersion: "v1",
		Kind:       "Pod",
		Metadata: objectMeta{
			Name:      PodName(t),
			Namespace: b.namespace,
			Labels:    labels,
		},
		Spec: podSpec{
			RestartPolicy:                 "Never",
			TerminationGracePeriodSeconds: &grace,
			Containers:                    []container{c},
		},
	}
}

// exitCode derives a worker exit code from pod status.
func exitCode(p *pod) (int, bool) {
	if p.Status == nil {
		return 0, false
	}
	for _, cs := range p.Status.ContainerStatuses {
		if cs.Name == containerName && cs.State.Terminated != nil {
			return cs.State.Terminated.ExitCode, true
		}
	}
	for _, cs := range p.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return cs.State.Terminated.ExitCode, true
		}
	}
	switch p.Status.Phase {
	case "Succeeded":
		return 0, true
	case "Failed":
		return 1, true
	}
	return 0, false
}

func isActive(p *pod) bool {
	if p.Status == nil {
		return true
	}
	return p.Status.Phase == "Pending" || p.Status.Phase == "Running" || p.Status.Phase == ""
}
