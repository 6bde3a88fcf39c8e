// Package resource defines per-worker resource limits and their rendering
// for the docker CLI and Kubernetes pod specs.
package resource

import "strconv"

// Limits defines resource constraints for one worker container.
type Limits struct {
	MemoryMB    int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs        float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	PidsLimit   int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	NetworkMode string  `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
}

// Merge returns a new Limits where non-zero fields from override replace base.
func Merge(base, override Limits) Limits {
	out := base
	if override.MemoryMB > 0 {
		out.MemoryMB = override.MemoryMB
	}
	if override.CPUs > 0 {
		out.CPUs = override.CPUs
	}
	if override.PidsLimit > 0 {
		out.PidsLimit = override.PidsLimit
	}
	if override.NetworkMode != "" {
		out.NetworkMode = override.NetworkMode
	}
	return out
}

// Cap returns a new Limits where each field is capped at the corresponding ceiling value.
// A zero ceiling field means no cap for that field.
func Cap(limits, ceiling Limits) Limits {
	out := limits
	if ceiling.MemoryMB > 0 && out.MemoryMB > ceiling.MemoryMB {
		out.MemoryMB = ceiling.MemoryMB
	}
	if ceiling.CPUs > 0 && out.CPUs > ceiling.CPUs {
		out.CPUs = ceiling.CPUs
	}
	if ceiling.PidsLimit > 0 && out.PidsLimit > ceiling.PidsLimit {
		out.PidsLimit = ceiling.PidsLimit
	}
	return out
}

// DockerFlags renders the limits as `docker run` flags. Zero fields are omitted.
func (l Limits) DockerFlags() []string {
	var args []string
	if l.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(l.MemoryMB)+"m")
	}
	if l.CPUs > 0 {
		args = append(args, "--cpus", formatCPUs(l.CPUs))
	}
	if l.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(l.PidsLimit))
	}
	if l.NetworkMode != "" {
		args = append(args, "--network", l.NetworkMode)
	}
	return args
}

// KubernetesResources renders the limits as a container "resources" block.
// Requests equal limits so workers get the Guaranteed QoS class.
// Returns nil when no limit is set.
func (l Limits) KubernetesResources() map[string]map[string]string {
	q := map[string]string{}
	if l.MemoryMB > 0 {
		q["memory"] = strconv.Itoa(l.MemoryMB) + "Mi"
	}
	if l.CPUs > 0 {
		q["cpu"] = strconv.Itoa(int(l.CPUs*1000+0.5)) + "m"
	}
	if len(q) == 0 {
		return nil
	}
	req := make(map[string]string, len(q))
	for k, v := range q {
		req[k] = v
	}
	return map[string]map[string]string{"limits": q, "requests": req}
}

func formatCPUs(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}
