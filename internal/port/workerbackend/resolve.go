package workerbackend

import (
	"errors"
	"fmt"
	"strings"
)

// Variant names.
const (
	Docker     = "docker"
	Kubernetes = "kubernetes"
)

// Environment variables consulted by Resolve.
const (
	EnvBackend        = "SQUIRE_BACKEND"
	EnvKubernetesHost = "KUBERNETES_SERVICE_HOST"
)

// ErrUnknownBackend is returned for an unrecognized backend type.
var ErrUnknownBackend = errors.New("unknown worker backend")

// Normalize maps accepted aliases onto a variant name.
func Normalize(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker", "podman":
		return Docker, nil
	case "kubernetes", "k8s":
		return Kubernetes, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// Resolve picks the variant: an explicit type first, then SQUIRE_BACKEND,
// then in-cluster detection via KUBERNETES_SERVICE_HOST, else docker.
func Resolve(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		return Normalize(explicit)
	}
	if v := getenv(EnvBackend); v != "" {
		return Normalize(v)
	}
	if getenv(EnvKubernetesHost) != "" {
		return Kubernetes, nil
	}
	return Docker, nil
}

// DefaultBinary returns the CLI a variant drives when none is configured.
// "podman" as an explicit type selects the podman binary.
func DefaultBinary(explicit string) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "podman":
		return "podman"
	case "kubernetes", "k8s":
		return "kubectl"
	}
	return "docker"
}
