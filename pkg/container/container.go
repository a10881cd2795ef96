// Package container detects whether the process is running inside a
// container, which drives the default log format: pretty terminal output on
// a workstation, one JSON object per line under an aggregator.
package container

import (
	"os"
	"strings"
)

// IsContainerised reports whether any of the common container signals are
// present: the Docker sentinel file, container runtimes in the init
// process's cgroup, or the Kubernetes service environment.
func IsContainerised() bool {
	return hasDockerEnvFile() || isInContainerCGroup() || isInKubernetesPod()
}

func hasDockerEnvFile() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

func isInContainerCGroup() bool {
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "containerd") ||
		strings.Contains(content, "kubepods")
}

func isInKubernetesPod() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
