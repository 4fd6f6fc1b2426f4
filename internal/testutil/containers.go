// Package testutil starts the throwaway containers integration tests run
// against.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// engineInfo returns the output of "docker info". Tests replace it.
var engineInfo = func() (string, error) {
	out, err := exec.Command("docker", "info").CombinedOutput()
	return string(out), err
}

// isPodman reports whether the docker CLI is backed by Podman, either
// through DOCKER_HOST or through Podman's docker-compat layer.
func isPodman() bool {
	if strings.Contains(os.Getenv("DOCKER_HOST"), "podman") {
		return true
	}
	out, err := engineInfo()
	return err == nil && strings.Contains(strings.ToLower(out), "podman")
}

// DetectContainerProvider returns ProviderPodman when Podman is detected and
// ProviderDocker otherwise.
func DetectContainerProvider() testcontainers.ProviderType {
	if isPodman() {
		return testcontainers.ProviderPodman
	}
	return testcontainers.ProviderDocker
}

// ConfigureRyuk disables the Ryuk reaper under Podman, where it usually
// lacks the permissions it needs. An explicit TESTCONTAINERS_RYUK_DISABLED
// is left alone. Returns true if Ryuk was disabled.
func ConfigureRyuk() bool {
	if isPodman() && os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
		return true
	}
	return false
}

// StartContainer runs req for the duration of the test. Integration tests
// are skipped in -short mode.
func StartContainer(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ConfigureRyuk()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		ProviderType:     DetectContainerProvider(),
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate %s container: %v", req.Image, err)
		}
	})
	return container
}

// MinIO credentials used by StartMinIO.
const (
	MinIOUser     = "minioadmin"
	MinIOPassword = "minioadmin"
)

// StartMinIO runs a MinIO server and returns its host:port endpoint.
func StartMinIO(t *testing.T) string {
	t.Helper()
	container := StartContainer(t, testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinIOUser,
			"MINIO_ROOT_PASSWORD": MinIOPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000").WithStartupTimeout(60 * time.Second),
	})

	endpoint, err := container.Endpoint(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to get minio endpoint: %v", err)
	}
	return endpoint
}
