package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
	"github.com/wardenworks/warden/internal/token"
)

// sidecarPort is the port the sidecar listens on inside the container.
const sidecarPort = 8080

// CheckDockerAvailable verifies that the Docker CLI and daemon are accessible.
// Returns nil if Docker is ready, or an error describing the failure.
func CheckDockerAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput()
	if err != nil {
		return fault.Wrap(fault.CategoryDocker, err, "docker not available (output: %s)", strings.TrimSpace(string(out)))
	}
	return nil
}

// LocalConfig tunes the Docker-backed backend.
type LocalConfig struct {
	ContainerPrefix string

	// Defaults applied when the creation request leaves a limit unset.
	MemoryMB  int
	CPUs      float64
	PidsLimit int
}

// Local hosts sandboxes as containers on the local Docker engine.
// Containers are labeled so Describe can recover the live set from the
// engine itself after a restart.
type Local struct {
	cfg   LocalConfig
	issue func(override string) (string, error)
}

// NewLocal returns a Docker-backed backend. issueToken may be nil, in
// which case tokens come from token.FromRequest.
func NewLocal(cfg LocalConfig, issueToken func(string) (string, error)) *Local {
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "warden-sbx-"
	}
	if issueToken == nil {
		issueToken = token.FromRequest
	}
	return &Local{cfg: cfg, issue: issueToken}
}

func (l *Local) Kind() store.BackendKind { return store.BackendLocal }

func (l *Local) containerName(id string) string {
	short := id
	if len(short) > 12 {
		short = short[:12]
	}
	return l.cfg.ContainerPrefix + short
}

// buildRunArgs assembles the `docker run` argument list for one sandbox.
func (l *Local) buildRunArgs(id, name, tok string, params CreateSandboxParams) []string {
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "warden.sandbox=true",
		"--label", "warden.id=" + id,
		"--security-opt", "no-new-privileges",
	}

	memoryMB := params.MemoryMB
	if memoryMB == 0 {
		memoryMB = l.cfg.MemoryMB
	}
	if memoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", memoryMB))
	}
	cpus := params.CPUs
	if cpus == 0 {
		cpus = l.cfg.CPUs
	}
	if cpus > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.1f", cpus))
	}
	pids := params.PidsLimit
	if pids == 0 {
		pids = l.cfg.PidsLimit
	}
	if pids > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", pids))
	}

	args = append(args, "-e", "WARDEN_SIDECAR_TOKEN="+tok)

	// Host ports are chosen by the engine and discovered afterwards.
	// Binding to loopback keeps the sidecar off the network.
	args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", sidecarPort))
	if params.SSHEnabled {
		args = append(args, "-p", "127.0.0.1::22")
	}

	args = append(args, params.Image)
	return args
}

func (l *Local) Create(ctx context.Context, params CreateSandboxParams) (*store.SandboxRecord, error) {
	tok, err := l.issue(params.Token)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryDocker, err, "issue sidecar token")
	}

	id := store.NewID()
	name := l.containerName(id)
	args := l.buildRunArgs(id, name, tok, params)

	slog.Debug("creating sandbox container", "name", name, "image", params.Image)

	if _, err := runDocker(ctx, args...); err != nil {
		return nil, err
	}

	sidecarHost, err := l.publishedPort(ctx, name, sidecarPort)
	if err != nil {
		l.removeContainer(context.WithoutCancel(ctx), name)
		return nil, err
	}

	sshPort := 0
	if params.SSHEnabled {
		hostAddr, err := l.publishedPort(ctx, name, 22)
		if err != nil {
			l.removeContainer(context.WithoutCancel(ctx), name)
			return nil, err
		}
		_, portStr, splitErr := net.SplitHostPort(hostAddr)
		if splitErr == nil {
			sshPort, splitErr = strconv.Atoi(portStr)
		}
		if splitErr != nil {
			l.removeContainer(context.WithoutCancel(ctx), name)
			return nil, fault.New(fault.CategoryDocker, "unparseable ssh port mapping %q", hostAddr)
		}
	}

	slog.Info("sandbox container created", "id", id, "name", name, "image", params.Image)

	return &store.SandboxRecord{
		ID:          id,
		SidecarURL:  "http://" + sidecarHost,
		Token:       tok,
		SSHPort:     sshPort,
		BackendKind: store.BackendLocal,
	}, nil
}

// publishedPort resolves the host address Docker bound for a container port.
func (l *Local) publishedPort(ctx context.Context, name string, containerPort int) (string, error) {
	out, err := runDocker(ctx, "port", name, fmt.Sprintf("%d/tcp", containerPort))
	if err != nil {
		return "", err
	}
	// Multiple lines appear when the engine binds both v4 and v6; the
	// loopback publish makes the first line the v4 mapping.
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if line == "" || !strings.Contains(line, ":") {
		return "", fault.New(fault.CategoryDocker, "no published mapping for port %d on %s", containerPort, name)
	}
	return line, nil
}

func (l *Local) Delete(ctx context.Context, rec *store.SandboxRecord) error {
	return l.removeContainer(ctx, l.containerName(rec.ID))
}

func (l *Local) removeContainer(ctx context.Context, name string) error {
	out, err := runDocker(ctx, "rm", "-f", name)
	if err != nil {
		// Removing a container that is already gone is a success; the
		// reaper and explicit deprovision may both reach here.
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return err
	}
	slog.Debug("sandbox container removed", "name", name, "output", strings.TrimSpace(out))
	return nil
}

func (l *Local) Describe(ctx context.Context) (map[string]bool, error) {
	out, err := runDocker(ctx, "ps", "-a",
		"--filter", "label=warden.sandbox=true",
		"--format", `{{.Label "warden.id"}}`)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			live[id] = true
		}
	}
	return live, nil
}

// runDocker executes a docker CLI command, capping captured output to
// prevent OOM from a misbehaving engine.
func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	stdout := &limitedBuffer{max: 1 << 20}
	stderr := &limitedBuffer{max: 1 << 20}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return "", fault.Wrap(fault.CategoryDocker, err, "docker %s failed: %s",
			args[0], strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// limitedBuffer caps how many bytes it retains, discarding the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	if lb.truncated {
		return len(p), nil // discard silently
	}
	remaining := lb.max - lb.buf.Len()
	if remaining <= 0 {
		lb.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		lb.buf.Write(p[:remaining])
		lb.truncated = true
		return len(p), nil
	}
	return lb.buf.Write(p)
}

func (lb *limitedBuffer) String() string { return lb.buf.String() }
