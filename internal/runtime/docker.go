package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// dockerStopTimeout bounds the graceful `docker stop` before the attached
// run is cancelled outright.
const dockerStopTimeout = 10 * time.Second

// Docker launches agents as containers through the docker CLI. The run is
// attached, so the container's output flows through the handle's log
// channel the same way a local process's does.
type Docker struct {
	binary string // docker CLI path, default "docker"
	logger *slog.Logger
}

// NewDocker creates the docker runtime.
func NewDocker(logger *slog.Logger) *Docker {
	return &Docker{binary: "docker", logger: logger}
}

func (d *Docker) Launch(ctx context.Context, params domain.RuntimeParams) (domain.AgentHandle, error) {
	const op = "Docker.Launch"

	container := containerName(params.SessionID, params.Name)
	args := dockerRunArgs(container, params)

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, d.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, domain.NewSubSystemError("runtime", op, domain.ErrLaunchFailed, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, domain.NewSubSystemError("runtime", op, domain.ErrLaunchFailed, err.Error())
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, domain.NewSubSystemError("runtime", op, domain.ErrLaunchFailed, err.Error())
	}

	stop := func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), dockerStopTimeout)
		defer stopCancel()
		if err := exec.CommandContext(stopCtx, d.binary, "stop", container).Run(); err != nil {
			d.logger.Warn("docker stop failed, cancelling attached run",
				"container", container, "error", err)
		}
		cancel()
	}
	h := newHandle(params.Name, stop)
	tail := newTailBuffer(16 * 1024)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(stdout, "stdout", h, nil, &pumps)
	go pumpLines(stderr, "stderr", h, tail, &pumps)

	go func() {
		pumps.Wait()
		if err := cmd.Wait(); err != nil {
			text := "container exited: " + err.Error()
			if last := strings.TrimSpace(tail.String()); last != "" {
				text += "; last stderr: " + last
			}
			h.emit("runtime", text)
			d.logger.Warn("agent container exited",
				"session_id", params.SessionID, "agent", params.Name, "error", err)
		} else {
			d.logger.Info("agent container exited",
				"session_id", params.SessionID, "agent", params.Name)
		}
		h.finish()
	}()

	d.logger.Info("agent container started",
		"session_id", params.SessionID, "agent", params.Name,
		"image", params.Definition.Runtime.Image, "container", container)
	return h, nil
}

// dockerRunArgs builds the attached `docker run` invocation. Orchestration
// variables are passed explicitly; the host environment is not forwarded.
func dockerRunArgs(container string, params domain.RuntimeParams) []string {
	spec := params.Definition.Runtime
	args := []string{"run", "--rm", "--name", container}

	for _, kv := range injectedEnv(params, spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)
	return args
}

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(sessionID, agentName string) string {
	return containerNameSanitizer.ReplaceAllString(
		fmt.Sprintf("prsum-%s-%s", sessionID, agentName), "-")
}
