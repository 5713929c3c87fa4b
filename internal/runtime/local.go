package runtime

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// Local launches agents as child processes of the server.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates the local process runtime.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logger}
}

// Launch starts the definition's command with the orchestration environment
// injected. The process runs on a detached context so it outlives the
// launch request; termination goes through the returned handle.
func (l *Local) Launch(ctx context.Context, params domain.RuntimeParams) (domain.AgentHandle, error) {
	const op = "Local.Launch"

	spec := params.Definition.Runtime
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, spec.Command, spec.Args...)
	cmd.Env = launchEnv(params, spec.Env)

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

	h := newHandle(params.Name, cancel)
	tail := newTailBuffer(16 * 1024)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(stdout, "stdout", h, nil, &pumps)
	go pumpLines(stderr, "stderr", h, tail, &pumps)

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		if err != nil {
			text := "exited: " + err.Error()
			if last := strings.TrimSpace(tail.String()); last != "" {
				text += "; last stderr: " + last
			}
			h.emit("runtime", text)
			l.logger.Warn("agent process exited",
				"session_id", params.SessionID, "agent", params.Name, "error", err)
		} else {
			l.logger.Info("agent process exited",
				"session_id", params.SessionID, "agent", params.Name)
		}
		h.finish()
	}()

	l.logger.Info("agent process started",
		"session_id", params.SessionID, "agent", params.Name, "command", spec.Command)
	return h, nil
}

// pumpLines copies one output stream into the handle's log channel, line by
// line, optionally retaining a tail for exit diagnostics.
func pumpLines(r io.Reader, stream string, h *handle, tail *tailBuffer, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if tail != nil {
			tail.Write([]byte(text + "\n"))
		}
		h.emit(stream, text)
	}
}
