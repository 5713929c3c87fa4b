package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// AgentFunc is an in-process agent body. It runs until it returns or its
// context is cancelled; emit publishes a line to the agent's log stream.
type AgentFunc func(ctx context.Context, params domain.RuntimeParams, emit func(string)) error

// Functions launches agents as in-process goroutines. Mostly useful for
// built-in helper agents and for exercising session plumbing in tests
// without spawning processes.
type Functions struct {
	mu     sync.RWMutex
	funcs  map[string]AgentFunc
	logger *slog.Logger
}

// NewFunctions creates an empty function runtime.
func NewFunctions(logger *slog.Logger) *Functions {
	return &Functions{
		funcs:  make(map[string]AgentFunc),
		logger: logger,
	}
}

// Register makes fn launchable under the given function name. Later
// registrations replace earlier ones.
func (f *Functions) Register(name string, fn AgentFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

func (f *Functions) Launch(ctx context.Context, params domain.RuntimeParams) (domain.AgentHandle, error) {
	const op = "Functions.Launch"

	name := params.Definition.Runtime.Function
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError("runtime", op,
			domain.ErrLaunchFailed, fmt.Sprintf("function %q not registered", name))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(params.Name, cancel)

	go func() {
		defer h.finish()
		defer func() {
			if r := recover(); r != nil {
				h.emit("runtime", fmt.Sprintf("panicked: %v", r))
				f.logger.Error("function agent panicked",
					"session_id", params.SessionID, "agent", params.Name, "panic", r)
			}
		}()
		err := fn(runCtx, params, func(text string) { h.emit("stdout", text) })
		if err != nil && runCtx.Err() == nil {
			h.emit("runtime", "exited: "+err.Error())
			f.logger.Warn("function agent failed",
				"session_id", params.SessionID, "agent", params.Name, "error", err)
		}
	}()

	f.logger.Info("function agent started",
		"session_id", params.SessionID, "agent", params.Name, "function", name)
	return h, nil
}
