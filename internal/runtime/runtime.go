// Package runtime provides the launch strategies that turn an agent
// definition into a running agent: local processes, docker containers,
// in-process functions, and proxies to peer servers. The core only ever
// sees the domain.Runtime and domain.AgentHandle contracts.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
)

// logBufferSize is the per-agent log channel capacity. A full channel drops
// the oldest line so a slow consumer never stalls the agent's output pumps.
const logBufferSize = 256

// Set maps runtime kinds to their launch strategies.
type Set struct {
	runtimes map[domain.RuntimeKind]domain.Runtime
}

// NewSet builds a Set from the given strategies. Nil entries are skipped so
// callers can leave kinds unwired (e.g. no docker on the host).
func NewSet(runtimes map[domain.RuntimeKind]domain.Runtime) *Set {
	s := &Set{runtimes: make(map[domain.RuntimeKind]domain.Runtime, len(runtimes))}
	for kind, rt := range runtimes {
		if rt != nil {
			s.runtimes[kind] = rt
		}
	}
	return s
}

// ForKind returns the strategy for a runtime kind, or ErrLaunchFailed when
// the kind is not wired on this server.
func (s *Set) ForKind(kind domain.RuntimeKind) (domain.Runtime, error) {
	rt, ok := s.runtimes[kind]
	if !ok {
		return nil, domain.NewSubSystemError("runtime", "Set.ForKind",
			domain.ErrLaunchFailed, fmt.Sprintf("runtime kind %q not available", kind))
	}
	return rt, nil
}

// launchEnv assembles a local child's environment: the host environment
// plus everything injectedEnv adds.
func launchEnv(params domain.RuntimeParams, base map[string]string) []string {
	return append(os.Environ(), injectedEnv(params, base)...)
}

// injectedEnv returns only the variables the server injects into an agent:
// the definition's static env, the orchestration variables, and one
// variable per launch option.
func injectedEnv(params domain.RuntimeParams, base map[string]string) []string {
	var env []string

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}

	env = append(env,
		domain.ConnectionURLEnv+"="+params.ConnectionURL,
		"CORAL_SESSION_ID="+params.SessionID,
		"CORAL_AGENT_NAME="+params.Name,
	)
	if params.SystemPrompt != "" {
		env = append(env, "CORAL_SYSTEM_PROMPT="+params.SystemPrompt)
	}

	names := make([]string, 0, len(params.Options))
	for name := range params.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, optionEnvKey(name)+"="+fmt.Sprintf("%v", params.Options[name]))
	}
	return env
}

// optionEnvKey maps an option name to its environment variable.
func optionEnvKey(name string) string {
	clean := strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return "CORAL_OPTION_" + strings.ToUpper(clean)
}

// handle is the shared AgentHandle implementation for process-backed and
// function-backed agents.
type handle struct {
	name   string
	logs   chan domain.LogLine
	done   chan struct{}
	stopFn func() // idempotent termination trigger

	mu      sync.Mutex
	dropped int
}

func newHandle(name string, stopFn func()) *handle {
	return &handle{
		name:   name,
		logs:   make(chan domain.LogLine, logBufferSize),
		done:   make(chan struct{}),
		stopFn: stopFn,
	}
}

func (h *handle) AgentName() string           { return h.name }
func (h *handle) Logs() <-chan domain.LogLine { return h.logs }
func (h *handle) Done() <-chan struct{}       { return h.done }

// Stop triggers termination and waits for the agent to exit or the context
// to expire.
func (h *handle) Stop(ctx context.Context) error {
	h.stopFn()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit delivers a log line without ever blocking: when the consumer lags
// behind the buffer, the oldest line is evicted.
func (h *handle) emit(stream, text string) {
	line := domain.LogLine{
		AgentName: h.name,
		Stream:    stream,
		Text:      text,
		At:        time.Now(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		select {
		case h.logs <- line:
			return
		default:
		}
		select {
		case <-h.logs:
			h.dropped++
		default:
		}
	}
}

// finish closes the log stream and marks the agent terminated.
func (h *handle) finish() {
	h.mu.Lock()
	dropped := h.dropped
	h.mu.Unlock()
	if dropped > 0 {
		// Best effort: the note itself may not fit either.
		select {
		case h.logs <- domain.LogLine{
			AgentName: h.name,
			Stream:    "runtime",
			Text:      fmt.Sprintf("%d log lines dropped", dropped),
			At:        time.Now(),
		}:
		default:
		}
	}
	close(h.logs)
	close(h.done)
}
