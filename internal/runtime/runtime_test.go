package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/logger"
)

func testParams(name string, rt domain.RuntimeDescriptor, options map[string]any) domain.RuntimeParams {
	return domain.RuntimeParams{
		SessionID:     "ses_test",
		ApplicationID: "app",
		Name:          name,
		Options:       options,
		ConnectionURL: "http://127.0.0.1:5556/sse?sessionId=ses_test&agentId=" + name,
		Definition: domain.AgentDefinition{
			ID:      domain.AgentID{Name: name, Version: "1"},
			Runtime: rt,
		},
	}
}

func collectLogs(t *testing.T, h domain.AgentHandle, within time.Duration) []domain.LogLine {
	t.Helper()
	var lines []domain.LogLine
	deadline := time.After(within)
	for {
		select {
		case line, ok := <-h.Logs():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("log stream did not close within %v; got %v", within, lines)
		}
	}
}

func TestInjectedEnv(t *testing.T) {
	params := testParams("summarizer", domain.RuntimeDescriptor{
		Kind: domain.RuntimeLocal, Command: "true",
		Env: map[string]string{"STATIC": "yes"},
	}, map[string]any{"max-files": 50, "repo": "acme/widgets"})
	params.SystemPrompt = "summarize"

	env := injectedEnv(params, params.Definition.Runtime.Env)
	joined := strings.Join(env, "\n")

	for _, want := range []string{
		"STATIC=yes",
		domain.ConnectionURLEnv + "=http://127.0.0.1:5556/sse?sessionId=ses_test&agentId=summarizer",
		"CORAL_SESSION_ID=ses_test",
		"CORAL_AGENT_NAME=summarizer",
		"CORAL_SYSTEM_PROMPT=summarize",
		"CORAL_OPTION_REPO=acme/widgets",
		"CORAL_OPTION_MAX_FILES=50",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in:\n%s", want, joined)
		}
	}
}

func TestSetForKind(t *testing.T) {
	fns := NewFunctions(logger.Discard())
	set := NewSet(map[domain.RuntimeKind]domain.Runtime{
		domain.RuntimeFunction: fns,
		domain.RuntimeDocker:   nil, // not wired on this host
	})

	if _, err := set.ForKind(domain.RuntimeFunction); err != nil {
		t.Fatalf("ForKind(function): %v", err)
	}
	if _, err := set.ForKind(domain.RuntimeDocker); !errors.Is(err, domain.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed for unwired kind, got %v", err)
	}
}

func TestFunctionsLaunchLifecycle(t *testing.T) {
	fns := NewFunctions(logger.Discard())
	fns.Register("echo", func(ctx context.Context, params domain.RuntimeParams, emit func(string)) error {
		emit("hello from " + params.Name)
		return nil
	})

	h, err := fns.Launch(context.Background(), testParams("helper",
		domain.RuntimeDescriptor{Kind: domain.RuntimeFunction, Function: "echo"}, nil))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lines := collectLogs(t, h, 2*time.Second)
	if len(lines) != 1 || lines[0].Text != "hello from helper" || lines[0].Stream != "stdout" {
		t.Fatalf("got %v", lines)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after function returned")
	}
}

func TestFunctionsLaunchUnknown(t *testing.T) {
	fns := NewFunctions(logger.Discard())
	_, err := fns.Launch(context.Background(), testParams("x",
		domain.RuntimeDescriptor{Kind: domain.RuntimeFunction, Function: "nope"}, nil))
	if !errors.Is(err, domain.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestFunctionsStopCancelsContext(t *testing.T) {
	fns := NewFunctions(logger.Discard())
	started := make(chan struct{})
	fns.Register("blocker", func(ctx context.Context, params domain.RuntimeParams, emit func(string)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	h, err := fns.Launch(context.Background(), testParams("blocker",
		domain.RuntimeDescriptor{Kind: domain.RuntimeFunction, Function: "blocker"}, nil))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestFunctionsPanicIsContained(t *testing.T) {
	fns := NewFunctions(logger.Discard())
	fns.Register("boom", func(ctx context.Context, params domain.RuntimeParams, emit func(string)) error {
		panic("kaboom")
	})

	h, err := fns.Launch(context.Background(), testParams("boom",
		domain.RuntimeDescriptor{Kind: domain.RuntimeFunction, Function: "boom"}, nil))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lines := collectLogs(t, h, 2*time.Second)
	if len(lines) != 1 || lines[0].Stream != "runtime" || !strings.Contains(lines[0].Text, "kaboom") {
		t.Fatalf("expected runtime panic line, got %v", lines)
	}
}

func TestLocalLaunchCapturesOutput(t *testing.T) {
	local := NewLocal(logger.Discard())
	params := testParams("printer", domain.RuntimeDescriptor{
		Kind:    domain.RuntimeLocal,
		Command: "sh",
		Args:    []string{"-c", `echo one; echo two >&2`},
	}, nil)

	h, err := local.Launch(context.Background(), params)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var stdout, stderr []string
	for _, line := range collectLogs(t, h, 5*time.Second) {
		switch line.Stream {
		case "stdout":
			stdout = append(stdout, line.Text)
		case "stderr":
			stderr = append(stderr, line.Text)
		}
	}
	if len(stdout) != 1 || stdout[0] != "one" {
		t.Errorf("stdout = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "two" {
		t.Errorf("stderr = %v", stderr)
	}
}

func TestLocalLaunchEnvReachesChild(t *testing.T) {
	local := NewLocal(logger.Discard())
	params := testParams("envcheck", domain.RuntimeDescriptor{
		Kind:    domain.RuntimeLocal,
		Command: "sh",
		Args:    []string{"-c", `echo "$CORAL_CONNECTION_URL"`},
	}, nil)

	h, err := local.Launch(context.Background(), params)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lines := collectLogs(t, h, 5*time.Second)
	if len(lines) == 0 || lines[0].Text != params.ConnectionURL {
		t.Fatalf("child did not see connection url: %v", lines)
	}
}

func TestLocalLaunchFailureReportsTail(t *testing.T) {
	local := NewLocal(logger.Discard())
	params := testParams("failer", domain.RuntimeDescriptor{
		Kind:    domain.RuntimeLocal,
		Command: "sh",
		Args:    []string{"-c", `echo "bad config" >&2; exit 3`},
	}, nil)

	h, err := local.Launch(context.Background(), params)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	lines := collectLogs(t, h, 5*time.Second)
	last := lines[len(lines)-1]
	if last.Stream != "runtime" || !strings.Contains(last.Text, "bad config") {
		t.Fatalf("expected exit diagnostics with stderr tail, got %v", lines)
	}
}

func TestLocalLaunchBadCommand(t *testing.T) {
	local := NewLocal(logger.Discard())
	params := testParams("ghost", domain.RuntimeDescriptor{
		Kind:    domain.RuntimeLocal,
		Command: "/definitely/not/a/binary",
	}, nil)

	_, err := local.Launch(context.Background(), params)
	if !errors.Is(err, domain.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestLocalStopTerminatesProcess(t *testing.T) {
	local := NewLocal(logger.Discard())
	params := testParams("sleeper", domain.RuntimeDescriptor{
		Kind:    domain.RuntimeLocal,
		Command: "sleep",
		Args:    []string{"60"},
	}, nil)

	h, err := local.Launch(context.Background(), params)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
}

func TestDockerRunArgs(t *testing.T) {
	params := testParams("summarizer", domain.RuntimeDescriptor{
		Kind:  domain.RuntimeDocker,
		Image: "ghcr.io/acme/summarizer:1.0.0",
		Args:  []string{"--verbose"},
		Env:   map[string]string{"STATIC": "yes"},
	}, map[string]any{"repo": "acme/widgets"})

	args := dockerRunArgs("prsum-ses_test-summarizer", params)
	joined := strings.Join(args, " ")

	if args[0] != "run" || !strings.Contains(joined, "--rm") {
		t.Errorf("args = %v", args)
	}
	if !strings.Contains(joined, "-e STATIC=yes") {
		t.Errorf("static env not passed: %v", args)
	}
	if !strings.Contains(joined, "-e CORAL_OPTION_REPO=acme/widgets") {
		t.Errorf("option env not passed: %v", args)
	}
	if strings.Contains(joined, "PATH=") {
		t.Errorf("host environment must not leak into containers: %v", args)
	}
	if args[len(args)-2] != "ghcr.io/acme/summarizer:1.0.0" || args[len(args)-1] != "--verbose" {
		t.Errorf("image and args must come last: %v", args)
	}
}

func TestContainerName(t *testing.T) {
	got := containerName("ses 01ABC", "my agent/1")
	if strings.ContainsAny(got, " /") {
		t.Errorf("unsanitized container name: %q", got)
	}
	if !strings.HasPrefix(got, "prsum-") {
		t.Errorf("missing prefix: %q", got)
	}
}

func TestRemoteWithoutPeers(t *testing.T) {
	r := NewRemote(nil, logger.Discard())
	_, err := r.Launch(context.Background(), testParams("x",
		domain.RuntimeDescriptor{Kind: domain.RuntimeRemote, Address: "peer-b"}, nil))
	if !errors.Is(err, domain.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
}

type fakePeerLauncher struct {
	gotPeer string
	handle  domain.AgentHandle
}

func (f *fakePeerLauncher) LaunchAgent(ctx context.Context, peer string, params domain.RuntimeParams) (domain.AgentHandle, error) {
	f.gotPeer = peer
	return f.handle, nil
}

func TestRemoteDelegatesToPeer(t *testing.T) {
	h := newHandle("x", func() {})
	fake := &fakePeerLauncher{handle: h}
	r := NewRemote(fake, logger.Discard())

	got, err := r.Launch(context.Background(), testParams("x",
		domain.RuntimeDescriptor{Kind: domain.RuntimeRemote, Address: "peer-b"}, nil))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fake.gotPeer != "peer-b" {
		t.Errorf("peer = %q", fake.gotPeer)
	}
	if got != domain.AgentHandle(h) {
		t.Error("handle not passed through")
	}
}

func TestTailBufferKeepsRecent(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789"))
	if got := tb.String(); got != "23456789" {
		t.Errorf("tail = %q", got)
	}
}

func TestHandleEmitDropsOldestWhenFull(t *testing.T) {
	h := newHandle("x", func() {})
	for i := 0; i < logBufferSize+10; i++ {
		h.emit("stdout", "line")
	}
	h.finish()

	var count int
	for range h.Logs() {
		count++
	}
	// logBufferSize lines survive, minus one slot consumed by the drop note.
	if count > logBufferSize {
		t.Errorf("channel exceeded capacity: %d", count)
	}
}
