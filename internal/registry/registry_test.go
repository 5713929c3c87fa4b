package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/logger"
)

const summarizerYAML = `
agents:
  - id: {name: summarizer, version: "1.0.0"}
    description: Summarizes pull request diffs.
    options:
      repo:
        type: string
        required: true
      max_files:
        type: integer
        default: 50
    runtime:
      kind: local
      command: python
      args: ["-m", "summarizer"]
`

func writeRegistryFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func inlineSource(t *testing.T, agentsYAML string) config.RegistrySource {
	t.Helper()
	var doc struct {
		Agents []yaml.Node `yaml:"agents"`
	}
	if err := yaml.Unmarshal([]byte(agentsYAML), &doc); err != nil {
		t.Fatalf("parse inline yaml: %v", err)
	}
	return config.RegistrySource{Kind: "inline", Agents: doc.Agents}
}

func TestResolvePathFile(t *testing.T) {
	path := writeRegistryFile(t, t.TempDir(), "registry.yaml", summarizerYAML)

	reg, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "path", Path: path},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 agent, got %d", reg.Len())
	}

	def, err := reg.Get(domain.AgentID{Name: "summarizer", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Runtime.Kind != domain.RuntimeLocal || def.Runtime.Command != "python" {
		t.Errorf("runtime not preserved: %+v", def.Runtime)
	}
	if !def.Options["repo"].Required {
		t.Error("repo option should be required")
	}
}

func TestResolvePathDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeRegistryFile(t, dir, "a.yaml", summarizerYAML)
	writeRegistryFile(t, dir, "b.yml", `
agents:
  - id: {name: risk, version: "2.0.0"}
    runtime: {kind: function, function: risk}
`)
	writeRegistryFile(t, dir, "ignored.txt", "not yaml")

	reg, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "path", Path: dir},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 agents, got %d", reg.Len())
	}
}

func TestResolveInline(t *testing.T) {
	src := inlineSource(t, `
agents:
  - id: {name: voice, version: "0.1.0"}
    runtime: {kind: docker, image: "ghcr.io/acme/voice:0.1.0"}
`)
	reg, err := Resolve(context.Background(), []config.RegistrySource{src}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	def, err := reg.Get(domain.AgentID{Name: "voice", Version: "0.1.0"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Runtime.Image != "ghcr.io/acme/voice:0.1.0" {
		t.Errorf("image not preserved: %q", def.Runtime.Image)
	}
}

func TestResolveIndexHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(summarizerYAML))
	}))
	defer srv.Close()

	reg, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "index", URL: srv.URL},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 agent, got %d", reg.Len())
	}
}

func TestResolveIndexHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "index", URL: srv.URL},
	}, logger.Discard())
	if !errors.Is(err, domain.ErrRegistryResolve) {
		t.Fatalf("expected ErrRegistryResolve, got %v", err)
	}
}

// Every colliding identifier across all sources is reported in one error,
// not just the first one found.
func TestResolveCollectsAllDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "registry.yaml", `
agents:
  - id: {name: summarizer, version: "1.0.0"}
    runtime: {kind: function, function: summarizer}
  - id: {name: risk, version: "2.0.0"}
    runtime: {kind: function, function: risk}
`)
	dup := inlineSource(t, `
agents:
  - id: {name: summarizer, version: "1.0.0"}
    runtime: {kind: function, function: other}
  - id: {name: risk, version: "2.0.0"}
    runtime: {kind: function, function: other}
`)

	_, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "path", Path: path},
		dup,
	}, logger.Discard())
	if !errors.Is(err, domain.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "summarizer@1.0.0") || !strings.Contains(msg, "risk@2.0.0") {
		t.Errorf("error should name every duplicate, got: %s", msg)
	}
}

func TestResolveFailingSourceAbortsAll(t *testing.T) {
	good := inlineSource(t, `
agents:
  - id: {name: voice, version: "0.1.0"}
    runtime: {kind: function, function: voice}
`)
	_, err := Resolve(context.Background(), []config.RegistrySource{
		good,
		{Kind: "path", Path: filepath.Join(t.TempDir(), "missing.yaml")},
	}, logger.Discard())
	if !errors.Is(err, domain.ErrRegistryResolve) {
		t.Fatalf("expected ErrRegistryResolve, got %v", err)
	}
}

func TestResolveRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing version", `
agents:
  - id: {name: summarizer}
    runtime: {kind: function, function: x}
`},
		{"local without command", `
agents:
  - id: {name: a, version: "1"}
    runtime: {kind: local}
`},
		{"docker without image", `
agents:
  - id: {name: a, version: "1"}
    runtime: {kind: docker}
`},
		{"unknown runtime kind", `
agents:
  - id: {name: a, version: "1"}
    runtime: {kind: lambda}
`},
		{"bad option type", `
agents:
  - id: {name: a, version: "1"}
    options:
      x: {type: tuple}
    runtime: {kind: function, function: x}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(context.Background(), []config.RegistrySource{
				inlineSource(t, tc.yaml),
			}, logger.Discard())
			if !errors.Is(err, domain.ErrRegistryResolve) {
				t.Fatalf("expected ErrRegistryResolve, got %v", err)
			}
		})
	}
}

func TestResolveEmptySources(t *testing.T) {
	reg, err := Resolve(context.Background(), nil, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
	if _, err := reg.Get(domain.AgentID{Name: "x", Version: "1"}); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestValidateOptions(t *testing.T) {
	path := writeRegistryFile(t, t.TempDir(), "registry.yaml", summarizerYAML)
	reg, err := Resolve(context.Background(), []config.RegistrySource{
		{Kind: "path", Path: path},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id := domain.AgentID{Name: "summarizer", Version: "1.0.0"}

	t.Run("defaults filled in", func(t *testing.T) {
		eff, err := reg.ValidateOptions(id, map[string]any{"repo": "acme/widgets"})
		if err != nil {
			t.Fatalf("ValidateOptions: %v", err)
		}
		if eff["repo"] != "acme/widgets" {
			t.Errorf("repo = %v", eff["repo"])
		}
		if eff["max_files"] != 50 {
			t.Errorf("default not applied: max_files = %v", eff["max_files"])
		}
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := reg.ValidateOptions(id, nil)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := reg.ValidateOptions(id, map[string]any{"repo": 42})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("unknown option rejected", func(t *testing.T) {
		_, err := reg.ValidateOptions(id, map[string]any{"repo": "a/b", "nope": true})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := reg.ValidateOptions(domain.AgentID{Name: "ghost", Version: "9"}, nil)
		if !errors.Is(err, domain.ErrUnknownAgent) {
			t.Fatalf("expected ErrUnknownAgent, got %v", err)
		}
	})
}

func TestListSorted(t *testing.T) {
	src := inlineSource(t, `
agents:
  - id: {name: zeta, version: "1"}
    runtime: {kind: function, function: z}
  - id: {name: alpha, version: "1"}
    runtime: {kind: function, function: a}
`)
	reg, err := Resolve(context.Background(), []config.RegistrySource{src}, logger.Discard())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defs := reg.List()
	if len(defs) != 2 || defs[0].ID.Name != "alpha" || defs[1].ID.Name != "zeta" {
		t.Errorf("list not sorted: %v", defs)
	}
}
