// Package registry resolves agent definitions from configured sources
// (files, inline config, HTTP indexes, git checkouts) into one immutable
// lookup table. Resolution is all-or-nothing: a failing source or a
// duplicate identifier aborts the whole resolve.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/re-minder/PRSummarizer.ai/internal/domain"
	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
)

// indexFetchTimeout bounds one HTTP index download.
const indexFetchTimeout = 30 * time.Second

// maxIndexBody caps the size of a fetched index document.
const maxIndexBody = 4 << 20

// Registry is the resolved, immutable set of agent definitions.
type Registry struct {
	defs    map[string]domain.AgentDefinition // key: AgentID.String()
	schemas map[string]*jsonschema.Schema     // compiled option schemas, same key
	logger  *slog.Logger
}

// entry tracks where a definition came from, for duplicate reporting.
type entry struct {
	def    domain.AgentDefinition
	origin string
}

// Resolve loads every configured source and merges the results. Duplicate
// identifiers are collected across all sources and reported together in a
// single error so a misconfigured registry is fixable in one pass. An empty
// source list yields an empty registry.
func Resolve(ctx context.Context, sources []config.RegistrySource, logger *slog.Logger) (*Registry, error) {
	const op = "Registry.Resolve"

	merged := make(map[string]entry)
	var dupes []string

	for i, src := range sources {
		origin := sourceLabel(i, src)
		defs, err := loadSource(ctx, src)
		if err != nil {
			return nil, domain.NewSubSystemError("registry", op,
				domain.ErrRegistryResolve, fmt.Sprintf("%s: %v", origin, err))
		}
		for _, def := range defs {
			if err := validateDefinition(def); err != nil {
				return nil, domain.NewSubSystemError("registry", op,
					domain.ErrRegistryResolve, fmt.Sprintf("%s: %v", origin, err))
			}
			key := def.ID.String()
			if prev, ok := merged[key]; ok {
				dupes = append(dupes, fmt.Sprintf("%s (%s, %s)", key, prev.origin, origin))
				continue
			}
			merged[key] = entry{def: def, origin: origin}
		}
	}

	if len(dupes) > 0 {
		sort.Strings(dupes)
		return nil, domain.NewSubSystemError("registry", op,
			domain.ErrDuplicateAgent, strings.Join(dupes, "; "))
	}

	r := &Registry{
		defs:    make(map[string]domain.AgentDefinition, len(merged)),
		schemas: make(map[string]*jsonschema.Schema, len(merged)),
		logger:  logger,
	}
	for key, e := range merged {
		schema, err := compileOptionSchema(e.def.Options)
		if err != nil {
			return nil, domain.NewSubSystemError("registry", op,
				domain.ErrRegistryResolve, fmt.Sprintf("%s: option schema for %s: %v", e.origin, key, err))
		}
		r.defs[key] = e.def
		r.schemas[key] = schema
	}

	logger.Info("registry resolved", "agents", len(r.defs), "sources", len(sources))
	return r, nil
}

// Get returns the definition for an identifier, or ErrUnknownAgent.
func (r *Registry) Get(id domain.AgentID) (domain.AgentDefinition, error) {
	def, ok := r.defs[id.String()]
	if !ok {
		return domain.AgentDefinition{}, domain.NewSubSystemError("registry", "Registry.Get",
			domain.ErrUnknownAgent, id.String())
	}
	return def, nil
}

// List returns all definitions sorted by identifier.
func (r *Registry) List() []domain.AgentDefinition {
	out := make([]domain.AgentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Len returns the number of resolved definitions.
func (r *Registry) Len() int { return len(r.defs) }

// ValidateOptions checks the supplied launch options against the
// definition's option specs and returns the effective option map with
// declared defaults filled in. Unknown options, missing required options,
// and type mismatches fail with ErrInvalidInput.
func (r *Registry) ValidateOptions(id domain.AgentID, options map[string]any) (map[string]any, error) {
	const op = "Registry.ValidateOptions"

	key := id.String()
	def, ok := r.defs[key]
	if !ok {
		return nil, domain.NewSubSystemError("registry", op, domain.ErrUnknownAgent, key)
	}

	effective := make(map[string]any, len(def.Options))
	for name, spec := range def.Options {
		if spec.Default != nil {
			effective[name] = spec.Default
		}
	}
	for name, value := range options {
		effective[name] = value
	}

	result := r.schemas[key].Validate(effective)
	if !result.IsValid() {
		return nil, domain.NewSubSystemError("registry", op,
			domain.ErrInvalidInput, fmt.Sprintf("%s: %s", key, result.Error()))
	}
	return effective, nil
}

// compileOptionSchema turns a definition's option specs into a compiled
// closed-object JSON schema.
func compileOptionSchema(options map[string]domain.OptionSpec) (*jsonschema.Schema, error) {
	properties := make(map[string]map[string]any, len(options))
	var required []string
	for name, spec := range options {
		properties[name] = map[string]any{"type": spec.Type}
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.NewCompiler().Compile(raw)
}

// validOptionTypes are the JSON schema primitive types an option may declare.
var validOptionTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

func validateDefinition(def domain.AgentDefinition) error {
	if def.ID.Name == "" || def.ID.Version == "" {
		return fmt.Errorf("agent definition missing id name or version")
	}
	for name, spec := range def.Options {
		if !validOptionTypes[spec.Type] {
			return fmt.Errorf("agent %s: option %q has unsupported type %q", def.ID, name, spec.Type)
		}
	}
	switch def.Runtime.Kind {
	case domain.RuntimeLocal:
		if def.Runtime.Command == "" {
			return fmt.Errorf("agent %s: local runtime requires command", def.ID)
		}
	case domain.RuntimeDocker:
		if def.Runtime.Image == "" {
			return fmt.Errorf("agent %s: docker runtime requires image", def.ID)
		}
	case domain.RuntimeRemote:
		if def.Runtime.Address == "" {
			return fmt.Errorf("agent %s: remote runtime requires address", def.ID)
		}
	case domain.RuntimeFunction:
		if def.Runtime.Function == "" {
			return fmt.Errorf("agent %s: function runtime requires function", def.ID)
		}
	default:
		return fmt.Errorf("agent %s: unknown runtime kind %q", def.ID, def.Runtime.Kind)
	}
	return nil
}

func sourceLabel(i int, src config.RegistrySource) string {
	switch src.Kind {
	case "path":
		return fmt.Sprintf("path:%s", src.Path)
	case "index":
		return fmt.Sprintf("index:%s", src.URL)
	case "git":
		return fmt.Sprintf("git:%s", src.URL)
	default:
		return fmt.Sprintf("%s[%d]", src.Kind, i)
	}
}

// registryFile is the on-disk and over-the-wire document shape.
type registryFile struct {
	Agents []domain.AgentDefinition `yaml:"agents"`
}

func loadSource(ctx context.Context, src config.RegistrySource) ([]domain.AgentDefinition, error) {
	switch src.Kind {
	case "path":
		return loadPath(src.Path)
	case "inline":
		return loadInline(src.Agents)
	case "index":
		return loadIndex(ctx, src.URL)
	case "git":
		return loadGit(ctx, src)
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// loadPath reads one YAML registry file, or every *.yaml/*.yml file in a
// directory (sorted, non-recursive).
func loadPath(path string) ([]domain.AgentDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	var defs []domain.AgentDefinition
	for _, f := range files {
		fileDefs, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

func loadFile(path string) ([]domain.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRegistry(data, path)
}

func parseRegistry(data []byte, origin string) ([]domain.AgentDefinition, error) {
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", origin, err)
	}
	return doc.Agents, nil
}

func loadInline(nodes []yaml.Node) ([]domain.AgentDefinition, error) {
	defs := make([]domain.AgentDefinition, 0, len(nodes))
	for i := range nodes {
		var def domain.AgentDefinition
		if err := nodes[i].Decode(&def); err != nil {
			return nil, fmt.Errorf("inline agent %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func loadIndex(ctx context.Context, url string) ([]domain.AgentDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, indexFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexBody))
	if err != nil {
		return nil, err
	}
	return parseRegistry(data, url)
}

// loadGit shallow-clones the source repository into a temp directory and
// reads the registry file at src.Path (default "registry.yaml") inside it.
func loadGit(ctx context.Context, src config.RegistrySource) ([]domain.AgentDefinition, error) {
	dir, err := os.MkdirTemp("", "prsum-registry-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	args := []string{"clone", "--depth", "1", "--quiet"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, src.URL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone %s: %v: %s", src.URL, err, strings.TrimSpace(string(out)))
	}

	inRepo := src.Path
	if inRepo == "" {
		inRepo = "registry.yaml"
	}
	return loadPath(filepath.Join(dir, inRepo))
}
