package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grovekit/grove/internal/common/errs"
)

// Transport selects the protocol variant an agent speaks.
type Transport string

const (
	TransportStreamJSON Transport = "stream-json"
	TransportACP        Transport = "acp"
)

// Definition describes one agent type: how to launch it and what it can do.
// The placeholder {sessionId} in ResumeArgs is replaced at spawn time.
type Definition struct {
	Type      string            `yaml:"type"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`

	// ResumeArgs are appended when restoring a session; ForkArgs are
	// appended additionally when the session should branch.
	ResumeArgs []string `yaml:"resumeArgs"`
	ForkArgs   []string `yaml:"forkArgs"`

	Capabilities Capabilities `yaml:"capabilities"`
}

// Catalog is the set of known agent definitions keyed by type.
type Catalog struct {
	defs map[string]Definition
}

// catalogFile is the on-disk shape of agents.yaml.
type catalogFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadCatalog reads agents.yaml at path and merges it over the built-in
// definitions. An empty path returns the built-ins alone.
func LoadCatalog(path string) (*Catalog, error) {
	c := builtinCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent catalog %s: %w", path, err)
	}

	for _, def := range file.Agents {
		if def.Type == "" {
			return nil, fmt.Errorf("agent catalog %s: definition with empty type", path)
		}
		if def.Transport != TransportStreamJSON && def.Transport != TransportACP {
			return nil, fmt.Errorf("agent catalog %s: agent %q has unknown transport %q", path, def.Type, def.Transport)
		}
		if def.Command == "" {
			return nil, fmt.Errorf("agent catalog %s: agent %q has no command", path, def.Type)
		}
		c.defs[def.Type] = def
	}
	return c, nil
}

// Lookup returns the definition for an agent type.
func (c *Catalog) Lookup(agentType string) (Definition, error) {
	def, ok := c.defs[agentType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: agent type %q", errs.ErrNotFound, agentType)
	}
	return def, nil
}

// Types returns the known agent types.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.defs))
	for t := range c.defs {
		types = append(types, t)
	}
	return types
}

// expandResumeArgs substitutes {sessionId} in a definition's resume args.
func expandResumeArgs(args []string, sessionID string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{sessionId}", sessionID)
	}
	return out
}

func builtinCatalog() *Catalog {
	defs := map[string]Definition{
		"claude": {
			Type:      "claude",
			Transport: TransportStreamJSON,
			Command:   "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--permission-prompt-tool", "stdio",
			},
			ResumeArgs: []string{"--resume", "{sessionId}"},
			ForkArgs:   []string{"--fork-session"},
			Capabilities: Capabilities{
				Resume:    true,
				Fork:      true,
				Interrupt: true,
				SetMode:   true,
			},
		},
		"stub": {
			Type:      "stub",
			Transport: TransportStreamJSON,
			Command:   "stub-agent",
			ResumeArgs: []string{"--resume", "{sessionId}"},
			Capabilities: Capabilities{
				Resume:    true,
				Interrupt: true,
			},
		},
		"gemini": {
			Type:      "gemini",
			Transport: TransportACP,
			Command:   "gemini",
			Args:      []string{"--experimental-acp"},
			Capabilities: Capabilities{
				Resume: true, // gated again at runtime on the loadSession capability
				Fork:   true,
			},
		},
		"opencode": {
			Type:      "opencode",
			Transport: TransportACP,
			Command:   "opencode",
			Args:      []string{"acp"},
			Capabilities: Capabilities{
				Fork: true,
			},
		},
	}
	return &Catalog{defs: defs}
}
