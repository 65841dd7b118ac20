package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models draftline.yml. It is resolved once at process start and
// passed into the engine at construction; nothing re-reads it per request.
type Config struct {
	Bot struct {
		AllowedActorIDs []string `yaml:"allowed_actor_ids"`
	} `yaml:"bot"`
	Draft struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"draft"`
	Invoker struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"invoker"`
	Accounts struct {
		CRM     string `yaml:"crm"`
		Tracker string `yaml:"tracker"`
	} `yaml:"accounts"`
	Stages struct {
		Catalog  []Stage `yaml:"catalog"`
		WonStage string  `yaml:"won_stage"`
	} `yaml:"stages"`
	Kickoff struct {
		Version int            `yaml:"version"`
		TeamID  string         `yaml:"team_id"`
		Tasks   []TemplateTask `yaml:"tasks"`
	} `yaml:"kickoff"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Stage is one canonical pipeline stage with its user-facing aliases.
type Stage struct {
	Key     string   `yaml:"key"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// TemplateTask is one kickoff sub-task. Keys are stable forever; they seed
// the template_task_records idempotency guard and must never be renumbered.
type TemplateTask struct {
	Key         string `yaml:"key"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// DraftTTL returns the configured draft lifetime.
func (c *Config) DraftTTL() time.Duration {
	minutes := c.Draft.TTLMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// InvokerTimeout bounds each Tool Invoker call.
func (c *Config) InvokerTimeout() time.Duration {
	seconds := c.Invoker.TimeoutSeconds
	if seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

// ActorAllowed reports whether the allow-list admits the actor. An empty
// list disables the allow-list (identity from auth alone governs).
func (c *Config) ActorAllowed(actorID string) bool {
	if len(c.Bot.AllowedActorIDs) == 0 {
		return true
	}
	for _, id := range c.Bot.AllowedActorIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Stages.Catalog) == 0 {
		return fmt.Errorf("config.stages.catalog is required")
	}
	keys := map[string]bool{}
	aliases := map[string]string{}
	for _, s := range c.Stages.Catalog {
		if s.Key == "" {
			return fmt.Errorf("config.stages.catalog contains empty stage key")
		}
		if s.Name == "" {
			return fmt.Errorf("stage %s has empty name", s.Key)
		}
		if keys[s.Key] {
			return fmt.Errorf("duplicate stage key %s", s.Key)
		}
		keys[s.Key] = true
		for _, a := range s.Aliases {
			if a == "" {
				return fmt.Errorf("stage %s has empty alias", s.Key)
			}
			if owner, ok := aliases[a]; ok {
				return fmt.Errorf("alias %q claimed by both %s and %s", a, owner, s.Key)
			}
			aliases[a] = s.Key
		}
	}
	if c.Stages.WonStage == "" {
		return fmt.Errorf("config.stages.won_stage is required")
	}
	if !keys[c.Stages.WonStage] {
		return fmt.Errorf("won_stage %s not in stage catalog", c.Stages.WonStage)
	}
	if c.Kickoff.Version < 1 {
		return fmt.Errorf("config.kickoff.version must be >= 1")
	}
	if len(c.Kickoff.Tasks) == 0 {
		return fmt.Errorf("config.kickoff.tasks is required")
	}
	taskKeys := map[string]bool{}
	for _, t := range c.Kickoff.Tasks {
		if t.Key == "" {
			return fmt.Errorf("config.kickoff.tasks contains empty task key")
		}
		if t.Title == "" {
			return fmt.Errorf("kickoff task %s has empty title", t.Key)
		}
		if taskKeys[t.Key] {
			return fmt.Errorf("duplicate kickoff task key %s", t.Key)
		}
		taskKeys[t.Key] = true
	}
	if c.Draft.TTLMinutes < 0 {
		return fmt.Errorf("config.draft.ttl_minutes must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `bot:
  allowed_actor_ids: []

draft:
  ttl_minutes: 10

invoker:
  base_url: https://tools.example.com
  api_key: ""
  timeout_seconds: 10

accounts:
  crm: ""
  tracker: ""

stages:
  catalog:
    - key: NEW_KEY
      name: New
      aliases: [new, inbox]
    - key: QUALIFIED_KEY
      name: Qualified
      aliases: [qualified, qual]
    - key: PROPOSAL_KEY
      name: Proposal
      aliases: [proposal, offer]
    - key: WON_KEY
      name: Won
      aliases: [won, closed-won]
    - key: LOST_KEY
      name: Lost
      aliases: [lost, closed-lost]
  won_stage: WON_KEY

kickoff:
  version: 1
  team_id: ""
  tasks:
    - key: kickoff_access
      title: "Kickoff: collect materials and access"
      description: "Gather access, links, sources, context. Output: list of links plus confirmation everything opens."
    - key: brief_confirm
      title: "Brief: confirm goals and requirements"
      description: "Clarify goals, audience, constraints, deadlines. Output: short summary plus open questions and risks."
    - key: research_refs
      title: "Research: references and competitors"
      description: "Collect 5-10 references with a short review. Output: table or list with conclusions."
    - key: moodboard
      title: "Moodboard / visual direction"
      description: "Shape the direction for style, tone, visual patterns. Output: moodboard plus 2-3 direction theses."
    - key: ia_structure
      title: "Information architecture / structure"
      description: "Define the structure and key screens or pages. Output: map or outline."
    - key: wireframes
      title: "Wireframes for main screens"
      description: "Build base wireframes for key screens and flows. Output: wireframes plus open questions."
    - key: concept
      title: "Concept: 1-2 variants"
      description: "Assemble concept variants from the wireframes and moodboard. Output: 1-2 variants with rationale."
    - key: ui_kit
      title: "UI kit / base components"
      description: "Assemble the base component and style set. Output: UI kit ready to scale."
    - key: designs_key
      title: "Designs: key screens (MVP)"
      description: "Design key screens to handoff level. Output: designs with comments."
    - key: responsive
      title: "Responsive states (if needed)"
      description: "Prepare responsive states and breakpoints. Output: responsive set plus rules."
    - key: handoff
      title: "Handoff: specification and export"
      description: "Prepare the specification, asset export, interaction notes. Output: handoff-ready package."
    - key: final_qc
      title: "Final check and delivery"
      description: "Check consistency, accessibility, logical links. Output: sign-off and delivery."
`
