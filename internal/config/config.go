// Package config loads the per-room configuration surface:
// command/mode/classifier settings, proactive-interjection settings, and
// quest-runtime settings. A YAML base is layered with environment overrides
// via github.com/caarlos0/env/v11.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// TriggerConfig holds per-trigger overrides nested under a mode.
type TriggerConfig struct {
	Model           string   `yaml:"model"`
	ReasoningEffort string   `yaml:"reasoning_effort"`
	AllowedTools    []string `yaml:"allowed_tools"`
	Steering        *bool    `yaml:"steering"`
}

// TriggerEntry pairs a trigger token with its overrides, preserving
// declaration order. The first-declared trigger under a mode is its default
// trigger, which is only decidable if order survives YAML parsing, so
// Triggers is a slice rather than a map.
type TriggerEntry struct {
	Token  string
	Config TriggerConfig
}

// OrderedTriggers decodes a YAML mapping node into an order-preserving slice.
type OrderedTriggers []TriggerEntry

// UnmarshalYAML walks the mapping node's Content pairs directly instead of
// going through a Go map, which is how order survives (yaml.v3 mapping nodes
// keep key/value pairs in file order; map[string]T does not).
func (o *OrderedTriggers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("triggers must be a mapping, got kind %d", value.Kind)
	}
	*o = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		var token string
		if err := value.Content[i].Decode(&token); err != nil {
			return err
		}
		var tc TriggerConfig
		if err := value.Content[i+1].Decode(&tc); err != nil {
			return err
		}
		*o = append(*o, TriggerEntry{Token: token, Config: tc})
	}
	return nil
}

// ModeConfig is one command.modes.<name> entry.
type ModeConfig struct {
	Models                []string        `yaml:"models"`
	Model                 string          `yaml:"model"`
	Prompt                string          `yaml:"prompt"`
	ReasoningEffort       string          `yaml:"reasoning_effort"`
	Steering              bool            `yaml:"steering"`
	AllowedTools          []string        `yaml:"allowed_tools"`
	HistorySize           int             `yaml:"history_size"`
	IncludeChapterSummary bool            `yaml:"include_chapter_summary"`
	AutoReduceContext     bool            `yaml:"auto_reduce_context"`
	VisionModel           string          `yaml:"vision_model"`
	Triggers              OrderedTriggers `yaml:"triggers"`
}

// DefaultTrigger returns the first-declared trigger, the mode's default.
func (m ModeConfig) DefaultTrigger() string {
	if len(m.Triggers) == 0 {
		return ""
	}
	return m.Triggers[0].Token
}

// EffectiveModels returns the mode's ordered model list, falling back to the
// singular Model field for configs that only set one.
func (m ModeConfig) EffectiveModels() []string {
	if len(m.Models) > 0 {
		return m.Models
	}
	if m.Model != "" {
		return []string{m.Model}
	}
	return nil
}

// LabelEntry pairs a classifier label with its target trigger, preserving
// declaration order: the first-declared label is the fallback when no
// explicit fallback_label is configured.
type LabelEntry struct {
	Label   string
	Trigger string
}

// OrderedLabels decodes a YAML mapping node into an order-preserving slice.
type OrderedLabels []LabelEntry

// UnmarshalYAML mirrors OrderedTriggers.UnmarshalYAML's Content-pair walk.
func (o *OrderedLabels) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("labels must be a mapping, got kind %d", value.Kind)
	}
	*o = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		var label, trigger string
		if err := value.Content[i].Decode(&label); err != nil {
			return err
		}
		if err := value.Content[i+1].Decode(&trigger); err != nil {
			return err
		}
		*o = append(*o, LabelEntry{Label: label, Trigger: trigger})
	}
	return nil
}

// Trigger looks up the trigger for a label, or "" if absent.
func (o OrderedLabels) Trigger(label string) (string, bool) {
	for _, e := range o {
		if e.Label == label {
			return e.Trigger, true
		}
	}
	return "", false
}

// ClassifierConfig is command.mode_classifier.
type ClassifierConfig struct {
	Model         string        `yaml:"model"`
	Labels        OrderedLabels `yaml:"labels"`
	FallbackLabel string        `yaml:"fallback_label"`
	Prompt        string        `yaml:"prompt"`
}

// CommandConfig is the command.* config surface.
type CommandConfig struct {
	HistorySize      int                   `yaml:"history_size"`
	ResponseMaxBytes int                   `yaml:"response_max_bytes"`
	Debounce         float64               `yaml:"debounce"`
	RateLimit        int                   `yaml:"rate_limit"`
	RatePeriod       float64               `yaml:"rate_period"`
	DefaultMode      string                `yaml:"default_mode"`
	ChannelModes     map[string]string     `yaml:"channel_modes"`
	IgnoreUsers      []string              `yaml:"ignore_users"`
	Modes            map[string]ModeConfig `yaml:"modes"`
	ModeClassifier   ClassifierConfig      `yaml:"mode_classifier"`

	// FlagTokens (e.g. "!c") set no_context; HelpToken (e.g. "!h") sets
	// help_requested.
	FlagTokens []string `yaml:"flag_tokens"`
	HelpToken  string   `yaml:"help_token"`
}

// ProactiveModelsConfig is proactive.models.
type ProactiveModelsConfig struct {
	Validation []string `yaml:"validation"`
	Serious    string   `yaml:"serious"`
}

// ProactivePromptsConfig is proactive.prompts.
type ProactivePromptsConfig struct {
	Interject    string `yaml:"interject"`
	SeriousExtra string `yaml:"serious_extra"`
}

// ProactiveRoomConfig is the proactive.* config surface.
type ProactiveRoomConfig struct {
	Interjecting       []string               `yaml:"interjecting"`
	DebounceSeconds    float64                `yaml:"debounce_seconds"`
	HistorySize        int                    `yaml:"history_size"`
	RateLimit          int                    `yaml:"rate_limit"`
	RatePeriod         float64                `yaml:"rate_period"`
	InterjectThreshold int                    `yaml:"interject_threshold"`
	Models             ProactiveModelsConfig  `yaml:"models"`
	Prompts            ProactivePromptsConfig `yaml:"prompts"`
}

// QuestConfig is the quest-runtime config surface.
type QuestConfig struct {
	Arcs            []string `yaml:"arcs"`
	CooldownSeconds float64  `yaml:"cooldown_seconds"`
	// Cron optionally bounds heartbeat ticks to a gronx cron window, layered
	// on top of CooldownSeconds.
	Cron string `yaml:"cron"`
}

// RoomConfig is everything recognized for one room.
type RoomConfig struct {
	Command   CommandConfig       `yaml:"command"`
	Proactive ProactiveRoomConfig `yaml:"proactive"`
	Quest     QuestConfig         `yaml:"quest"`
}

// EnvOverrides are environment-variable overrides layered on top of the
// YAML base.
type EnvOverrides struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	BraveAPIKey     string `env:"BRAVE_API_KEY"`
	DBPath          string `env:"CHATENGINE_DB_PATH" envDefault:"chatengine.db"`
}

// Load reads a RoomConfig from YAML at path and layers environment
// overrides on top, then applies defaults and validates it.
func Load(path string) (RoomConfig, EnvOverrides, error) {
	var cfg RoomConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, EnvOverrides{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, EnvOverrides{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return cfg, overrides, fmt.Errorf("parsing env overrides: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, overrides, err
	}
	return cfg, overrides, nil
}

// applyDefaults fills in the documented per-room defaults.
func applyDefaults(cfg *RoomConfig) {
	if cfg.Command.ResponseMaxBytes <= 0 {
		cfg.Command.ResponseMaxBytes = 600
	}
	if cfg.Command.RateLimit <= 0 {
		cfg.Command.RateLimit = 30
	}
	if cfg.Command.RatePeriod <= 0 {
		cfg.Command.RatePeriod = 900
	}
	if cfg.Command.Debounce < 0 {
		cfg.Command.Debounce = 0
	}
	if len(cfg.Command.FlagTokens) == 0 {
		cfg.Command.FlagTokens = []string{"!c"}
	}
	if cfg.Command.HelpToken == "" {
		cfg.Command.HelpToken = "!h"
	}

	if cfg.Proactive.DebounceSeconds <= 0 {
		cfg.Proactive.DebounceSeconds = 15
	}
	if cfg.Proactive.RateLimit <= 0 {
		cfg.Proactive.RateLimit = 10
	}
	if cfg.Proactive.RatePeriod <= 0 {
		cfg.Proactive.RatePeriod = 3600
	}
	if cfg.Proactive.InterjectThreshold <= 0 {
		cfg.Proactive.InterjectThreshold = 7
	}

	if cfg.Quest.CooldownSeconds <= 0 || !isFinite(cfg.Quest.CooldownSeconds) {
		cfg.Quest.CooldownSeconds = 60
	}
	if cfg.Quest.CooldownSeconds < 60 {
		cfg.Quest.CooldownSeconds = 60
	}
}

func isFinite(f float64) bool {
	return f == f && f < 1e308 && f > -1e308
}

// Validate rejects empty triggers, unknown classifier targets, and
// duplicate triggers.
func Validate(cfg RoomConfig) error {
	seenTriggers := map[string]string{}
	for modeName, mode := range cfg.Command.Modes {
		if len(mode.Triggers) == 0 {
			return fmt.Errorf("mode %q has no triggers configured", modeName)
		}
		for _, entry := range mode.Triggers {
			if entry.Token == "" {
				return fmt.Errorf("mode %q has an empty trigger token", modeName)
			}
			if owner, dup := seenTriggers[entry.Token]; dup {
				return fmt.Errorf("duplicate trigger %q declared in modes %q and %q", entry.Token, owner, modeName)
			}
			seenTriggers[entry.Token] = modeName
		}
	}

	for _, entry := range cfg.Command.ModeClassifier.Labels {
		if _, ok := seenTriggers[entry.Trigger]; !ok {
			return fmt.Errorf("classifier label %q targets unknown trigger %q", entry.Label, entry.Trigger)
		}
	}
	if fb := cfg.Command.ModeClassifier.FallbackLabel; fb != "" {
		if _, ok := cfg.Command.ModeClassifier.Labels.Trigger(fb); !ok {
			return fmt.Errorf("classifier fallback_label %q is not among configured labels", fb)
		}
	}
	return nil
}
