package config

import (
	"os"
	"path/filepath"

	"github.com/circuitide/circuit/errors"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the per-project configuration file name.
	ProjectConfigFile = "circuit.yaml"
	// InstructionsFile holds project instructions injected into the
	// system prompt.
	InstructionsFile = "CIRCUIT.md"

	appDirName = "circuit"
)

// Gateway holds the LLM gateway endpoints and client credentials.
type Gateway struct {
	TokenURL     string `yaml:"token_url"`
	ChatBaseURL  string `yaml:"chat_base_url"`
	APIVersion   string `yaml:"api_version"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AppKey       string `yaml:"app_key"`
}

// SSL controls TLS verification for outbound HTTP.
type SSL struct {
	Enabled  bool   `yaml:"enabled"`
	CABundle string `yaml:"ca_bundle"`
}

// Context holds the token budget for history optimization.
type Context struct {
	MaxTokens     int `yaml:"max_tokens"`
	ReserveTokens int `yaml:"reserve_tokens"`
}

// MCPServer describes one tool-provider server in the config file.
type MCPServer struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Enabled   *bool             `yaml:"enabled"`
	URL       string            `yaml:"url"`
	AuthToken string            `yaml:"auth_token"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	Toolsets  []string          `yaml:"toolsets"`
	Timeout   int               `yaml:"timeout"`
}

// IsEnabled reports whether the server should be connected. Servers are
// enabled unless the config says otherwise.
func (s *MCPServer) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type Config struct {
	Model         string      `yaml:"model"`
	Stream        bool        `yaml:"stream"`
	AutoApprove   bool        `yaml:"auto_approve"`
	Thinking      bool        `yaml:"thinking"`
	MaxIterations int         `yaml:"max_iterations"`
	MaxRetries    int         `yaml:"max_retries"`
	Gateway       Gateway     `yaml:"gateway"`
	SSL           SSL         `yaml:"ssl"`
	Context       Context     `yaml:"context"`
	MCPServers    []MCPServer `yaml:"mcp_servers"`
	GitHubPAT     string      `yaml:"github_pat"`
}

// Default returns a Config populated with defaults. Loading overwrites
// only the fields present in the YAML documents.
func Default() *Config {
	return &Config{
		Model:         DefaultModel,
		Stream:        true,
		MaxIterations: 25,
		MaxRetries:    3,
		Gateway: Gateway{
			TokenURL:    DefaultTokenURL,
			ChatBaseURL: DefaultChatBaseURL,
			APIVersion:  DefaultAPIVersion,
		},
		SSL: SSL{Enabled: true},
		Context: Context{
			MaxTokens:     100000,
			ReserveTokens: 10000,
		},
	}
}

// Dir returns the user-level configuration directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appDirName)
	}
	return filepath.Join(home, ".config", appDirName)
}

// Load reads configuration from the user config directory and then from
// workingDir, with workingDir taking precedence, and finally applies
// environment variable overrides for credentials.
func Load(workingDir string) (*Config, error) {
	cfg := Default()

	userPath := CredentialsPath()
	if _, err := os.Stat(userPath); err == nil {
		if err := loadFromFile(userPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	projectPath := filepath.Join(workingDir, ProjectConfigFile)
	if _, err := os.Stat(projectPath); err == nil {
		if err := loadFromFile(projectPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, giving a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIRCUIT_CLIENT_ID"); v != "" {
		cfg.Gateway.ClientID = v
	}
	if v := os.Getenv("CIRCUIT_CLIENT_SECRET"); v != "" {
		cfg.Gateway.ClientSecret = v
	}
	if v := os.Getenv("CIRCUIT_APP_KEY"); v != "" {
		cfg.Gateway.AppKey = v
	}
	if v := os.Getenv("CIRCUIT_GITHUB_PAT"); v != "" {
		cfg.GitHubPAT = v
	} else if cfg.GitHubPAT == "" {
		cfg.GitHubPAT = os.Getenv("GITHUB_TOKEN")
	}
}

// HasCredentials reports whether the gateway credentials are complete.
func (c *Config) HasCredentials() bool {
	g := c.Gateway
	return g.ClientID != "" && g.ClientSecret != "" && g.AppKey != ""
}

// CredentialsPath returns the user config file that stores gateway
// credentials.
func CredentialsPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// SaveCredentials writes the gateway credentials to the user config file,
// creating the directory with owner-only permissions.
func (c *Config) SaveCredentials() error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating config dir")
	}
	out := map[string]any{
		"gateway": map[string]string{
			"token_url":     c.Gateway.TokenURL,
			"chat_base_url": c.Gateway.ChatBaseURL,
			"api_version":   c.Gateway.APIVersion,
			"client_id":     c.Gateway.ClientID,
			"client_secret": c.Gateway.ClientSecret,
			"app_key":       c.Gateway.AppKey,
		},
		"model": c.Model,
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return errors.Wrapf(err, "encoding config")
	}
	path := CredentialsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing config")
	}
	return nil
}

// DeleteCredentials removes the user config file.
func DeleteCredentials() error {
	path := CredentialsPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting config")
	}
	return nil
}

// Summary returns a redacted view of the configuration for display.
func (c *Config) Summary() map[string]any {
	idPreview := ""
	if c.Gateway.ClientID != "" {
		id := c.Gateway.ClientID
		if len(id) > 8 {
			id = id[:8]
		}
		idPreview = id + "..."
	}
	return map[string]any{
		"config_dir":        Dir(),
		"model":             c.Model,
		"stream":            c.Stream,
		"auto_approve":      c.AutoApprove,
		"has_credentials":   c.HasCredentials(),
		"client_id_preview": idPreview,
		"mcp_servers":       len(c.MCPServers),
		"ssl_verify":        c.SSL.Enabled,
	}
}
