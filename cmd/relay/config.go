package main

import (
	"os"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
)

// Config is the merged result of built-in defaults, an optional YAML file,
// and CLI flags, in that increasing order of precedence (SPEC_FULL.md §4.9).
type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	MCPPort       int    `yaml:"mcp_port"`
	ClaudeCommand string `yaml:"claude"`
	Resume        bool   `yaml:"resume"`
	LogLevel      string `yaml:"log_level"`
	LogJSON       bool   `yaml:"log_json"`
	HostfsBase    string `yaml:"hostfs_base"`
}

func defaultConfig() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		Host:          defaults.RelayHost,
		Port:          defaults.RelayPort,
		MCPPort:       defaults.MCPPort,
		ClaudeCommand: defaults.DefaultClaudeCommand,
		LogLevel:      "info",
		HostfsBase:    cwd,
	}
}

// loadFileConfig reads an optional YAML config file. Fields it doesn't set
// are left at their zero value and ignored by mergeFile.
func loadFileConfig(path string) (Config, error) {
	var fc Config
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, trace.Wrap(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, trace.Wrap(err, "parsing config file %s", path)
	}
	return fc, nil
}

// mergeFile overlays non-zero fields of fc onto cfg.
func (cfg *Config) mergeFile(fc Config) {
	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.MCPPort != 0 {
		cfg.MCPPort = fc.MCPPort
	}
	if fc.ClaudeCommand != "" {
		cfg.ClaudeCommand = fc.ClaudeCommand
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.HostfsBase != "" {
		cfg.HostfsBase = fc.HostfsBase
	}
	cfg.Resume = cfg.Resume || fc.Resume
	cfg.LogJSON = cfg.LogJSON || fc.LogJSON
}

// mergeFlags overlays only flags the user actually passed on the command
// line, so CLI values win over YAML, and YAML wins over defaults.
func (cfg *Config) mergeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("mcp-port") {
		cfg.MCPPort, _ = f.GetInt("mcp-port")
	}
	if f.Changed("claude") {
		cfg.ClaudeCommand, _ = f.GetString("claude")
	}
	if f.Changed("resume") {
		cfg.Resume, _ = f.GetBool("resume")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-json") {
		cfg.LogJSON, _ = f.GetBool("log-json")
	}
	if f.Changed("hostfs-base") {
		cfg.HostfsBase, _ = f.GetString("hostfs-base")
	}
}

// resolveConfig builds the final Config for one invocation of the root
// command: defaults, then an optional --config file, then explicit flags.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	cfg := defaultConfig()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return cfg, trace.Wrap(err)
		}
		cfg.mergeFile(fc)
	}

	cfg.mergeFlags(cmd)
	return cfg, nil
}
