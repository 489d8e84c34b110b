package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/baaaht/msgplane/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 4 {
			return parts[3]
		}
		return ""
	})
}

// fileFormat is the configuration file syntax, chosen by extension
type fileFormat int

const (
	formatYAML fileFormat = iota
	formatTOML
)

// detectFormat checks the file path and returns its format
func detectFormat(path string) (fileFormat, error) {
	if path == "" {
		return 0, types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml, .yml or .toml extension, got: "+ext)
	}
}

// decodeYAML validates and parses YAML content
func decodeYAML(data []byte, path string, cfg *Config) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid YAML syntax in "+path, err)
	}
	if node.Kind == 0 && len(node.Content) == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file contains no valid YAML content: "+path)
	}

	if err := node.Decode(cfg); err != nil {
		if typeErr, ok := err.(*yaml.TypeError); ok {
			return types.WrapError(types.ErrCodeInvalidArgument, "YAML type error in "+path, typeErr)
		}
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to parse YAML configuration from "+path, err)
	}
	return nil
}

// decodeTOML parses TOML content and rejects keys that map to no field
func decodeTOML(data []byte, path string, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid TOML syntax in %s at line %d", path, parseErr.Position.Line), err)
		}
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to parse TOML configuration from "+path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return types.NewError(types.ErrCodeInvalidArgument,
			"unknown keys in "+path+": "+strings.Join(keys, ", "))
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or TOML file, applies
// defaults to omitted fields, and validates the result
func LoadFromFile(path string) (*Config, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "configuration file is empty: "+path)
	}

	var cfg Config
	switch format {
	case formatTOML:
		err = decodeTOML(data, path, &cfg)
	default:
		err = decodeYAML(data, path, &cfg)
	}
	if err != nil {
		return nil, err
	}

	interpolateEnvVarsInConfig(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "configuration validation failed for "+path, err)
	}

	return &cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in all string fields
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	for i, ep := range cfg.Transport.Endpoints {
		cfg.Transport.Endpoints[i] = interpolateEnvVars(ep)
	}
	cfg.Transport.WebSocketAddress = interpolateEnvVars(cfg.Transport.WebSocketAddress)
	cfg.Transport.WebSocketPath = interpolateEnvVars(cfg.Transport.WebSocketPath)

	cfg.Metrics.Address = interpolateEnvVars(cfg.Metrics.Address)
	cfg.Metrics.Path = interpolateEnvVars(cfg.Metrics.Path)
	cfg.Health.Address = interpolateEnvVars(cfg.Health.Address)

	cfg.Bridge.NATSURL = interpolateEnvVars(cfg.Bridge.NATSURL)
	cfg.Bridge.SubjectPrefix = interpolateEnvVars(cfg.Bridge.SubjectPrefix)
	cfg.Bridge.ClientName = interpolateEnvVars(cfg.Bridge.ClientName)
}
