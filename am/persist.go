package am

import (
	"encoding/json"
	"os"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/segpulse/errors"
)

// Output formats for Render
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Render serialises cfg for `segpulse am show`.
// Tokens are redacted so the output is safe to paste.
func Render(cfg *Config, format string) ([]byte, error) {
	redacted := *cfg
	if len(cfg.Server.Tokens) > 0 {
		redacted.Server.Tokens = make([]TokenConfig, len(cfg.Server.Tokens))
		for i, tok := range cfg.Server.Tokens {
			redacted.Server.Tokens[i] = TokenConfig{Token: redact(tok.Token), UserID: tok.UserID}
		}
	}
	if redacted.Storage.Minio.SecretKey != "" {
		redacted.Storage.Minio.SecretKey = "****"
	}

	switch format {
	case FormatTOML, "":
		return toml.Marshal(redacted)
	case FormatYAML:
		return yaml.Marshal(redacted)
	case FormatJSON:
		return json.MarshalIndent(redacted, "", "  ")
	default:
		return nil, errors.Newf("unknown format %q (use toml, yaml or json)", format)
	}
}

// WriteDefault writes a starter config file, rotating an existing one to .back1
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".back1"); err != nil {
			return errors.Wrap(err, "failed to back up existing config")
		}
	}

	// AllSettings keeps the snake_case keys Load expects
	data, err := toml.Marshal(newViper().AllSettings())
	if err != nil {
		return errors.Wrap(err, "failed to marshal default config")
	}
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
