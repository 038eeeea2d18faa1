// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the program configuration from a YAML file and
// INBOXSHEET_ environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/inboxsheet/internal/homedir"
	"github.com/matta/inboxsheet/internal/normalize"
	"github.com/matta/inboxsheet/internal/retry"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "INBOXSHEET"

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"

	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"
)

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type SpreadsheetConfig struct {
	ID    string `mapstructure:"id"`
	Sheet string `mapstructure:"sheet"`

	// Add a fifth column listing the matched keywords.
	KeywordsColumn bool `mapstructure:"keywords_column"`
}

type GmailConfig struct {
	// Remove processed messages from the inbox as well as
	// marking them read.
	Archive bool `mapstructure:"archive"`

	// Skip listed messages that are no longer unread when fetched.
	UnreadOnly bool `mapstructure:"unread_only"`
}

type StateConfig struct {
	// BackendFile or BackendSQLite.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type CredentialsConfig struct {
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// TokenStoreFile or TokenStoreKeyring.
	TokenStore string `mapstructure:"token_store"`
	TokenFile  string `mapstructure:"token_file"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`

	// Also append log records to this file.
	File string `mapstructure:"file"`
}

// Config is the complete program configuration.
type Config struct {
	// Candidates considered per run.
	MaxItems int    `mapstructure:"max_items"`
	Query    string `mapstructure:"query"`

	// Messages must mention one of these in the subject or body.
	// Empty disables filtering.
	FilterKeywords []string `mapstructure:"filter_keywords"`

	SignatureDelimiters []string `mapstructure:"signature_delimiters"`

	// Body cells are cut to this many characters.  Zero disables
	// truncation.
	MaxBodyLength int `mapstructure:"max_body_length"`

	Retry       RetryConfig       `mapstructure:"retry"`
	Spreadsheet SpreadsheetConfig `mapstructure:"spreadsheet"`
	Gmail       GmailConfig       `mapstructure:"gmail"`
	State       StateConfig       `mapstructure:"state"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Log         LogConfig         `mapstructure:"log"`
}

// Dir returns the directory holding the default configuration, state
// and credential files.
func Dir() string {
	return filepath.Join(homedir.Get(), ".config", "inboxsheet")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	policy := retry.DefaultPolicy()
	v.SetDefault("max_items", 5)
	v.SetDefault("query", "in:inbox is:unread")
	v.SetDefault("filter_keywords", []string{})
	v.SetDefault("signature_delimiters", normalize.DefaultDelimiters)
	v.SetDefault("max_body_length", 2000)
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.multiplier", policy.Multiplier)
	v.SetDefault("spreadsheet.id", "")
	v.SetDefault("spreadsheet.sheet", "Sheet1")
	v.SetDefault("spreadsheet.keywords_column", false)
	v.SetDefault("gmail.archive", false)
	v.SetDefault("gmail.unread_only", true)
	v.SetDefault("state.backend", BackendFile)
	v.SetDefault("state.path", filepath.Join(Dir(), "state.json"))
	v.SetDefault("credentials.client_secret_file", filepath.Join(Dir(), "credentials.json"))
	v.SetDefault("credentials.token_store", TokenStoreFile)
	v.SetDefault("credentials.token_file", filepath.Join(Dir(), "token.json"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads the configuration file at path.  A missing file is not an
// error; defaults and environment variables still apply.  Load does
// not validate; call Validate before running a sync.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.State.Path = homedir.Expand(cfg.State.Path)
	cfg.Credentials.ClientSecretFile = homedir.Expand(cfg.Credentials.ClientSecretFile)
	cfg.Credentials.TokenFile = homedir.Expand(cfg.Credentials.TokenFile)
	cfg.Log.File = homedir.Expand(cfg.Log.File)
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.MaxItems <= 0:
		return errors.Errorf("max_items must be positive, got %d", c.MaxItems)
	case c.MaxBodyLength < 0:
		return errors.Errorf("max_body_length must not be negative, got %d", c.MaxBodyLength)
	case c.Retry.MaxAttempts < 1:
		return errors.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	case c.Retry.BaseDelay < 0:
		return errors.Errorf("retry.base_delay must not be negative, got %v", c.Retry.BaseDelay)
	case c.Retry.Multiplier < 1:
		return errors.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	case c.Spreadsheet.ID == "":
		return errors.New("spreadsheet.id is required")
	case c.State.Backend != BackendFile && c.State.Backend != BackendSQLite:
		return errors.Errorf("state.backend must be %q or %q, got %q",
			BackendFile, BackendSQLite, c.State.Backend)
	case c.State.Path == "":
		return errors.New("state.path is required")
	case c.Credentials.TokenStore != TokenStoreFile && c.Credentials.TokenStore != TokenStoreKeyring:
		return errors.Errorf("credentials.token_store must be %q or %q, got %q",
			TokenStoreFile, TokenStoreKeyring, c.Credentials.TokenStore)
	}
	for i, k := range c.FilterKeywords {
		if strings.TrimSpace(k) == "" {
			return errors.Errorf("filter_keywords[%d] is blank", i)
		}
	}
	if _, err := normalize.New(c.SignatureDelimiters); err != nil {
		return errors.Wrap(err, "signature_delimiters")
	}
	return nil
}

// RetryPolicy returns the executor policy described by c.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay
	p.Multiplier = c.Retry.Multiplier
	return p
}
