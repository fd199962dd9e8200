// Package config loads pbschema settings from an embedded default, an
// optional file and the PBSCHEMA_CONFIG_JSON environment variable, in that
// order.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.default.yaml
var defaultConfig []byte

// EnvJSON names the environment variable holding a JSON config overlay.
const EnvJSON = "PBSCHEMA_CONFIG_JSON"

const (
	BackendRemote   = "remote"
	BackendEmbedded = "embedded"
)

type Config struct {
	Dir      string         `key:"dir"`
	Backend  string         `key:"backend"`
	DryRun   bool           `key:"dryRun"`
	LogLevel string         `key:"logLevel"`
	Remote   RemoteConfig   `key:"remote"`
	Embedded EmbeddedConfig `key:"embedded"`
	Ledger   LedgerConfig   `key:"ledger"`
}

type RemoteConfig struct {
	URL          string        `key:"url"`
	Email        string        `key:"email"`
	Password     string        `key:"password"`
	Token        string        `key:"token"`
	Timeout      time.Duration `key:"timeout"`
	Retries      int           `key:"retries"`
	RetryBackoff time.Duration `key:"retryBackoff"`
}

type EmbeddedConfig struct {
	DataDir string `key:"dataDir"`
}

type LedgerConfig struct {
	// Collection is the ledger collection of the remote backend.
	Collection string `key:"collection"`
	// Table is the ledger table of the embedded backend.
	Table      string `key:"table"`
	AppName    string `key:"appName"`
	AutoCreate bool   `key:"autoCreate"`
}

type Format string

var (
	JSONFormat Format = ".json"
	YAMLFormat Format = ".yaml"
	YMLFormat  Format = ".yml"
)

func parser(format Format) (koanf.Parser, error) {
	switch Format(strings.ToLower(string(format))) {
	case JSONFormat:
		return json.Parser(), nil
	case YAMLFormat, YMLFormat:
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("parser not found for format %q", format)
}

// Loader accumulates configuration layers.
type Loader struct {
	kf *koanf.Koanf
}

// NewLoader returns a Loader holding the embedded defaults.
func NewLoader() (*Loader, error) {
	l := &Loader{kf: koanf.New(".")}
	if err := l.Load(YAMLFormat, rawbytes.Provider(defaultConfig)); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}
	return l, nil
}

// Load merges one layer on top of the current state.
func (l *Loader) Load(format Format, provider koanf.Provider) error {
	p, err := parser(format)
	if err != nil {
		return err
	}
	return l.kf.Load(provider, p)
}

// Config unmarshals the merged layers.
func (l *Loader) Config() (Config, error) {
	var c Config
	if err := l.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Print returns the merged configuration with secrets masked.
func (l *Loader) Print() string {
	clone := l.kf.Copy()
	for _, key := range []string{"remote.password", "remote.token"} {
		if clone.String(key) != "" {
			_ = clone.Set(key, "******")
		}
	}
	return clone.Sprint()
}

// Open layers the defaults, the file at path (skipped when empty) and
// PBSCHEMA_CONFIG_JSON into a Loader.
func Open(path string) (*Loader, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}

	if path = strings.TrimSpace(path); path != "" {
		if err := l.Load(Format(filepath.Ext(path)), file.Provider(path)); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if raw := os.Getenv(EnvJSON); raw != "" {
		if err := l.Load(JSONFormat, rawbytes.Provider([]byte(raw))); err != nil {
			return nil, fmt.Errorf("load %s: %w", EnvJSON, err)
		}
	}
	return l, nil
}

// Load builds a Config from the layers read by Open. The result is not
// validated so that callers can apply flag overrides first.
func Load(path string) (Config, error) {
	l, err := Open(path)
	if err != nil {
		return Config{}, err
	}
	return l.Config()
}

// SlogLevel parses LogLevel the way log/slog does. Empty means info.
func (c Config) SlogLevel() (slog.Level, error) {
	level := slog.LevelInfo
	if c.LogLevel == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// Validate checks the settings needed by the selected backend.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Backend, validation.Required, validation.In(BackendRemote, BackendEmbedded)),
		validation.Field(&c.LogLevel, validation.By(validateLogLevel)),
		validation.Field(&c.Remote, validation.When(c.Backend == BackendRemote, validation.By(validateRemote))),
		validation.Field(&c.Embedded, validation.When(c.Backend == BackendEmbedded, validation.By(validateEmbedded))),
	)
}

func validateLogLevel(value any) error {
	s, _ := value.(string)
	if _, err := (Config{LogLevel: s}).SlogLevel(); err != nil {
		return validation.NewError("validation_log_level", "must be debug, info, warn or error")
	}
	return nil
}

func validateRemote(value any) error {
	r, _ := value.(RemoteConfig)
	err := validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required),
		validation.Field(&r.Retries, validation.Min(0)),
		validation.Field(&r.Timeout, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return err
	}
	if r.Token == "" && (r.Email == "" || r.Password == "") {
		return errors.New("either token or email and password are required")
	}
	return nil
}

func validateEmbedded(value any) error {
	e, _ := value.(EmbeddedConfig)
	return validation.ValidateStruct(&e,
		validation.Field(&e.DataDir, validation.Required),
	)
}
