package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks an invalid configuration.
var ErrConfig = errors.New("invalid configuration")

const (
	DefaultRetries        = 3
	DefaultConnectTimeout = 30 * time.Second
	DefaultReceiveTimeout = 60 * time.Second
	DefaultUserAgent      = "Mozilla/5.0 (compatible; gfetch/1.0)"

	// MaxChunks is the largest number of parts a download may be split into.
	MaxChunks = 9

	envPrefix = "GFETCH_"
)

// UI modes.
const (
	UIAuto    = "auto"
	UITUI     = "tui"
	UIConsole = "console"
	UIQuiet   = "quiet"
)

// Config holds the settings of one gfetch invocation. Source and Output
// only ever come from the command line.
type Config struct {
	Source string `yaml:"-"`
	Output string `yaml:"-"`

	Verb      string `yaml:"verb"`
	Data      string `yaml:"data"`
	Referrer  string `yaml:"referrer"`
	UserAgent string `yaml:"user_agent"`

	RangeStart int64 `yaml:"range_start"`
	RangeEnd   int64 `yaml:"range_end"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	Retries        int           `yaml:"retries"`

	NoProxy    bool `yaml:"no_proxy"`
	NoRedirect bool `yaml:"no_redirect"`
	Insecure   bool `yaml:"insecure"`
	ForceCRL   bool `yaml:"force_crl"`

	Update      bool `yaml:"update"`
	KeepFailed  bool `yaml:"keep_failed"`
	SetFileTime bool `yaml:"set_file_time"`
	Checksum    bool `yaml:"checksum"`
	Notify      bool `yaml:"notify"`
	Verbose     bool `yaml:"verbose"`

	Chunks   int    `yaml:"chunks"`
	UI       string `yaml:"ui"`
	StateDir string `yaml:"state_dir"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Verb:           "GET",
		UserAgent:      DefaultUserAgent,
		ConnectTimeout: DefaultConnectTimeout,
		ReceiveTimeout: DefaultReceiveTimeout,
		Retries:        DefaultRetries,
		Chunks:         1,
		UI:             UIAuto,
	}
}

// DefaultPath returns $HOME/.gfetch.yaml, or "" when there is no home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gfetch.yaml")
}

// LoadFromFile returns the defaults overlaid with the YAML file at path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays the settings present in the YAML file at path.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return nil
}

// LoadFromEnv returns the defaults overlaid with the environment.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays GFETCH_* environment variables, after loading an
// optional .env file from the working directory.
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load() // ignore error if .env not found

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("VERB", &c.Verb)
	str("REFERRER", &c.Referrer)
	str("USER_AGENT", &c.UserAgent)
	str("UI", &c.UI)
	str("STATE_DIR", &c.StateDir)
	str("LOG_FILE", &c.LogFile)
	integer("RETRIES", &c.Retries)
	integer("CHUNKS", &c.Chunks)
	duration("CONNECT_TIMEOUT", &c.ConnectTimeout)
	duration("RECEIVE_TIMEOUT", &c.ReceiveTimeout)
	boolean("NO_PROXY", &c.NoProxy)
	boolean("NO_REDIRECT", &c.NoRedirect)
	boolean("INSECURE", &c.Insecure)
	boolean("FORCE_CRL", &c.ForceCRL)
	boolean("KEEP_FAILED", &c.KeepFailed)
	boolean("SET_FILE_TIME", &c.SetFileTime)
	boolean("CHECKSUM", &c.Checksum)
	boolean("NOTIFY", &c.Notify)
	boolean("VERBOSE", &c.Verbose)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the settings before anything is connected. It returns the
// warnings that do not prevent the run.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	invalid := func(format string, args ...any) ([]string, error) {
		return warnings, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}

	c.Verb = strings.ToUpper(strings.TrimSpace(c.Verb))

	switch {
	case c.Source == "":
		return invalid("required parameter <source> is missing")
	case c.Output == "":
		return invalid("required parameter <output> is missing")
	case c.Insecure && c.ForceCRL:
		return invalid("insecure mode and forced revocation checks are mutually exclusive")
	case c.Retries < 0:
		return invalid("retry count must not be negative")
	case c.ConnectTimeout < 0 || c.ReceiveTimeout < 0:
		return invalid("timeouts must not be negative")
	case c.RangeStart < 0 || c.RangeEnd < 0:
		return invalid("range offsets must not be negative")
	case c.RangeEnd > 0 && c.RangeEnd < c.RangeStart:
		return invalid("range end %d is before range start %d", c.RangeEnd, c.RangeStart)
	case c.Chunks < 1 || c.Chunks > MaxChunks:
		return invalid("chunk count must be between 1 and %d", MaxChunks)
	}

	switch c.Verb {
	case "GET", "POST", "PUT", "DELETE", "HEAD":
	default:
		return invalid("unknown HTTP verb %q", c.Verb)
	}

	switch c.UI {
	case UIAuto, UITUI, UIConsole, UIQuiet:
	default:
		return invalid("unknown ui mode %q", c.UI)
	}

	if c.Chunks > 1 {
		switch {
		case c.Verb != "GET":
			return invalid("split downloads only support GET")
		case c.Update:
			return invalid("split downloads cannot be combined with update mode")
		case c.RangeStart > 0 || c.RangeEnd > 0:
			return invalid("split downloads cannot be combined with a byte range")
		case c.Output == "-" || strings.EqualFold(c.Output, "NUL") || c.Output == os.DevNull || strings.HasPrefix(c.Output, "s3://"):
			return invalid("split downloads need a file output")
		}
	}

	if c.Data != "" && c.Verb != "POST" && c.Verb != "PUT" {
		warnings = append(warnings, fmt.Sprintf("Sending data with a %s request, the server may ignore it.", c.Verb))
	}
	if c.Update && c.Verb != "GET" {
		warnings = append(warnings, "Update mode is only meaningful for GET requests.")
	}
	return warnings, nil
}
