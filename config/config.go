package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	ErrCodeNotFound = "config_not_found"
	ErrCodeInvalid  = "config_invalid"
	ErrCodeInit     = "init_failed"
)

// Error is a configuration or initialization failure. It is always fatal.
type Error struct {
	Code string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Key, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Key)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the error code of a *Error anywhere in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

type Engine struct {
	URL string `yaml:"url" mapstructure:"url"`
	// Timeout in seconds for one engine request, streaming included.
	Timeout int `yaml:"timeout" mapstructure:"timeout"`
}

type Video struct {
	FrameInterval    float64 `yaml:"frame_interval" mapstructure:"frame_interval"`
	Threshold        float64 `yaml:"threshold" mapstructure:"threshold"`
	ConfidenceReturn bool    `yaml:"confidence_return" mapstructure:"confidence_return"`
}

type Tags struct {
	Base      string `yaml:"base" mapstructure:"base"`
	TagMe     string `yaml:"tagme" mapstructure:"tagme"`
	Tagged    string `yaml:"tagged" mapstructure:"tagged"`
	Errored   string `yaml:"errored" mapstructure:"errored"`
	Incorrect string `yaml:"incorrect" mapstructure:"incorrect"`
}

// PathMutation rewrites a scene path starting with From so that it starts
// with To. Entries are tried in order and From is matched case-sensitively.
type PathMutation struct {
	From string `yaml:"from" mapstructure:"from"`
	To   string `yaml:"to" mapstructure:"to"`
}

type Root struct {
	LogLevel            string         `yaml:"log_level" mapstructure:"log_level"`
	ConcurrentTaskLimit int            `yaml:"concurrent_task_limit" mapstructure:"concurrent_task_limit"`
	Engine              Engine         `yaml:"engine" mapstructure:"engine"`
	Video               Video          `yaml:"video" mapstructure:"video"`
	Tags                Tags           `yaml:"tags" mapstructure:"tags"`
	CreateMarkers       bool           `yaml:"create_markers" mapstructure:"create_markers"`
	DeleteIncorrect     bool           `yaml:"delete_incorrect_markers" mapstructure:"delete_incorrect_markers"`
	OutputDataDir       string         `yaml:"output_data_dir" mapstructure:"output_data_dir"`
	PathMutation        []PathMutation `yaml:"path_mutation" mapstructure:"path_mutation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("concurrent_task_limit", 10)
	v.SetDefault("engine.url", "http://localhost:8000")
	v.SetDefault("engine.timeout", 3700)
	v.SetDefault("video.frame_interval", 2.0)
	v.SetDefault("video.threshold", 0.3)
	v.SetDefault("video.confidence_return", true)
	v.SetDefault("tags.base", "VLM")
	v.SetDefault("tags.tagme", "VLM_TagMe")
	v.SetDefault("tags.tagged", "VLM_Tagged")
	v.SetDefault("tags.errored", "VLM_Errored")
	v.SetDefault("tags.incorrect", "VLM_Incorrect")
	v.SetDefault("create_markers", true)
	v.SetDefault("delete_incorrect_markers", true)
	v.SetDefault("output_data_dir", "./output_data")
	v.SetDefault("path_mutation", []map[string]string{})
}

// Load reads the configuration. An explicit path must exist; otherwise the
// usual locations are searched and built-in defaults apply when none is found.
// HAVEN_* environment variables override file values
// (e.g. HAVEN_CONCURRENT_TASK_LIMIT, HAVEN_ENGINE_URL).
func Load(path string) (*Root, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, &Error{Code: ErrCodeNotFound, Key: path, Err: err}
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Code: ErrCodeInvalid, Key: path, Err: err}
		}
	} else if found := locate(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Code: ErrCodeInvalid, Key: found, Err: err}
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func locate() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	guess := []string{
		filepath.Join("config", env, "config.yaml"),
		"haven_vlm_config.yaml",
	}
	for _, p := range guess {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// Validate rejects settings no batch can run with.
func (c *Root) Validate() error {
	if c.ConcurrentTaskLimit <= 0 {
		return &Error{Code: ErrCodeInvalid, Key: "concurrent_task_limit",
			Err: fmt.Errorf("must be >= 1, got %d", c.ConcurrentTaskLimit)}
	}
	if c.Video.FrameInterval <= 0 {
		return &Error{Code: ErrCodeInvalid, Key: "video.frame_interval",
			Err: fmt.Errorf("must be > 0, got %g", c.Video.FrameInterval)}
	}
	if c.Video.Threshold < 0 || c.Video.Threshold > 1 {
		return &Error{Code: ErrCodeInvalid, Key: "video.threshold",
			Err: fmt.Errorf("must be within [0,1], got %g", c.Video.Threshold)}
	}
	if strings.TrimSpace(c.Engine.URL) == "" {
		return &Error{Code: ErrCodeInvalid, Key: "engine.url", Err: errors.New("empty")}
	}
	for i, m := range c.PathMutation {
		if m.From == "" {
			return &Error{Code: ErrCodeInvalid, Key: fmt.Sprintf("path_mutation[%d].from", i), Err: errors.New("empty")}
		}
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Root) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Encode(f, cfg)
}

// Encode writes cfg to w as YAML.
func Encode(w io.Writer, cfg *Root) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func DurSeconds(n int) time.Duration { return time.Duration(n) * time.Second }
