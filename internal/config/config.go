package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration written as a string ("24h") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds application configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Storage Storage `toml:"storage"`
	Pool    Pool    `toml:"pool"`
	Cleanup Cleanup `toml:"cleanup"`
	Log     Log     `toml:"log"`
}

type Server struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port" validate:"min=1,max=65535"`
	MaxUploadMB     int      `toml:"max_upload_mb" validate:"min=1,max=1024"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" validate:"gt=0"`
}

type Storage struct {
	DataDir    string `toml:"data_dir" validate:"required"`
	DBPath     string `toml:"db_path" validate:"required"`
	UploadsDir string `toml:"uploads_dir" validate:"required"`
	ResultsDir string `toml:"results_dir" validate:"required"`
}

type Pool struct {
	Size       int      `toml:"size" validate:"min=1"`
	QueueSize  int      `toml:"queue_size" validate:"min=1"`
	JobTimeout Duration `toml:"job_timeout" validate:"gt=0"`
	Heartbeat  Duration `toml:"heartbeat" validate:"gt=0"`
}

type Cleanup struct {
	Retention        Duration `toml:"retention" validate:"gte=0"`
	StaleAfter       Duration `toml:"stale_after" validate:"gt=0"`
	UploadsRetention Duration `toml:"uploads_retention" validate:"gte=0"`
}

type Log struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// DefaultDataDir returns the default data directory using XDG_CACHE_HOME.
func DefaultDataDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "extractor")
}

// DefaultConfigPath returns the default config file using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "extractor", "config.toml")
}

// Default returns the built-in configuration. Storage paths are filled in
// from the data directory by Load.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8081,
			MaxUploadMB:     50,
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Storage: Storage{
			DataDir: DefaultDataDir(),
		},
		Pool: Pool{
			Size:       4,
			QueueSize:  64,
			JobTimeout: Duration{10 * time.Minute},
			Heartbeat:  Duration{30 * time.Second},
		},
		Cleanup: Cleanup{
			Retention:        Duration{24 * time.Hour},
			StaleAfter:       Duration{15 * time.Minute},
			UploadsRetention: Duration{time.Hour},
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the config file and the
// environment, in that order. An empty path means EXTRACTOR_CONFIG or the
// default location; only an explicitly named file has to exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("EXTRACTOR_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigPath()
		}
	}

	md, err := toml.DecodeFile(path, cfg)
	switch {
	case err == nil:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"EXTRACTOR_HOST":       &c.Server.Host,
		"EXTRACTOR_DB":         &c.Storage.DBPath,
		"EXTRACTOR_DATA_DIR":   &c.Storage.DataDir,
		"EXTRACTOR_LOG_LEVEL":  &c.Log.Level,
		"EXTRACTOR_LOG_FORMAT": &c.Log.Format,
	}
	ints := map[string]*int{
		"EXTRACTOR_PORT":          &c.Server.Port,
		"EXTRACTOR_WORKERS":       &c.Pool.Size,
		"EXTRACTOR_QUEUE_SIZE":    &c.Pool.QueueSize,
		"EXTRACTOR_MAX_UPLOAD_MB": &c.Server.MaxUploadMB,
	}
	durations := map[string]*Duration{
		"EXTRACTOR_RETENTION":   &c.Cleanup.Retention,
		"EXTRACTOR_JOB_TIMEOUT": &c.Pool.JobTimeout,
	}

	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

func (c *Config) resolvePaths() {
	if c.Storage.DataDir == "" {
		return
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "jobs.db")
	}
	if c.Storage.UploadsDir == "" {
		c.Storage.UploadsDir = filepath.Join(c.Storage.DataDir, "uploads")
	}
	if c.Storage.ResultsDir == "" {
		c.Storage.ResultsDir = filepath.Join(c.Storage.DataDir, "results")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		return f.Interface().(Duration).Duration
	}, Duration{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", field, rule))
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// MaxUploadBytes is the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}
