package proc

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AarC10/ipcbench/lib/ipc"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Configuration holds the settings shared by the calculator and the manager.
// Both processes must load the same transport section.
type Configuration struct {
	Name           string         `yaml:"name"`
	Transport      string         `yaml:"transport"`
	Pipe           PipeConfig     `yaml:"pipe"`
	Socket         SocketConfig   `yaml:"socket"`
	Shm            ShmConfig      `yaml:"shm"`
	MaxMessageSize int            `yaml:"max_message_size"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	IOTimeout      time.Duration  `yaml:"io_timeout"`
	Retry          RetryConfig    `yaml:"retry"`
	Report         ReportConfig   `yaml:"report"`
	Database       DatabaseConfig `yaml:"database"`

	kind ipc.Kind
}

type PipeConfig struct {
	Path string `yaml:"path"`
}

type SocketConfig struct {
	Path string `yaml:"path"`
}

type ShmConfig struct {
	Dir      string `yaml:"dir"`
	Name     string `yaml:"name"`
	SlotSize int    `yaml:"slot_size"`
	Slots    int    `yaml:"slots"`
}

type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ReportConfig controls what the manager prints.
type ReportConfig struct {
	Label string `yaml:"label"`
	Mode  Mode   `yaml:"mode"`
}

// DatabaseConfig points at an optional InfluxDB that receives each run's result.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Version int    `yaml:"version"` // 1 (UDP line protocol) or 2 (HTTP client)
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

const (
	defaultConfigName = "ipc_bench"
	defaultLabel      = "count"
	envPrefix         = "IPCBENCH"
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Configuration {
	cfg := &Configuration{}
	if err := cfg.finalize(); err != nil {
		panic(err)
	}
	return cfg
}

// ParseConfig parses a YAML configuration file and returns a Configuration struct
func ParseConfig(filename string) (*Configuration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses a YAML formatted byte slice, fills in defaults and
// validates the result.
func ParseConfigBytes(data []byte) (*Configuration, error) {
	cfg := &Configuration{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from IPCBENCH_* environment variables, for
// example IPCBENCH_TRANSPORT=shm or IPCBENCH_SHM_SLOTS=1, then revalidates.
func ApplyEnv(cfg *Configuration) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setString("name", &cfg.Name)
	setString("transport", &cfg.Transport)
	setString("pipe.path", &cfg.Pipe.Path)
	setString("socket.path", &cfg.Socket.Path)
	setString("shm.dir", &cfg.Shm.Dir)
	setString("shm.name", &cfg.Shm.Name)
	setInt("shm.slot_size", &cfg.Shm.SlotSize)
	setInt("shm.slots", &cfg.Shm.Slots)
	setInt("max_message_size", &cfg.MaxMessageSize)
	setDuration("connect_timeout", &cfg.ConnectTimeout)
	setDuration("io_timeout", &cfg.IOTimeout)
	setInt("retry.attempts", &cfg.Retry.Attempts)
	setDuration("retry.backoff", &cfg.Retry.Backoff)
	setDuration("retry.max_backoff", &cfg.Retry.MaxBackoff)
	setString("report.label", &cfg.Report.Label)
	if v.IsSet("report.mode") {
		cfg.Report.Mode = Mode(v.GetString("report.mode"))
	}
	if v.IsSet("database.enabled") {
		cfg.Database.Enabled = v.GetBool("database.enabled")
	}
	setString("database.url", &cfg.Database.URL)
	setString("database.token", &cfg.Database.Token)

	return cfg.finalize()
}

// SetTransport switches the transport, as the -transport flag does.
func (c *Configuration) SetTransport(name string) error {
	c.Transport = name
	return c.finalize()
}

// SetReport overrides the report label and mode, as the manager's -label and
// -mode flags do. Empty values keep the configured ones.
func (c *Configuration) SetReport(label string, mode Mode) error {
	if label != "" {
		c.Report.Label = label
	}
	if mode != "" {
		c.Report.Mode = mode
	}
	return c.finalize()
}

// Kind returns the validated transport kind.
func (c *Configuration) Kind() ipc.Kind { return c.kind }

// Endpoint returns the ipc configuration for the selected transport.
func (c *Configuration) Endpoint() ipc.Config {
	return ipc.Config{
		Kind:           c.kind,
		PipePath:       c.Pipe.Path,
		SocketPath:     c.Socket.Path,
		ShmDir:         c.Shm.Dir,
		ShmName:        c.Shm.Name,
		SlotSize:       c.Shm.SlotSize,
		Slots:          c.Shm.Slots,
		MaxMessageSize: c.MaxMessageSize,
		ConnectTimeout: c.ConnectTimeout,
		IOTimeout:      c.IOTimeout,
		Retry: ipc.RetryPolicy{
			Attempts:   c.Retry.Attempts,
			Backoff:    c.Retry.Backoff,
			MaxBackoff: c.Retry.MaxBackoff,
		},
	}
}

// finalize sets default values for anything not specified and rejects
// inconsistent settings.
func (c *Configuration) finalize() error {
	if c.Name == "" {
		c.Name = defaultConfigName
	}
	if c.Transport == "" {
		c.Transport = ipc.KindPipe.String()
	}
	kind, err := ipc.ParseKind(c.Transport)
	if err != nil {
		return err
	}
	c.kind = kind

	if c.Pipe.Path == "" {
		c.Pipe.Path = ipc.DefaultPipePath
	}
	if c.Socket.Path == "" {
		c.Socket.Path = ipc.DefaultSocketPath
	}
	if len(c.Socket.Path) >= 108 {
		return fmt.Errorf("socket path %q is too long for a unix socket", c.Socket.Path)
	}
	if c.Shm.Dir == "" {
		c.Shm.Dir = ipc.DefaultShmDir
	}
	if c.Shm.Name == "" {
		c.Shm.Name = ipc.DefaultShmName
	}
	if strings.ContainsRune(c.Shm.Name, '/') {
		return fmt.Errorf("shm name %q must not contain '/'", c.Shm.Name)
	}

	if c.Shm.SlotSize == 0 {
		c.Shm.SlotSize = ipc.DefaultShmSlotSize
	} else if c.Shm.SlotSize < 0 {
		return fmt.Errorf("shm slot_size must be positive, got %d", c.Shm.SlotSize)
	}
	if c.Shm.Slots == 0 {
		c.Shm.Slots = ipc.DefaultShmSlots
	}
	if err := ipc.ValidShmSlots(c.Shm.Slots); err != nil {
		return err
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = ipc.DefaultMaxMessageSize
	} else if c.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = ipc.DefaultConnectTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = ipc.DefaultIOTimeout
	}
	if c.ConnectTimeout < 0 || c.IOTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = ipc.DefaultRetryAttempts
	} else if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = ipc.DefaultRetryBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = ipc.DefaultRetryMaxBackoff
	}
	if c.Retry.MaxBackoff < c.Retry.Backoff {
		return fmt.Errorf("retry max_backoff %s is shorter than backoff %s", c.Retry.MaxBackoff, c.Retry.Backoff)
	}

	if c.Report.Label == "" {
		c.Report.Label = defaultLabel
	}
	if c.Report.Mode == "" {
		c.Report.Mode = ModeTotal
	}
	if err := c.Report.Mode.validate(); err != nil {
		return err
	}

	if c.Database.Enabled {
		switch c.Database.Version {
		case 0, 1:
			c.Database.Version = 1
			if c.Database.Host == "" {
				c.Database.Host = "localhost"
			}
			if c.Database.Port == 0 {
				c.Database.Port = 8089
			}
		case 2:
			if c.Database.URL == "" {
				return fmt.Errorf("database url is required for influxdb v2")
			}
		default:
			return fmt.Errorf("database version specified as %d, instead of 1 or 2", c.Database.Version)
		}
	}
	return nil
}
