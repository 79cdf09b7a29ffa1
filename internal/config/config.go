package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/httprunner/AttendAgent/internal/env"
	"github.com/httprunner/AttendAgent/pkg/attendance"
	"github.com/httprunner/AttendAgent/pkg/publish"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// ATTEND_SETTINGS_SYNC_INTERVAL_SECONDS.
	EnvPrefix = "ATTEND"

	EnvConfigPath     = "ATTEND_CONFIG"
	DefaultConfigPath = "config/devices.yaml"
)

// Settings holds the scheduling and retention knobs.
type Settings struct {
	SyncIntervalSeconds      int    `mapstructure:"sync_interval_seconds" yaml:"sync_interval_seconds" json:"sync_interval_seconds"`
	MaxRetries               int    `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	TimeoutSeconds           int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	RetentionDays            int    `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`
	InterDeviceDelayMS       int    `mapstructure:"inter_device_delay_ms" yaml:"inter_device_delay_ms" json:"inter_device_delay_ms"`
	TickSeconds              int    `mapstructure:"tick_seconds" yaml:"tick_seconds" json:"tick_seconds"`
	MaintenanceTime          string `mapstructure:"maintenance_time" yaml:"maintenance_time" json:"maintenance_time"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	ShutdownGraceSeconds     int    `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds"`
}

// SyncInterval is the period of the sync job.
func (s Settings) SyncInterval() time.Duration { return seconds(s.SyncIntervalSeconds) }

// ConnectTimeout bounds a single terminal connect.
func (s Settings) ConnectTimeout() time.Duration { return seconds(s.TimeoutSeconds) }

func (s Settings) Tick() time.Duration { return seconds(s.TickSeconds) }

func (s Settings) Heartbeat() time.Duration { return seconds(s.HeartbeatIntervalSeconds) }

func (s Settings) ShutdownGrace() time.Duration { return seconds(s.ShutdownGraceSeconds) }

// InterDeviceDelay is the pause between two devices of one pass.
func (s Settings) InterDeviceDelay() time.Duration {
	return time.Duration(s.InterDeviceDelayMS) * time.Millisecond
}

// MaintenanceClock parses MaintenanceTime as hour and minute.
func (s Settings) MaintenanceClock() (hour, minute int, err error) {
	ts, err := time.Parse("15:04", strings.TrimSpace(s.MaintenanceTime))
	if err != nil {
		return 0, 0, errors.Errorf("invalid maintenance_time %q, want HH:MM", s.MaintenanceTime)
	}
	return ts.Hour(), ts.Minute(), nil
}

// Metrics configures the optional Prometheus endpoint.
type Metrics struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty" json:"addr,omitempty"`
}

// Config is the whole configuration document.
type Config struct {
	Settings Settings            `mapstructure:"settings" yaml:"settings" json:"settings"`
	Devices  []attendance.Device `mapstructure:"-" yaml:"devices" json:"devices"`
	Storage  storage.Config      `mapstructure:"storage" yaml:"storage" json:"storage"`
	Publish  publish.Config      `mapstructure:"publish" yaml:"publish,omitempty" json:"publish,omitempty"`
	Metrics  Metrics             `mapstructure:"metrics" yaml:"metrics,omitempty" json:"metrics,omitempty"`

	path string
}

// deviceEntry accepts the legacy "ip" key and tells an omitted "enabled"
// apart from false.
type deviceEntry struct {
	DeviceID string `mapstructure:"device_id"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	IP       string `mapstructure:"ip"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Enabled  *bool  `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
}

// ResolvePath returns flagPath, then $ATTEND_CONFIG, then the default.
func ResolvePath(flagPath string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	return String(EnvConfigPath, DefaultConfigPath)
}

// Load reads and validates the YAML document at path. Environment variables
// prefixed with ATTEND_ override scalar keys.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "configuration file not found: %s", path)
	}
	_ = env.Ensure()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read configuration %s", path)
	}
	applyLegacyKeys(v)
	cfg := &Config{path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	var entries []deviceEntry
	if err := v.UnmarshalKey("devices", &entries); err != nil {
		return nil, errors.Wrap(err, "decode devices")
	}
	cfg.Devices = make([]attendance.Device, 0, len(entries))
	for _, e := range entries {
		cfg.Devices = append(cfg.Devices, e.device())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("settings.sync_interval_seconds", def.Settings.SyncIntervalSeconds)
	v.SetDefault("settings.max_retries", def.Settings.MaxRetries)
	v.SetDefault("settings.timeout_seconds", def.Settings.TimeoutSeconds)
	v.SetDefault("settings.retention_days", def.Settings.RetentionDays)
	v.SetDefault("settings.inter_device_delay_ms", def.Settings.InterDeviceDelayMS)
	v.SetDefault("settings.tick_seconds", def.Settings.TickSeconds)
	v.SetDefault("settings.maintenance_time", def.Settings.MaintenanceTime)
	v.SetDefault("settings.heartbeat_interval_seconds", def.Settings.HeartbeatIntervalSeconds)
	v.SetDefault("settings.shutdown_grace_seconds", def.Settings.ShutdownGraceSeconds)
	v.SetDefault("storage.driver", def.Storage.Driver)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("publish.redis_addr", "")
	v.SetDefault("publish.redis_password", "")
	v.SetDefault("publish.redis_db", 0)
	v.SetDefault("publish.stream", publish.DefaultStream)
	v.SetDefault("metrics.addr", "")
}

var legacyKeys = map[string]string{
	"settings.sync_interval":       "settings.sync_interval_seconds",
	"settings.timeout":             "settings.timeout_seconds",
	"settings.data_retention_days": "settings.retention_days",
}

// applyLegacyKeys honours the older key names unless the current name is
// also present in the file.
func applyLegacyKeys(v *viper.Viper) {
	for legacy, key := range legacyKeys {
		if v.InConfig(legacy) && !v.InConfig(key) {
			v.Set(key, v.Get(legacy))
		}
	}
}

// Default returns the built-in settings with no devices.
func Default() *Config {
	return &Config{
		Settings: Settings{
			SyncIntervalSeconds:      3600,
			MaxRetries:               3,
			TimeoutSeconds:           5,
			RetentionDays:            30,
			InterDeviceDelayMS:       1000,
			TickSeconds:              5,
			MaintenanceTime:          "00:00",
			HeartbeatIntervalSeconds: 3600,
			ShutdownGraceSeconds:     3,
		},
		Storage: storage.Config{Driver: storage.DriverSQLite},
		Publish: publish.Config{Stream: publish.DefaultStream},
	}
}

func (e deviceEntry) device() attendance.Device {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		host = strings.TrimSpace(e.IP)
	}
	port := e.Port
	if port == 0 {
		port = attendance.DefaultPort
	}
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return attendance.Device{
		DeviceID: strings.TrimSpace(e.DeviceID),
		Name:     strings.TrimSpace(e.Name),
		Host:     host,
		Port:     port,
		Username: e.Username,
		Password: e.Password,
		Enabled:  enabled,
		Timezone: strings.TrimSpace(e.Timezone),
	}
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// EnabledDevices returns enabled devices in configuration order.
func (c *Config) EnabledDevices() []attendance.Device {
	out := make([]attendance.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Device looks up a device by id.
func (c *Config) Device(id string) (attendance.Device, error) {
	for _, d := range c.Devices {
		if d.DeviceID == id {
			return d, nil
		}
	}
	return attendance.Device{}, errors.Errorf("device with ID %q not found", id)
}

// Summary is the loggable view of a configuration.
type Summary struct {
	SyncIntervalSeconds int      `json:"sync_interval_seconds" yaml:"sync_interval_seconds"`
	MaxRetries          int      `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds      int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetentionDays       int      `json:"retention_days" yaml:"retention_days"`
	TotalDevices        int      `json:"total_devices" yaml:"total_devices"`
	EnabledDevices      int      `json:"enabled_devices" yaml:"enabled_devices"`
	DeviceNames         []string `json:"device_names" yaml:"device_names"`
	StorageDriver       string   `json:"storage_driver" yaml:"storage_driver"`
}

// Summary reports the settings and enabled devices.
func (c *Config) Summary() Summary {
	enabled := c.EnabledDevices()
	names := make([]string, 0, len(enabled))
	for _, d := range enabled {
		names = append(names, d.Name)
	}
	driver := c.Storage.Driver
	if driver == "" {
		driver = storage.DriverSQLite
	}
	return Summary{
		SyncIntervalSeconds: c.Settings.SyncIntervalSeconds,
		MaxRetries:          c.Settings.MaxRetries,
		TimeoutSeconds:      c.Settings.TimeoutSeconds,
		RetentionDays:       c.Settings.RetentionDays,
		TotalDevices:        len(c.Devices),
		EnabledDevices:      len(enabled),
		DeviceNames:         names,
		StorageDriver:       driver,
	}
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	masked.Devices = make([]attendance.Device, len(c.Devices))
	for i, d := range c.Devices {
		if d.Password != "" {
			d.Password = "***"
		}
		masked.Devices[i] = d
	}
	if masked.Storage.DSN != "" {
		masked.Storage.DSN = "***"
	}
	if masked.Publish.RedisPassword != "" {
		masked.Publish.RedisPassword = "***"
	}
	return yaml.Marshal(&masked)
}

// ValidationError reports an unusable configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks the rules the orchestrator relies on.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return &ValidationError{Reason: "no devices configured"}
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			return &ValidationError{Field: field, Reason: "device name cannot be empty"}
		}
		if d.Host == "" {
			return &ValidationError{Field: field, Reason: "IP address cannot be empty for device: " + d.Name}
		}
		if d.DeviceID == "" {
			return &ValidationError{Field: field, Reason: "device ID cannot be empty for device: " + d.Name}
		}
		if d.Port <= 0 || d.Port > 65535 {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("invalid port number %d for device: %s", d.Port, d.Name)}
		}
		if _, dup := seen[d.DeviceID]; dup {
			return &ValidationError{Field: field, Reason: "duplicate device ID: " + d.DeviceID}
		}
		seen[d.DeviceID] = struct{}{}
	}
	s := c.Settings
	if s.SyncIntervalSeconds <= 0 {
		return &ValidationError{Field: "settings.sync_interval_seconds", Reason: "must be positive"}
	}
	if s.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "settings.timeout_seconds", Reason: "must be positive"}
	}
	if s.MaxRetries < 0 || s.RetentionDays < 0 || s.InterDeviceDelayMS < 0 {
		return &ValidationError{Field: "settings", Reason: "max_retries, retention_days and inter_device_delay_ms cannot be negative"}
	}
	if _, _, err := s.MaintenanceClock(); err != nil {
		return &ValidationError{Field: "settings.maintenance_time", Reason: err.Error()}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
