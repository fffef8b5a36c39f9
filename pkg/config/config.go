package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the powernap CLI
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	DryRun  bool `mapstructure:"dry_run"`
	Verbose bool `mapstructure:"verbose"`

	State      StateConfig     `mapstructure:"state"`
	Host       HostConfig      `mapstructure:"host"`
	ExtraHosts []HostConfig    `mapstructure:"extra_hosts"`
	Mail       MailConfig      `mapstructure:"mail"`
	Intents    IntentsConfig   `mapstructure:"intents"`
	Extension  ExtensionConfig `mapstructure:"extension"`
	Schedule   ScheduleConfig  `mapstructure:"schedule"`
	Quota      QuotaConfig     `mapstructure:"quota"`
	Pushover   PushoverConfig  `mapstructure:"pushover"`
	Probe      ProbeConfig     `mapstructure:"probe"`
}

// StateConfig locates the persisted ledger/schedule state and its lock
type StateConfig struct {
	Dir         string        `mapstructure:"dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// HostConfig describes one managed machine
type HostConfig struct {
	Name     string          `mapstructure:"name"`
	MAC      string          `mapstructure:"mac"`
	IP       string          `mapstructure:"ip"`
	Port     int             `mapstructure:"port"`
	Shutdown *ShutdownConfig `mapstructure:"shutdown"`
}

// ShutdownConfig is the remote shutdown descriptor for a host.
// A host without one cannot receive shutdown actions.
type ShutdownConfig struct {
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Port     int           `mapstructure:"port"`
	Command  string        `mapstructure:"command"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MailConfig holds IMAP polling and SMTP reply settings
type MailConfig struct {
	Server   string        `mapstructure:"server"`
	IMAPPort int           `mapstructure:"imap_port"`
	SMTPPort int           `mapstructure:"smtp_port"`
	Login    string        `mapstructure:"login"`
	Password string        `mapstructure:"password"`
	Sender   string        `mapstructure:"sender"`
	Mailbox  string        `mapstructure:"mailbox"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IntentsConfig groups the per-intent trigger policies
type IntentsConfig struct {
	PowerOn  IntentConfig `mapstructure:"power_on"`
	PowerOff IntentConfig `mapstructure:"power_off"`
	Extend   IntentConfig `mapstructure:"extend"`
}

// IntentConfig is the policy for one mail-triggered intent
type IntentConfig struct {
	Keywords       []string `mapstructure:"keywords"`
	AllowedSenders []string `mapstructure:"allowed_senders"`
	WeeklyQuota    int      `mapstructure:"weekly_quota"`
}

// ExtensionConfig bounds schedule extensions
type ExtensionConfig struct {
	Default time.Duration `mapstructure:"default"`
	Max     time.Duration `mapstructure:"max"`
}

// ScheduleConfig describes the daily shutdown schedule and its cron mirror
type ScheduleConfig struct {
	DefaultTime  string `mapstructure:"default_time"`
	LatestTime   string `mapstructure:"latest_time"`
	CronFile     string `mapstructure:"cron_file"`
	CronJobMatch string `mapstructure:"cron_job_match"`
}

// QuotaConfig holds the weekly credit reset settings
type QuotaConfig struct {
	WeekStart string `mapstructure:"week_start"`
}

// PushoverConfig holds the operator push notification settings
type PushoverConfig struct {
	Token   string `mapstructure:"token"`
	UserKey string `mapstructure:"user_key"`
	Sound   string `mapstructure:"sound"`
	Device  string `mapstructure:"device"`
}

// ProbeConfig tunes the reachability probe used before and after actions
type ProbeConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	Delay       time.Duration `mapstructure:"delay"`
	Backoff     string        `mapstructure:"backoff"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	ConfirmWake bool          `mapstructure:"confirm_wake"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// ConfigSource represents where a configuration value came from
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceConfigFile
	SourceEnvironment
	SourceCLIFlag
)

func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceConfigFile:
		return "config file"
	case SourceEnvironment:
		return "environment variable"
	case SourceCLIFlag:
		return "CLI flag"
	default:
		return "unknown"
	}
}

// ConfigDebugInfo holds debugging information about configuration resolution
type ConfigDebugInfo struct {
	Sources map[string]ConfigSource
	Values  map[string]interface{}
}

// envMappings maps POWERNAP_* environment variables to config keys.
// Secrets are expected to arrive this way rather than sitting in the file.
var envMappings = map[string]string{
	"POWERNAP_ENABLED":           "enabled",
	"POWERNAP_DRY_RUN":           "dry_run",
	"POWERNAP_VERBOSE":           "verbose",
	"POWERNAP_STATE_DIR":         "state.dir",
	"POWERNAP_MAIL_SERVER":       "mail.server",
	"POWERNAP_MAIL_LOGIN":        "mail.login",
	"POWERNAP_MAIL_PASSWORD":     "mail.password",
	"POWERNAP_SSH_PASSWORD":      "host.shutdown.password",
	"POWERNAP_PUSHOVER_TOKEN":    "pushover.token",
	"POWERNAP_PUSHOVER_USER_KEY": "pushover.user_key",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	v.SetConfigFile(configFile)
	v.SetConfigType("toml")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into config struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadWithEnvironment loads configuration with environment variable support
func LoadWithEnvironment() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure environment variable support
	v.SetEnvPrefix("POWERNAP")
	v.AutomaticEnv()

	for envVar, configKey := range envMappings {
		v.BindEnv(configKey, envVar)
	}

	// Unmarshal into config struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadWithPrecedenceAndExplicitFlags loads configuration with full precedence
// support: defaults, then config file, then environment, then explicit flags.
func LoadWithPrecedenceAndExplicitFlags(configFile string, flagConfig *Config, explicitFields map[string]bool, debug bool) (*Config, *ConfigDebugInfo, error) {
	var debugInfo *ConfigDebugInfo
	if debug {
		debugInfo = &ConfigDebugInfo{
			Sources: make(map[string]ConfigSource),
			Values:  make(map[string]interface{}),
		}
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)
	if debug {
		recordDefaults(debugInfo, v)
	}

	// Load config file if specified
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, debugInfo, fmt.Errorf("failed to read config file: %w", err)
		}
		if debug {
			recordConfigFile(debugInfo, v)
		}
	}

	// Configure environment variable support
	v.SetEnvPrefix("POWERNAP")
	v.AutomaticEnv()

	for envVar, configKey := range envMappings {
		v.BindEnv(configKey, envVar)
	}

	if debug {
		recordEnvironment(debugInfo)
	}

	// Unmarshal into config struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, debugInfo, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply CLI flag overrides with explicit field tracking
	if flagConfig != nil && explicitFields != nil {
		config = *config.MergeWithExplicitFlags(flagConfig, explicitFields)
		if debug {
			recordExplicitFlags(debugInfo, flagConfig, explicitFields)
		}
	}

	// Validate final configuration
	if err := config.Validate(); err != nil {
		return nil, debugInfo, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, debugInfo, nil
}

// LoadWithDefaults returns a configuration with default values
func LoadWithDefaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	v.Unmarshal(&config)
	return &config
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("dry_run", false)
	v.SetDefault("verbose", false)

	v.SetDefault("state.dir", "/var/lib/powernap")
	v.SetDefault("state.lock_timeout", 10*time.Second)

	v.SetDefault("host.port", 22)

	v.SetDefault("mail.imap_port", 993)
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.mailbox", "INBOX")
	v.SetDefault("mail.timeout", 30*time.Second)

	v.SetDefault("intents.power_on.weekly_quota", 3)
	v.SetDefault("intents.power_off.weekly_quota", 0)
	v.SetDefault("intents.extend.weekly_quota", 3)

	v.SetDefault("extension.default", 3*time.Hour)
	v.SetDefault("extension.max", 6*time.Hour)

	v.SetDefault("schedule.default_time", "23:30")
	v.SetDefault("schedule.latest_time", "02:00")
	v.SetDefault("schedule.cron_file", "/etc/crontabs/root")
	v.SetDefault("schedule.cron_job_match", "powernap shutdown")

	v.SetDefault("quota.week_start", "monday")

	v.SetDefault("pushover.sound", "")
	v.SetDefault("pushover.device", "")

	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.retries", 3)
	v.SetDefault("probe.delay", 2*time.Second)
	v.SetDefault("probe.backoff", "fixed")
	v.SetDefault("probe.multiplier", 2.0)
	v.SetDefault("probe.max_delay", time.Duration(0))
	v.SetDefault("probe.confirm_wake", true)
}

// MergeWithExplicitFlags merges configuration with explicitly set flag values.
// Only flags the user actually passed override the file/environment values,
// so a default-valued flag never masks a configured setting.
func (c *Config) MergeWithExplicitFlags(flags *Config, explicitFields map[string]bool) *Config {
	result := *c // Copy base config

	if explicitFields["dry_run"] {
		result.DryRun = flags.DryRun
	}
	if explicitFields["verbose"] {
		result.Verbose = flags.Verbose
	}
	if explicitFields["state.dir"] {
		result.State.Dir = flags.State.Dir
	}

	return &result
}

// FindConfigFile searches for a configuration file in the given directory.
// It looks for .powernap.toml, powernap.toml, .powernap.yaml, powernap.yaml files.
func FindConfigFile(dir string) string {
	configNames := []string{".powernap.toml", "powernap.toml", ".powernap.yaml", "powernap.yaml"}

	for _, name := range configNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

// StateFile returns the path of the persisted ledger/schedule state
func (c *Config) StateFile() string {
	return filepath.Join(c.State.Dir, "state.json")
}

// AuditFile returns the path of the append-only audit log
func (c *Config) AuditFile() string {
	return filepath.Join(c.State.Dir, "audit.log")
}

// LockFile returns the path of the state lock file
func (c *Config) LockFile() string {
	return filepath.Join(c.State.Dir, "state.lock")
}

// WeekStartDay returns the configured first day of the credit week
func (c *Config) WeekStartDay() time.Weekday {
	day, _ := parseWeekday(c.Quota.WeekStart)
	return day
}

// DefaultClock returns the configured daily shutdown time as hour and minute
func (s *ScheduleConfig) DefaultClock() (int, int) {
	hour, minute, _ := ParseClock(s.DefaultTime)
	return hour, minute
}

// LatestClock returns the configured latest shutdown time as hour and minute
func (s *ScheduleConfig) LatestClock() (int, int) {
	hour, minute, _ := ParseClock(s.LatestTime)
	return hour, minute
}

// ParseClock parses a "HH:MM" clock string
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}

func parseWeekday(value string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sunday":
		return time.Sunday, nil
	case "monday", "":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Monday, fmt.Errorf("unknown weekday %q", value)
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errors []ValidationError

	// Validate state
	if c.State.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "must not be empty",
		})
	}
	if c.State.LockTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "state.lock_timeout",
			Value:   c.State.LockTimeout,
			Message: "must be greater than 0",
		})
	}

	// Validate primary host
	errors = append(errors, validateHost("host", &c.Host)...)

	// Validate extra hosts
	for i := range c.ExtraHosts {
		field := fmt.Sprintf("extra_hosts[%d]", i)
		errors = append(errors, validateHost(field, &c.ExtraHosts[i])...)
	}

	// Validate mail settings when a server is configured
	if c.Mail.Server != "" {
		if c.Mail.Login == "" {
			errors = append(errors, ValidationError{
				Field:   "mail.login",
				Value:   c.Mail.Login,
				Message: "must not be empty when mail.server is set",
			})
		}
		if c.Mail.Sender == "" {
			errors = append(errors, ValidationError{
				Field:   "mail.sender",
				Value:   c.Mail.Sender,
				Message: "must not be empty when mail.server is set",
			})
		}
		if c.Mail.IMAPPort < 1 || c.Mail.IMAPPort > 65535 {
			errors = append(errors, ValidationError{
				Field:   "mail.imap_port",
				Value:   c.Mail.IMAPPort,
				Message: "must be between 1 and 65535",
			})
		}
		if c.Mail.SMTPPort < 1 || c.Mail.SMTPPort > 65535 {
			errors = append(errors, ValidationError{
				Field:   "mail.smtp_port",
				Value:   c.Mail.SMTPPort,
				Message: "must be between 1 and 65535",
			})
		}
		if c.Mail.Timeout <= 0 {
			errors = append(errors, ValidationError{
				Field:   "mail.timeout",
				Value:   c.Mail.Timeout,
				Message: "must be greater than 0",
			})
		}
	}

	// Validate intent quotas
	for field, intent := range map[string]IntentConfig{
		"intents.power_on":  c.Intents.PowerOn,
		"intents.power_off": c.Intents.PowerOff,
		"intents.extend":    c.Intents.Extend,
	} {
		if intent.WeeklyQuota < 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".weekly_quota",
				Value:   intent.WeeklyQuota,
				Message: "must be non-negative",
			})
		}
	}

	// Validate extension window
	if c.Extension.Default <= 0 {
		errors = append(errors, ValidationError{
			Field:   "extension.default",
			Value:   c.Extension.Default,
			Message: "must be greater than 0",
		})
	}
	if c.Extension.Max < c.Extension.Default {
		errors = append(errors, ValidationError{
			Field:   "extension.max",
			Value:   c.Extension.Max,
			Message: "must be greater than or equal to extension.default",
		})
	}

	// Validate schedule clock times
	if _, _, err := ParseClock(c.Schedule.DefaultTime); err != nil {
		errors = append(errors, ValidationError{
			Field:   "schedule.default_time",
			Value:   c.Schedule.DefaultTime,
			Message: "must be a HH:MM clock time",
		})
	}
	if _, _, err := ParseClock(c.Schedule.LatestTime); err != nil {
		errors = append(errors, ValidationError{
			Field:   "schedule.latest_time",
			Value:   c.Schedule.LatestTime,
			Message: "must be a HH:MM clock time",
		})
	}

	// Validate week start day
	if _, err := parseWeekday(c.Quota.WeekStart); err != nil {
		errors = append(errors, ValidationError{
			Field:   "quota.week_start",
			Value:   c.Quota.WeekStart,
			Message: "must be a weekday name",
		})
	}

	// Validate pushover pairing
	if (c.Pushover.Token == "") != (c.Pushover.UserKey == "") {
		errors = append(errors, ValidationError{
			Field:   "pushover",
			Value:   "",
			Message: "token and user_key must be set together",
		})
	}

	// Validate probe settings
	if c.Probe.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "probe.timeout",
			Value:   c.Probe.Timeout,
			Message: "must be greater than 0",
		})
	}
	if c.Probe.Retries < 1 {
		errors = append(errors, ValidationError{
			Field:   "probe.retries",
			Value:   c.Probe.Retries,
			Message: "must be at least 1",
		})
	}
	if c.Probe.Retries > 100 {
		errors = append(errors, ValidationError{
			Field:   "probe.retries",
			Value:   c.Probe.Retries,
			Message: "must be 100 or less to keep invocations short-lived",
		})
	}
	if c.Probe.Backoff != "" && c.Probe.Backoff != "fixed" && c.Probe.Backoff != "exponential" && c.Probe.Backoff != "jitter" {
		errors = append(errors, ValidationError{
			Field:   "probe.backoff",
			Value:   c.Probe.Backoff,
			Message: "must be 'fixed', 'exponential' or 'jitter'",
		})
	}
	if c.Probe.Delay < 0 {
		errors = append(errors, ValidationError{
			Field:   "probe.delay",
			Value:   c.Probe.Delay,
			Message: "must be non-negative",
		})
	}
	if c.Probe.Multiplier < 1.0 {
		errors = append(errors, ValidationError{
			Field:   "probe.multiplier",
			Value:   c.Probe.Multiplier,
			Message: "must be 1.0 or greater",
		})
	}

	// Return combined error if any validation failed
	if len(errors) > 0 {
		var messages []string
		for _, err := range errors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}

// validateHost checks one host block
func validateHost(field string, h *HostConfig) []ValidationError {
	var errors []ValidationError

	if h.Name == "" {
		errors = append(errors, ValidationError{
			Field:   field + ".name",
			Value:   h.Name,
			Message: "must not be empty",
		})
	}
	if h.MAC == "" {
		errors = append(errors, ValidationError{
			Field:   field + ".mac",
			Value:   h.MAC,
			Message: "must not be empty",
		})
	} else if _, err := net.ParseMAC(h.MAC); err != nil {
		errors = append(errors, ValidationError{
			Field:   field + ".mac",
			Value:   h.MAC,
			Message: "must be a valid hardware address",
		})
	}
	if h.IP == "" {
		errors = append(errors, ValidationError{
			Field:   field + ".ip",
			Value:   h.IP,
			Message: "must not be empty",
		})
	}
	if h.Port < 1 || h.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   field + ".port",
			Value:   h.Port,
			Message: "must be between 1 and 65535",
		})
	}

	if h.Shutdown != nil {
		if h.Shutdown.User == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".shutdown.user",
				Value:   h.Shutdown.User,
				Message: "must not be empty",
			})
		}
		if h.Shutdown.Password == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".shutdown.password",
				Value:   "",
				Message: "must not be empty",
			})
		}
		if h.Shutdown.Command == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".shutdown.command",
				Value:   h.Shutdown.Command,
				Message: "must not be empty",
			})
		}
		if h.Shutdown.Port < 0 || h.Shutdown.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   field + ".shutdown.port",
				Value:   h.Shutdown.Port,
				Message: "must be between 0 and 65535 (0 means 22)",
			})
		}
		if h.Shutdown.Timeout < 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".shutdown.timeout",
				Value:   h.Shutdown.Timeout,
				Message: "must be non-negative (0 means 30s)",
			})
		}
	}

	return errors
}

// debugKeys are the configuration keys tracked by --debug-config
var debugKeys = []string{
	"enabled", "dry_run", "verbose", "state.dir", "state.lock_timeout",
	"mail.server", "mail.login", "pushover.token", "pushover.user_key",
}

// recordDefaults records default values in debug info
func recordDefaults(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range debugKeys {
		debug.Sources[key] = SourceDefault
		debug.Values[key] = v.Get(key)
	}
}

// recordConfigFile records config file values in debug info
func recordConfigFile(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range debugKeys {
		if v.InConfig(key) {
			debug.Sources[key] = SourceConfigFile
			debug.Values[key] = v.Get(key)
		}
	}
}

// recordEnvironment records environment variable values in debug info
func recordEnvironment(debug *ConfigDebugInfo) {
	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			debug.Sources[configKey] = SourceEnvironment
			if strings.Contains(strings.ToLower(configKey), "password") || strings.Contains(configKey, "token") {
				debug.Values[configKey] = "(redacted)"
			} else {
				debug.Values[configKey] = value
			}
		}
	}
}

// recordExplicitFlags records CLI flag values that were explicitly set in debug info
func recordExplicitFlags(debug *ConfigDebugInfo, flags *Config, explicitFields map[string]bool) {
	if explicitFields["dry_run"] {
		debug.Sources["dry_run"] = SourceCLIFlag
		debug.Values["dry_run"] = flags.DryRun
	}
	if explicitFields["verbose"] {
		debug.Sources["verbose"] = SourceCLIFlag
		debug.Values["verbose"] = flags.Verbose
	}
	if explicitFields["state.dir"] {
		debug.Sources["state.dir"] = SourceCLIFlag
		debug.Values["state.dir"] = flags.State.Dir
	}
}

// PrintDebugInfo prints configuration debug information
func (debug *ConfigDebugInfo) PrintDebugInfo() {
	fmt.Println("Configuration Resolution Debug Info:")
	fmt.Println("===================================")

	for _, key := range debugKeys {
		source, ok := debug.Sources[key]
		if !ok {
			continue
		}
		value := debug.Values[key]
		fmt.Printf("%-20s: %-15v (from %s)\n", key, value, source)
	}
}
