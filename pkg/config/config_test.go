package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a minimal configuration that passes validation
func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.Host.Name = "nas"
	cfg.Host.MAC = "aa:bb:cc:dd:ee:ff"
	cfg.Host.IP = "192.168.1.10"
	return cfg
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "powernap.toml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))
	return configFile
}

func TestConfig_LoadFromFile(t *testing.T) {
	// Given a TOML configuration file
	configContent := `
enabled = true
dry_run = false

[state]
dir = "/var/lib/powernap"
lock_timeout = "5s"

[host]
name = "nas"
mac = "aa:bb:cc:dd:ee:ff"
ip = "192.168.1.10"

[host.shutdown]
user = "root"
password = "secret"
command = "poweroff"

[[extra_hosts]]
name = "beamer"
mac = "11:22:33:44:55:66"
ip = "192.168.1.11"
port = 9

[mail]
server = "imap.example.com"
login = "powernap@example.com"
password = "hunter2"
sender = "powernap@example.com"

[intents.power_on]
keywords = ["start server"]
allowed_senders = ["ops@example.com", "ben@example.com"]
weekly_quota = 2

[intents.power_off]
keywords = ["stop server"]
allowed_senders = ["ops@example.com"]

[intents.extend]
keywords = ["extend server"]
allowed_senders = ["ops@example.com"]
weekly_quota = 3

[extension]
default = "2h"
max = "4h"

[schedule]
default_time = "23:00"
latest_time = "01:30"

[quota]
week_start = "sunday"

[pushover]
token = "app-token"
user_key = "user-key"

[probe]
timeout = "3s"
retries = 5
`
	configFile := writeConfigFile(t, configContent)

	// When loading configuration from file
	config, err := LoadFromFile(configFile)

	// Then it should load all values correctly
	require.NoError(t, err)
	assert.True(t, config.Enabled)
	assert.False(t, config.DryRun)
	assert.Equal(t, "/var/lib/powernap", config.State.Dir)
	assert.Equal(t, 5*time.Second, config.State.LockTimeout)
	assert.Equal(t, "nas", config.Host.Name)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", config.Host.MAC)
	assert.Equal(t, "192.168.1.10", config.Host.IP)
	assert.Equal(t, 22, config.Host.Port) // Default
	require.NotNil(t, config.Host.Shutdown)
	assert.Equal(t, "root", config.Host.Shutdown.User)
	assert.Equal(t, "poweroff", config.Host.Shutdown.Command)
	require.Len(t, config.ExtraHosts, 1)
	assert.Equal(t, "beamer", config.ExtraHosts[0].Name)
	assert.Equal(t, 9, config.ExtraHosts[0].Port)
	assert.Nil(t, config.ExtraHosts[0].Shutdown)
	assert.Equal(t, "imap.example.com", config.Mail.Server)
	assert.Equal(t, 993, config.Mail.IMAPPort) // Default
	assert.Equal(t, []string{"start server"}, config.Intents.PowerOn.Keywords)
	assert.Equal(t, 2, config.Intents.PowerOn.WeeklyQuota)
	assert.Equal(t, 0, config.Intents.PowerOff.WeeklyQuota)
	assert.Equal(t, 2*time.Hour, config.Extension.Default)
	assert.Equal(t, 4*time.Hour, config.Extension.Max)
	assert.Equal(t, "23:00", config.Schedule.DefaultTime)
	assert.Equal(t, "sunday", config.Quota.WeekStart)
	assert.Equal(t, "app-token", config.Pushover.Token)
	assert.Equal(t, 3*time.Second, config.Probe.Timeout)
	assert.Equal(t, 5, config.Probe.Retries)
}

func TestConfig_LoadFromFileWithDefaults(t *testing.T) {
	// Given a minimal TOML configuration file
	configContent := `
[host]
name = "nas"
mac = "aa:bb:cc:dd:ee:ff"
ip = "192.168.1.10"
`
	configFile := writeConfigFile(t, configContent)

	// When loading configuration from file
	config, err := LoadFromFile(configFile)

	// Then it should load specified values and use defaults for others
	require.NoError(t, err)
	assert.True(t, config.Enabled)                           // Default
	assert.Equal(t, "/var/lib/powernap", config.State.Dir)   // Default
	assert.Equal(t, 10*time.Second, config.State.LockTimeout) // Default
	assert.Equal(t, 3, config.Intents.PowerOn.WeeklyQuota)   // Default
	assert.Equal(t, 3*time.Hour, config.Extension.Default)   // Default
	assert.Equal(t, 6*time.Hour, config.Extension.Max)       // Default
	assert.Equal(t, "23:30", config.Schedule.DefaultTime)    // Default
	assert.Equal(t, "02:00", config.Schedule.LatestTime)     // Default
	assert.Equal(t, "monday", config.Quota.WeekStart)        // Default
	assert.Equal(t, 5*time.Second, config.Probe.Timeout)     // Default
	assert.Equal(t, 3, config.Probe.Retries)                 // Default
	assert.True(t, config.Probe.ConfirmWake)                 // Default
	assert.Nil(t, config.Host.Shutdown)                      // No shutdown block
}

func TestConfig_LoadFromNonExistentFile(t *testing.T) {
	// When loading configuration from non-existent file
	config, err := LoadFromFile("/non/existent/powernap.toml")

	// Then it should return an error
	require.Error(t, err)
	assert.Nil(t, config)
}

func TestConfig_LoadFromInvalidTOML(t *testing.T) {
	// Given an invalid TOML file
	configContent := `
enabled = true
[invalid toml
`
	configFile := writeConfigFile(t, configContent)

	// When loading configuration from invalid file
	config, err := LoadFromFile(configFile)

	// Then it should return an error
	require.Error(t, err)
	assert.Nil(t, config)
}

func TestConfig_LoadWithDefaults(t *testing.T) {
	// When loading configuration with defaults only
	config := LoadWithDefaults()

	// Then it should return default values
	require.NotNil(t, config)
	assert.True(t, config.Enabled)
	assert.False(t, config.DryRun)
	assert.Equal(t, "/var/lib/powernap", config.State.Dir)
	assert.Equal(t, 22, config.Host.Port)
	assert.Equal(t, 993, config.Mail.IMAPPort)
	assert.Equal(t, 587, config.Mail.SMTPPort)
	assert.Equal(t, "INBOX", config.Mail.Mailbox)
	assert.Equal(t, "/etc/crontabs/root", config.Schedule.CronFile)
	assert.Equal(t, "powernap shutdown", config.Schedule.CronJobMatch)
	assert.Equal(t, "fixed", config.Probe.Backoff)
}

func TestConfig_EnvironmentOverridesFile(t *testing.T) {
	// Given a config file and environment overrides
	configContent := `
dry_run = false

[host]
name = "nas"
mac = "aa:bb:cc:dd:ee:ff"
ip = "192.168.1.10"
`
	configFile := writeConfigFile(t, configContent)
	t.Setenv("POWERNAP_DRY_RUN", "true")
	t.Setenv("POWERNAP_MAIL_PASSWORD", "from-env")

	// When loading with precedence
	config, _, err := LoadWithPrecedenceAndExplicitFlags(configFile, nil, nil, false)

	// Then environment values win over the file
	require.NoError(t, err)
	assert.True(t, config.DryRun)
	assert.Equal(t, "from-env", config.Mail.Password)
}

func TestConfig_ExplicitFlagsOverrideEnvironment(t *testing.T) {
	// Given a file, an environment override, and an explicit CLI flag
	configContent := `
[host]
name = "nas"
mac = "aa:bb:cc:dd:ee:ff"
ip = "192.168.1.10"
`
	configFile := writeConfigFile(t, configContent)
	t.Setenv("POWERNAP_DRY_RUN", "true")

	flagConfig := &Config{DryRun: false}
	explicitFields := map[string]bool{"dry_run": true}

	// When loading with precedence
	config, _, err := LoadWithPrecedenceAndExplicitFlags(configFile, flagConfig, explicitFields, false)

	// Then the explicitly passed flag wins
	require.NoError(t, err)
	assert.False(t, config.DryRun)
}

func TestConfig_MergeWithExplicitFlags(t *testing.T) {
	// Given a base configuration
	base := validConfig()
	base.DryRun = false
	base.Verbose = true
	base.State.Dir = "/var/lib/powernap"

	// And flag values where only dry_run was actually passed
	flags := &Config{DryRun: true, Verbose: false, State: StateConfig{Dir: "/tmp/elsewhere"}}
	explicit := map[string]bool{"dry_run": true}

	// When merging
	result := base.MergeWithExplicitFlags(flags, explicit)

	// Then only the explicit flag overrides the base
	assert.True(t, result.DryRun)
	assert.True(t, result.Verbose)                       // Kept: not explicit
	assert.Equal(t, "/var/lib/powernap", result.State.Dir) // Kept: not explicit
}

func TestConfig_FindConfigFile(t *testing.T) {
	// Given a directory with a dotfile config
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, ".powernap.toml")
	require.NoError(t, os.WriteFile(configFile, []byte("enabled = true"), 0o644))

	// When finding config file in the directory
	found := FindConfigFile(tmpDir)

	// Then it should find the config file
	assert.Equal(t, configFile, found)
}

func TestConfig_FindConfigFilePrefersDotfile(t *testing.T) {
	// Given both a dotfile and a plain config
	tmpDir := t.TempDir()
	dotFile := filepath.Join(tmpDir, ".powernap.toml")
	plainFile := filepath.Join(tmpDir, "powernap.toml")
	require.NoError(t, os.WriteFile(dotFile, []byte("enabled = true"), 0o644))
	require.NoError(t, os.WriteFile(plainFile, []byte("enabled = true"), 0o644))

	// When finding config file
	found := FindConfigFile(tmpDir)

	// Then the dotfile wins
	assert.Equal(t, dotFile, found)
}

func TestConfig_FindConfigFileNotFound(t *testing.T) {
	// When finding config file in directory without config
	found := FindConfigFile(t.TempDir())

	// Then it should return empty string
	assert.Equal(t, "", found)
}

func TestConfig_ValidateAcceptsCompleteConfig(t *testing.T) {
	// Given a complete valid configuration
	cfg := validConfig()
	cfg.Host.Shutdown = &ShutdownConfig{User: "root", Password: "secret", Command: "poweroff"}

	// When validating
	err := cfg.Validate()

	// Then no error is reported
	assert.NoError(t, err)
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing host name",
			mutate:  func(c *Config) { c.Host.Name = "" },
			wantErr: "host.name",
		},
		{
			name:    "malformed mac address",
			mutate:  func(c *Config) { c.Host.MAC = "not-a-mac" },
			wantErr: "host.mac",
		},
		{
			name:    "missing host ip",
			mutate:  func(c *Config) { c.Host.IP = "" },
			wantErr: "host.ip",
		},
		{
			name: "extension max below default",
			mutate: func(c *Config) {
				c.Extension.Default = 2 * time.Hour
				c.Extension.Max = time.Hour
			},
			wantErr: "extension.max",
		},
		{
			name:    "malformed default time",
			mutate:  func(c *Config) { c.Schedule.DefaultTime = "25:99" },
			wantErr: "schedule.default_time",
		},
		{
			name:    "unknown week start day",
			mutate:  func(c *Config) { c.Quota.WeekStart = "someday" },
			wantErr: "quota.week_start",
		},
		{
			name:    "pushover token without user key",
			mutate:  func(c *Config) { c.Pushover.Token = "app-token" },
			wantErr: "pushover",
		},
		{
			name:    "probe retries zero",
			mutate:  func(c *Config) { c.Probe.Retries = 0 },
			wantErr: "probe.retries",
		},
		{
			name:    "negative weekly quota",
			mutate:  func(c *Config) { c.Intents.PowerOn.WeeklyQuota = -1 },
			wantErr: "weekly_quota",
		},
		{
			name: "shutdown block without password",
			mutate: func(c *Config) {
				c.Host.Shutdown = &ShutdownConfig{User: "root", Command: "poweroff"}
			},
			wantErr: "host.shutdown.password",
		},
		{
			name: "mail server without sender",
			mutate: func(c *Config) {
				c.Mail.Server = "imap.example.com"
				c.Mail.Login = "powernap@example.com"
			},
			wantErr: "mail.sender",
		},
		{
			name: "extra host without port",
			mutate: func(c *Config) {
				c.ExtraHosts = []HostConfig{{Name: "beamer", MAC: "11:22:33:44:55:66", IP: "192.168.1.11"}}
			},
			wantErr: "extra_hosts[0].port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_StatePaths(t *testing.T) {
	// Given a configured state directory
	cfg := &Config{State: StateConfig{Dir: "/var/lib/powernap"}}

	// Then the derived paths live inside it
	assert.Equal(t, "/var/lib/powernap/state.json", cfg.StateFile())
	assert.Equal(t, "/var/lib/powernap/audit.log", cfg.AuditFile())
	assert.Equal(t, "/var/lib/powernap/state.lock", cfg.LockFile())
}

func TestParseClock(t *testing.T) {
	// Valid clock times parse to hour and minute
	hour, minute, err := ParseClock("23:30")
	require.NoError(t, err)
	assert.Equal(t, 23, hour)
	assert.Equal(t, 30, minute)

	hour, minute, err = ParseClock("02:00")
	require.NoError(t, err)
	assert.Equal(t, 2, hour)
	assert.Equal(t, 0, minute)

	// Out-of-range and garbage values are rejected
	_, _, err = ParseClock("24:00")
	assert.Error(t, err)
	_, _, err = ParseClock("half past nine")
	assert.Error(t, err)
}

func TestConfig_WeekStartDay(t *testing.T) {
	// Configured day names map to weekdays, empty means Monday
	cfg := &Config{Quota: QuotaConfig{WeekStart: "sunday"}}
	assert.Equal(t, time.Sunday, cfg.WeekStartDay())

	cfg.Quota.WeekStart = "monday"
	assert.Equal(t, time.Monday, cfg.WeekStartDay())

	cfg.Quota.WeekStart = ""
	assert.Equal(t, time.Monday, cfg.WeekStartDay())
}
