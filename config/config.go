package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/migadu/maintenance/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog"
}

// PingConfig controls how server-list pings are answered while global
// maintenance is active.
type PingConfig struct {
	Messages                []string `toml:"messages"`                   // MOTD lines, one is picked at random per ping
	PlayerCountMessage      string   `toml:"player_count_message"`       // Replaces the version name (shown instead of the player count)
	PlayerCountHoverMessage string   `toml:"player_count_hover_message"` // Hover text over the player count
	CustomIcon              bool     `toml:"custom_icon"`                // Serve icon_file as favicon during maintenance
	IconFile                string   `toml:"icon_file"`                  // Relative to data_dir unless absolute
}

// MaintenanceConfig holds the persisted maintenance state and its policy.
type MaintenanceConfig struct {
	Enabled                  bool     `toml:"enabled"`                     // Global maintenance flag
	Servers                  []string `toml:"servers"`                     // Backends under single-backend maintenance
	FallbackServer           string   `toml:"fallback_server"`             // Redirect target for sessions leaving a backend under maintenance
	BypassPermission         string   `toml:"bypass_permission"`           // Host permission that exempts a session
	RedirectTimeout          string   `toml:"redirect_timeout"`            // Upper bound for a fallback connect (default: "10s")
	TimerBroadcastForSeconds []int    `toml:"timer_broadcast_for_seconds"` // Remaining seconds at which timers broadcast
	DataDir                  string   `toml:"data_dir"`                    // Base directory for relative files (icon)
	Debug                    bool     `toml:"debug"`                       // Include full error detail in warnings

	Ping PingConfig `toml:"ping"`
}

// MessagesConfig holds all user-facing templates. Templates support the
// %NEWLINE%, %SERVER% and %TIME% placeholders and &-colour codes.
type MessagesConfig struct {
	Prefix                        string `toml:"prefix"`
	KickMessage                   string `toml:"kick_message"`
	MaintenanceActivated          string `toml:"maintenance_activated"`
	MaintenanceDeactivated        string `toml:"maintenance_deactivated"`
	SingleMaintenanceActivated    string `toml:"single_maintenance_activated"`
	SingleMaintenanceDeactivated  string `toml:"single_maintenance_deactivated"`
	SingleMaintenanceKick         string `toml:"single_maintenance_kick"`
	SingleMaintenanceKickComplete string `toml:"single_maintenance_kick_complete"`
	StartTimerBroadcast           string `toml:"starttimer_broadcast"`
	EndTimerBroadcast             string `toml:"endtimer_broadcast"`
}

// SharedStateConfig configures the optional store that keeps several proxies
// in sync.
type SharedStateConfig struct {
	Enabled      bool   `toml:"enabled"`
	Driver       string `toml:"driver"`        // "sqlite" or "postgres"
	DSN          string `toml:"dsn"`           // Postgres connection string
	Path         string `toml:"path"`          // SQLite database file
	PollInterval string `toml:"poll_interval"` // How often remote changes are picked up (default: "5s")
}

// HostConfig points at the proxy's session control API.
type HostConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	Timeout     string `toml:"timeout"`      // Per-request timeout (default: "5s")
	ListingHook bool   `toml:"listing_hook"` // Toggle the proxy's server-list integration on transitions
}

// HTTPAPIConfig holds HTTP server configuration shared by the admin and hook APIs
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// AdminCLIConfig holds configuration for the maintenance-admin CLI tool
type AdminCLIConfig struct {
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Messages    MessagesConfig    `toml:"messages" notrim:"true"`
	Whitelist   map[string]string `toml:"whitelist"` // uuid -> display name
	SharedState SharedStateConfig `toml:"shared_state"`
	Host        HostConfig        `toml:"host"`
	AdminAPI    HTTPAPIConfig     `toml:"admin_api"`
	HookAPI     HTTPAPIConfig     `toml:"hook_api"`
	Metrics     MetricsConfig     `toml:"metrics"`
	AdminCLI    AdminCLIConfig    `toml:"admin_cli"`
}

// DefaultTimerBroadcastSeconds are the remaining-time marks at which a
// running countdown announces itself.
var DefaultTimerBroadcastSeconds = []int{3600, 1800, 1200, 900, 600, 300, 120, 60, 30, 20, 10, 5, 4, 3, 2, 1}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Maintenance: MaintenanceConfig{
			Enabled:                  false,
			Servers:                  []string{},
			FallbackServer:           "lobby",
			BypassPermission:         "maintenance.bypass",
			RedirectTimeout:          "10s",
			TimerBroadcastForSeconds: append([]int(nil), DefaultTimerBroadcastSeconds...),
			DataDir:                  ".",
			Ping: PingConfig{
				Messages: []string{
					"&cWe are currently performing maintenance.%NEWLINE%&7Please come back later.",
				},
				PlayerCountMessage:      "&4&lMaintenance",
				PlayerCountHoverMessage: "&cThe network is under maintenance",
				CustomIcon:              false,
				IconFile:                "maintenance-icon.png",
			},
		},
		Messages:  DefaultMessages(),
		Whitelist: map[string]string{},
		SharedState: SharedStateConfig{
			Enabled:      false,
			Driver:       "sqlite",
			Path:         "maintenance.db",
			PollInterval: "5s",
		},
		Host: HostConfig{
			BaseURL: "http://127.0.0.1:8081",
			Timeout: "5s",
		},
		AdminAPI: HTTPAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8090",
		},
		HookAPI: HTTPAPIConfig{
			Start: true,
			Addr:  "127.0.0.1:8091",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		AdminCLI: AdminCLIConfig{
			Addr: "http://127.0.0.1:8090",
		},
	}
}

// DefaultMessages returns the built-in message templates.
func DefaultMessages() MessagesConfig {
	return MessagesConfig{
		Prefix:                        "&8[&eMaintenance&8] ",
		KickMessage:                   "&cThe server is currently under maintenance!%NEWLINE%&cTry again later!",
		MaintenanceActivated:          "&cMaintenance mode is now enabled!",
		MaintenanceDeactivated:        "&aMaintenance mode is no longer enabled!",
		SingleMaintenanceActivated:    "&cMaintenance mode is now enabled on the server &e%SERVER%&c!",
		SingleMaintenanceDeactivated:  "&aMaintenance mode is no longer enabled on the server &e%SERVER%&a!",
		SingleMaintenanceKick:         "&cThe server &e%SERVER% &cis under maintenance, you have been sent to the fallback server.",
		SingleMaintenanceKickComplete: "&cThe server &e%SERVER% &cis under maintenance and the fallback server is unavailable!%NEWLINE%&cTry again later!",
		StartTimerBroadcast:           "&cMaintenance mode will be enabled in &e%TIME%&c!",
		EndTimerBroadcast:             "&aMaintenance mode will be disabled in &e%TIME%&a!",
	}
}

// GetRedirectTimeout parses the fallback connect timeout.
func (m *MaintenanceConfig) GetRedirectTimeout() (time.Duration, error) {
	if m.RedirectTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(m.RedirectTimeout)
}

// GetRedirectTimeoutWithDefault returns the redirect timeout, falling back
// to the default on parse errors.
func (m *MaintenanceConfig) GetRedirectTimeoutWithDefault() time.Duration {
	d, err := m.GetRedirectTimeout()
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetIconPath resolves the icon file against the data directory.
func (m *MaintenanceConfig) GetIconPath() string {
	icon := m.Ping.IconFile
	if icon == "" {
		icon = "maintenance-icon.png"
	}
	if filepath.IsAbs(icon) {
		return icon
	}
	dir := m.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, icon)
}

// GetPollInterval parses the shared state poll interval.
func (s *SharedStateConfig) GetPollInterval() (time.Duration, error) {
	if s.PollInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.PollInterval)
}

// GetPollIntervalWithDefault returns the poll interval, never less than one second.
func (s *SharedStateConfig) GetPollIntervalWithDefault() time.Duration {
	d, err := s.GetPollInterval()
	if err != nil || d < time.Second {
		return 5 * time.Second
	}
	return d
}

// GetTimeout parses the host request timeout.
func (h *HostConfig) GetTimeout() (time.Duration, error) {
	if h.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(h.Timeout)
}

// GetTimeoutWithDefault returns the host request timeout or the default on error.
func (h *HostConfig) GetTimeoutWithDefault() time.Duration {
	d, err := h.GetTimeout()
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// WhitelistEntries parses the whitelist keys into UUIDs. Invalid keys are
// skipped and reported through the returned error list.
func (c *Config) WhitelistEntries() (map[uuid.UUID]string, []error) {
	out := make(map[uuid.UUID]string, len(c.Whitelist))
	var errs []error
	for key, name := range c.Whitelist {
		id, err := uuid.Parse(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("whitelist key %q: %w", key, err))
			continue
		}
		out[id] = name
	}
	return out, errs
}

// Validate checks the configuration for values that would make the daemon
// misbehave at runtime.
func (c *Config) Validate() error {
	if _, err := c.Maintenance.GetRedirectTimeout(); err != nil {
		return fmt.Errorf("maintenance.redirect_timeout: %w", err)
	}
	for _, s := range c.Maintenance.TimerBroadcastForSeconds {
		if s <= 0 {
			return fmt.Errorf("maintenance.timer_broadcast_for_seconds: values must be positive, got %d", s)
		}
	}
	for _, s := range c.Maintenance.Servers {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("maintenance.servers: empty backend name")
		}
	}
	if _, err := c.Host.GetTimeout(); err != nil {
		return fmt.Errorf("host.timeout: %w", err)
	}
	if c.SharedState.Enabled {
		switch c.SharedState.Driver {
		case "sqlite":
			if c.SharedState.Path == "" {
				return fmt.Errorf("shared_state.path is required for the sqlite driver")
			}
		case "postgres":
			if c.SharedState.DSN == "" {
				return fmt.Errorf("shared_state.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("shared_state.driver must be 'sqlite' or 'postgres', got %q", c.SharedState.Driver)
		}
		if _, err := c.SharedState.GetPollInterval(); err != nil {
			return fmt.Errorf("shared_state.poll_interval: %w", err)
		}
	}
	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key is required when the admin API is started")
	}
	if c.HookAPI.Start && c.HookAPI.Addr == "" {
		return fmt.Errorf("hook_api.addr is required when the hook API is started")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file. Unknown keys
// are reported as warnings and string values are trimmed.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	if cfg.Whitelist == nil {
		cfg.Whitelist = map[string]string{}
	}
	return nil
}

// SaveToFile writes the configuration back as TOML. The file is replaced
// atomically through a temporary file in the same directory.
func SaveToFile(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temporary config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary config file: %w", err)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// enhanceConfigError adds hints to common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - Whitelist keys are quoted UUIDs, e.g. \"069a79f4-44e9-4726-a5be-fca90e38aaf5\" = \"Notch\"", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String || v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			trimmedKey := strings.TrimSpace(key.String())
			v.SetMapIndex(key, reflect.Value{})
			v.SetMapIndex(reflect.ValueOf(trimmedKey).Convert(v.Type().Key()), reflect.ValueOf(strings.TrimSpace(val.String())).Convert(v.Type().Elem()))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			// Templates keep their whitespace, prefixes rely on trailing spaces.
			if v.Type().Field(i).Tag.Get("notrim") == "true" {
				continue
			}
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
