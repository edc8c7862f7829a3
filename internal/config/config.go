// Package config holds the turret's immutable runtime configuration.
//
// A Config is built once at startup, either from Default() or by Load, and
// then injected by value into every component. Nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SimulatedPort selects the simulated device link instead of a serial port.
const SimulatedPort = "DUMMY"

// Zone is a restricted heading × elevation rectangle in degrees. Edges are inclusive.
type Zone struct {
	HeadingMin   float64 `json:"heading_min" mapstructure:"heading_min"`
	HeadingMax   float64 `json:"heading_max" mapstructure:"heading_max"`
	ElevationMin float64 `json:"elevation_min" mapstructure:"elevation_min"`
	ElevationMax float64 `json:"elevation_max" mapstructure:"elevation_max"`
}

// Contains reports whether (heading, elevation) lies inside the zone.
func (z Zone) Contains(heading, elevation float64) bool {
	return z.HeadingMin <= heading && heading <= z.HeadingMax &&
		z.ElevationMin <= elevation && elevation <= z.ElevationMax
}

// Board is the aiming position of a named engagement board.
type Board struct {
	Heading   float64 `json:"heading" mapstructure:"heading"`
	Elevation float64 `json:"elevation" mapstructure:"elevation"`
}

type DeviceConfig struct {
	Port     string `json:"port" mapstructure:"port"`
	BaudRate int    `json:"baud_rate" mapstructure:"baud_rate"`
	// PendingTTL bounds how long an unclaimed reply is kept. It must cover
	// the longest await, or a waiter can lose its reply to the sweep.
	PendingTTL     time.Duration `json:"pending_ttl" mapstructure:"pending_ttl"`
	CloseTimeout   time.Duration `json:"close_timeout" mapstructure:"close_timeout"`
	SimTemperature float64       `json:"sim_temperature" mapstructure:"sim_temperature"`
}

// Simulated reports whether the device link should run without hardware.
func (d DeviceConfig) Simulated() bool {
	return d.Port == "" || strings.EqualFold(d.Port, SimulatedPort)
}

type GimbalConfig struct {
	HeadingRange   float64          `json:"heading_range" mapstructure:"heading_range"`
	ElevationRange float64          `json:"elevation_range" mapstructure:"elevation_range"`
	DefaultSpeed   int              `json:"default_speed" mapstructure:"default_speed"`
	MoveTimeout    time.Duration    `json:"move_timeout" mapstructure:"move_timeout"`
	Tolerance      float64          `json:"tolerance" mapstructure:"tolerance"`
	Zones          []Zone           `json:"zones" mapstructure:"zones"`
	Boards         map[string]Board `json:"boards" mapstructure:"boards"`
}

// HeadingLimits returns the symmetric heading bounds.
func (g GimbalConfig) HeadingLimits() (min, max float64) {
	return -g.HeadingRange / 2, g.HeadingRange / 2
}

// ElevationLimits returns the elevation bounds.
func (g GimbalConfig) ElevationLimits() (min, max float64) {
	return 0, g.ElevationRange
}

type EffectorConfig struct {
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

type SafetyConfig struct {
	MaxTemperature  float64       `json:"max_temperature" mapstructure:"max_temperature"`
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	StatusTimeout   time.Duration `json:"status_timeout" mapstructure:"status_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type AssistConfig struct {
	LockTolerancePx   float64       `json:"lock_tolerance_px" mapstructure:"lock_tolerance_px"`
	MinLockConfidence float64       `json:"min_lock_confidence" mapstructure:"min_lock_confidence"`
	FireDuration      time.Duration `json:"fire_duration" mapstructure:"fire_duration"`
}

type AutonomousConfig struct {
	Gain            float64       `json:"gain" mapstructure:"gain"`
	LockTolerancePx float64       `json:"lock_tolerance_px" mapstructure:"lock_tolerance_px"`
	Dwell           time.Duration `json:"dwell" mapstructure:"dwell"`
	Cooldown        time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

type EngagementConfig struct {
	CompletionCooldown time.Duration `json:"completion_cooldown" mapstructure:"completion_cooldown"`
}

type ModesConfig struct {
	SessionTimeout time.Duration    `json:"session_timeout" mapstructure:"session_timeout"`
	Assist         AssistConfig     `json:"assist" mapstructure:"assist"`
	Autonomous     AutonomousConfig `json:"autonomous" mapstructure:"autonomous"`
	Engagement     EngagementConfig `json:"engagement" mapstructure:"engagement"`
}

type DetectionConfig struct {
	Classes []string `json:"classes" mapstructure:"classes"`
	Profile string   `json:"profile" mapstructure:"profile"`
}

type JournalConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

type ServerConfig struct {
	Listen     string `json:"listen" mapstructure:"listen"`
	GRPCListen string `json:"grpc_listen" mapstructure:"grpc_listen"`
}

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// Config is the complete turret configuration.
type Config struct {
	Device    DeviceConfig    `json:"device" mapstructure:"device"`
	Gimbal    GimbalConfig    `json:"gimbal" mapstructure:"gimbal"`
	Effector  EffectorConfig  `json:"effector" mapstructure:"effector"`
	Safety    SafetyConfig    `json:"safety" mapstructure:"safety"`
	Modes     ModesConfig     `json:"modes" mapstructure:"modes"`
	Detection DetectionConfig `json:"detection" mapstructure:"detection"`
	Journal   JournalConfig   `json:"journal" mapstructure:"journal"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Port:           SimulatedPort,
			BaudRate:       115200,
			PendingTTL:     10 * time.Second,
			CloseTimeout:   time.Second,
			SimTemperature: 25.0,
		},
		Gimbal: GimbalConfig{
			HeadingRange:   270,
			ElevationRange: 60,
			DefaultSpeed:   50,
			MoveTimeout:    10 * time.Second,
			Tolerance:      1.0,
			Zones: []Zone{
				{HeadingMin: -180, HeadingMax: -90, ElevationMin: 0, ElevationMax: 60},
				{HeadingMin: 90, HeadingMax: 180, ElevationMin: 0, ElevationMax: 60},
			},
			Boards: map[string]Board{
				"A": {Heading: -45, Elevation: 30},
				"B": {Heading: 45, Elevation: 30},
			},
		},
		Effector: EffectorConfig{Timeout: 2 * time.Second},
		Safety: SafetyConfig{
			MaxTemperature:  75.0,
			PollInterval:    time.Second,
			StatusTimeout:   500 * time.Millisecond,
			ShutdownTimeout: 2 * time.Second,
		},
		Modes: ModesConfig{
			SessionTimeout: 300 * time.Second,
			Assist: AssistConfig{
				LockTolerancePx:   15,
				MinLockConfidence: 0.55,
				FireDuration:      1500 * time.Millisecond,
			},
			Autonomous: AutonomousConfig{
				Gain:            0.1,
				LockTolerancePx: 20,
				Dwell:           time.Second,
				Cooldown:        2 * time.Second,
			},
			Engagement: EngagementConfig{CompletionCooldown: 5 * time.Second},
		},
		Detection: DetectionConfig{
			Classes: []string{"balloon", "red_balloon", "blue_balloon"},
			Profile: "balanced",
		},
		Journal: JournalConfig{Path: "turret.db"},
		Server:  ServerConfig{Listen: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024

var configTypes = map[string]string{
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
}

// Load builds a Config from defaults, the optional file at path and TURRET_*
// environment overrides, then normalises and validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("TURRET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		cleanPath := filepath.Clean(path)
		configType, ok := configTypes[strings.ToLower(filepath.Ext(cleanPath))]
		if !ok {
			return Config{}, fmt.Errorf("config file must be .json, .yaml or .toml, got %q", filepath.Ext(cleanPath))
		}
		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to stat config file: %w", err)
		}
		if fileInfo.Size() > maxFileSize {
			return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("device.port", d.Device.Port)
	v.SetDefault("device.baud_rate", d.Device.BaudRate)
	v.SetDefault("device.pending_ttl", d.Device.PendingTTL)
	v.SetDefault("device.close_timeout", d.Device.CloseTimeout)
	v.SetDefault("device.sim_temperature", d.Device.SimTemperature)

	v.SetDefault("gimbal.heading_range", d.Gimbal.HeadingRange)
	v.SetDefault("gimbal.elevation_range", d.Gimbal.ElevationRange)
	v.SetDefault("gimbal.default_speed", d.Gimbal.DefaultSpeed)
	v.SetDefault("gimbal.move_timeout", d.Gimbal.MoveTimeout)
	v.SetDefault("gimbal.tolerance", d.Gimbal.Tolerance)
	zones := make([]map[string]any, 0, len(d.Gimbal.Zones))
	for _, z := range d.Gimbal.Zones {
		zones = append(zones, map[string]any{
			"heading_min":   z.HeadingMin,
			"heading_max":   z.HeadingMax,
			"elevation_min": z.ElevationMin,
			"elevation_max": z.ElevationMax,
		})
	}
	v.SetDefault("gimbal.zones", zones)
	boards := make(map[string]any, len(d.Gimbal.Boards))
	for id, b := range d.Gimbal.Boards {
		boards[id] = map[string]any{"heading": b.Heading, "elevation": b.Elevation}
	}
	v.SetDefault("gimbal.boards", boards)

	v.SetDefault("effector.timeout", d.Effector.Timeout)

	v.SetDefault("safety.max_temperature", d.Safety.MaxTemperature)
	v.SetDefault("safety.poll_interval", d.Safety.PollInterval)
	v.SetDefault("safety.status_timeout", d.Safety.StatusTimeout)
	v.SetDefault("safety.shutdown_timeout", d.Safety.ShutdownTimeout)

	v.SetDefault("modes.session_timeout", d.Modes.SessionTimeout)
	v.SetDefault("modes.assist.lock_tolerance_px", d.Modes.Assist.LockTolerancePx)
	v.SetDefault("modes.assist.min_lock_confidence", d.Modes.Assist.MinLockConfidence)
	v.SetDefault("modes.assist.fire_duration", d.Modes.Assist.FireDuration)
	v.SetDefault("modes.autonomous.gain", d.Modes.Autonomous.Gain)
	v.SetDefault("modes.autonomous.lock_tolerance_px", d.Modes.Autonomous.LockTolerancePx)
	v.SetDefault("modes.autonomous.dwell", d.Modes.Autonomous.Dwell)
	v.SetDefault("modes.autonomous.cooldown", d.Modes.Autonomous.Cooldown)
	v.SetDefault("modes.engagement.completion_cooldown", d.Modes.Engagement.CompletionCooldown)

	v.SetDefault("detection.classes", d.Detection.Classes)
	v.SetDefault("detection.profile", d.Detection.Profile)

	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.grpc_listen", d.Server.GRPCListen)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Normalize canonicalises values that viper or users may vary in case.
// Board ids are upper-cased since viper lower-cases map keys.
func (c *Config) Normalize() {
	if len(c.Gimbal.Boards) > 0 {
		boards := make(map[string]Board, len(c.Gimbal.Boards))
		for id, b := range c.Gimbal.Boards {
			boards[strings.ToUpper(strings.TrimSpace(id))] = b
		}
		c.Gimbal.Boards = boards
	}
	c.Detection.Profile = strings.ToLower(strings.TrimSpace(c.Detection.Profile))
}

// BoardIDs returns the configured board ids in sorted order.
func (c Config) BoardIDs() []string {
	ids := make([]string, 0, len(c.Gimbal.Boards))
	for id := range c.Gimbal.Boards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Device.Simulated() || c.Device.BaudRate > 0, "device.baud_rate must be positive, got %d", c.Device.BaudRate)
	check(c.Device.PendingTTL > 0, "device.pending_ttl must be positive")
	check(c.Device.CloseTimeout > 0, "device.close_timeout must be positive")

	g := c.Gimbal
	check(g.HeadingRange > 0 && g.HeadingRange <= 360, "gimbal.heading_range must be in (0, 360], got %v", g.HeadingRange)
	check(g.ElevationRange > 0 && g.ElevationRange <= 180, "gimbal.elevation_range must be in (0, 180], got %v", g.ElevationRange)
	check(g.DefaultSpeed > 0 && g.DefaultSpeed <= 100, "gimbal.default_speed must be in (0, 100], got %d", g.DefaultSpeed)
	check(g.MoveTimeout > 0, "gimbal.move_timeout must be positive")
	check(g.Tolerance > 0, "gimbal.tolerance must be positive")
	for i, z := range g.Zones {
		check(z.HeadingMin <= z.HeadingMax, "gimbal.zones[%d]: heading_min > heading_max", i)
		check(z.ElevationMin <= z.ElevationMax, "gimbal.zones[%d]: elevation_min > elevation_max", i)
	}
	for id, b := range g.Boards {
		check(id != "", "gimbal.boards: empty board id")
		hMin, hMax := g.HeadingLimits()
		vMin, vMax := g.ElevationLimits()
		check(b.Heading >= hMin && b.Heading <= hMax, "gimbal.boards[%s]: heading %v out of range", id, b.Heading)
		check(b.Elevation >= vMin && b.Elevation <= vMax, "gimbal.boards[%s]: elevation %v out of range", id, b.Elevation)
	}

	check(c.Effector.Timeout > 0, "effector.timeout must be positive")

	check(c.Safety.MaxTemperature > 0, "safety.max_temperature must be positive")
	check(c.Safety.PollInterval > 0, "safety.poll_interval must be positive")
	check(c.Safety.StatusTimeout > 0, "safety.status_timeout must be positive")
	check(c.Safety.ShutdownTimeout > 0, "safety.shutdown_timeout must be positive")
	check(c.Device.PendingTTL >= g.MoveTimeout && c.Device.PendingTTL >= c.Safety.StatusTimeout,
		"device.pending_ttl (%v) must cover gimbal.move_timeout and safety.status_timeout", c.Device.PendingTTL)

	m := c.Modes
	check(m.SessionTimeout > 0, "modes.session_timeout must be positive")
	check(m.Assist.LockTolerancePx > 0, "modes.assist.lock_tolerance_px must be positive")
	check(m.Assist.MinLockConfidence >= 0 && m.Assist.MinLockConfidence <= 1, "modes.assist.min_lock_confidence must be in [0, 1]")
	check(m.Assist.FireDuration > 0, "modes.assist.fire_duration must be positive")
	check(m.Autonomous.Gain > 0, "modes.autonomous.gain must be positive")
	check(m.Autonomous.LockTolerancePx > 0, "modes.autonomous.lock_tolerance_px must be positive")
	check(m.Autonomous.Dwell >= 0, "modes.autonomous.dwell must not be negative")
	check(m.Autonomous.Cooldown >= 0, "modes.autonomous.cooldown must not be negative")
	check(m.Engagement.CompletionCooldown >= 0, "modes.engagement.completion_cooldown must not be negative")

	check(len(c.Detection.Classes) > 0, "detection.classes must not be empty")
	switch c.Detection.Profile {
	case "high_speed", "balanced", "high_quality":
	default:
		errs = append(errs, fmt.Errorf("detection.profile %q is not one of high_speed, balanced, high_quality", c.Detection.Profile))
	}

	return errors.Join(errs...)
}
