package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Fluidics FluidicsConfig `mapstructure:"fluidics"`
	Imaging  ImagingConfig  `mapstructure:"imaging"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Output   OutputConfig   `mapstructure:"output"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
}

// UserConfig is an operator account. PasswordHash is an Argon2id encoded hash.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// EngineConfig holds the timing knobs of the task engine.
type EngineConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SamplingInterval  time.Duration `mapstructure:"sampling_interval"`
	DrainInterval     time.Duration `mapstructure:"drain_interval"`
	InjectionTimeout  time.Duration `mapstructure:"injection_timeout"`
	ValveIdleTimeout  time.Duration `mapstructure:"valve_idle_timeout"`
	FilterTimeout     time.Duration `mapstructure:"filter_timeout"`
	CleanupTimeout    time.Duration `mapstructure:"cleanup_timeout"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	StagePoll         time.Duration `mapstructure:"stage_poll"`
	TaskStageVelocity float64       `mapstructure:"task_stage_velocity"`
}

type FluidicsConfig struct {
	RoutingValve        string         `mapstructure:"routing_valve"`
	SetupPositions      map[string]int `mapstructure:"setup_positions"`
	IncubationPositions map[string]int `mapstructure:"incubation_positions"`
	SafePositions       map[string]int `mapstructure:"safe_positions"`
	Buffer              map[int]string `mapstructure:"buffer"`
}

type ImagingConfig struct {
	PiezoSettle       time.Duration `mapstructure:"piezo_settle"`
	PulseWidth        time.Duration `mapstructure:"pulse_width"`
	HandshakePoll     time.Duration `mapstructure:"handshake_poll"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	FocusPoll         time.Duration `mapstructure:"focus_poll"`
	FocusTimeout      time.Duration `mapstructure:"focus_timeout"`
	DefaultExposure   float64       `mapstructure:"default_exposure"`
	LightsourceLabels []string      `mapstructure:"lightsource_labels"`
}

type DevicesConfig struct {
	Backend           string       `mapstructure:"backend"`   // sim
	Handshake         string       `mapstructure:"handshake"` // sim | modbus
	Valves            []ValveSpec  `mapstructure:"valves"`
	DefaultVelocity   float64      `mapstructure:"default_stage_velocity"`
	FilterPositions   int          `mapstructure:"filter_positions"`
	PiezoRange        [2]float64   `mapstructure:"piezo_range"`
	SimFlowGain       float64      `mapstructure:"sim_flow_gain"`
	Modbus            ModbusConfig `mapstructure:"modbus"`
	ManualPressureMax float64      `mapstructure:"manual_pressure_max"`
}

type ValveSpec struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Outputs int    `mapstructure:"outputs"`
}

// ModbusConfig describes the digital I/O coupler that carries the camera/FPGA handshake lines.
type ModbusConfig struct {
	Address            string        `mapstructure:"address"`
	UnitID             uint8         `mapstructure:"unit_id"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PositionedRegister uint16        `mapstructure:"positioned_register"`
	AcquiredRegister   uint16        `mapstructure:"acquired_register"`
	SessionRegister    uint16        `mapstructure:"session_register"`
}

type OutputConfig struct {
	DefaultSavePath string `mapstructure:"default_save_path"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix OSC_
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// defaults only, cannot fail on decode
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("engine.poll_interval", "2s")
	v.SetDefault("engine.sampling_interval", "1s")
	v.SetDefault("engine.drain_interval", "2s")
	v.SetDefault("engine.injection_timeout", "30m")
	v.SetDefault("engine.valve_idle_timeout", "30s")
	v.SetDefault("engine.filter_timeout", "5s")
	v.SetDefault("engine.cleanup_timeout", "2m")
	v.SetDefault("engine.stage_timeout", "30s")
	v.SetDefault("engine.stage_poll", "100ms")
	v.SetDefault("engine.task_stage_velocity", 1.0)

	v.SetDefault("fluidics.routing_valve", "a")
	v.SetDefault("fluidics.setup_positions", map[string]int{"b": 2, "c": 2})
	v.SetDefault("fluidics.incubation_positions", map[string]int{"c": 1})
	v.SetDefault("fluidics.safe_positions", map[string]int{"a": 1, "b": 1, "c": 1})

	v.SetDefault("imaging.piezo_settle", "30ms")
	v.SetDefault("imaging.pulse_width", "5ms")
	v.SetDefault("imaging.handshake_poll", "1ms")
	v.SetDefault("imaging.handshake_timeout", "5s")
	v.SetDefault("imaging.focus_poll", "100ms")
	v.SetDefault("imaging.focus_timeout", "5s")
	v.SetDefault("imaging.default_exposure", 0.05)
	v.SetDefault("imaging.lightsource_labels", []string{"BF", "405 nm", "488 nm", "561 nm", "640 nm"})

	v.SetDefault("devices.backend", "sim")
	v.SetDefault("devices.handshake", "sim")
	v.SetDefault("devices.valves", []map[string]any{
		{"id": "a", "name": "8 way valve", "outputs": 8},
		{"id": "b", "name": "RT rinsing valve", "outputs": 2},
		{"id": "c", "name": "Syringe valve", "outputs": 2},
	})
	v.SetDefault("devices.default_stage_velocity", 6.0)
	v.SetDefault("devices.filter_positions", 6)
	v.SetDefault("devices.piezo_range", []float64{0, 100})
	v.SetDefault("devices.sim_flow_gain", 1.0)
	v.SetDefault("devices.manual_pressure_max", 345.0)
	v.SetDefault("devices.modbus.timeout", "1s")
	v.SetDefault("devices.modbus.unit_id", 1)

	v.SetDefault("output.default_save_path", "data")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development fallback
		return devJWTSecret
	}
	return secret
}

// IsProductionReady reports whether a real secret is configured.
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"
