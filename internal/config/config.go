package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

// InstitutionMode selects which kind of identity the deployment tracks.
type InstitutionMode string

const (
	ModeEducational InstitutionMode = "educational"
	ModeEnterprise  InstitutionMode = "enterprise"
)

// IdentityKind is the kind of identity enrolled and matched in this mode.
func (m InstitutionMode) IdentityKind() models.Kind {
	if m == ModeEnterprise {
		return models.KindEmployee
	}
	return models.KindStudent
}

const (
	MinMaxFaces = 1
	MaxMaxFaces = 25
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vision     VisionConfig     `yaml:"vision"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Capture    CaptureConfig    `yaml:"capture"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultSimilarityThreshold applies when similarity_threshold is absent.
const DefaultSimilarityThreshold = 0.5

type VisionConfig struct {
	ModelsDir           string  `yaml:"models_dir"`
	ONNXLibrary         string  `yaml:"onnx_library"`
	DetectionThreshold  float64 `yaml:"detection_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxFaces            int     `yaml:"max_faces"`
}

type AttendanceConfig struct {
	InstitutionMode InstitutionMode `yaml:"institution_mode"`
	Timezone        string          `yaml:"timezone"`
	// StatsWindowDays is the default window for attendance listings without explicit dates.
	StatsWindowDays int `yaml:"stats_window_days"`
}

// Location resolves the configured timezone. Validate must have succeeded.
func (a AttendanceConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type CaptureConfig struct {
	Device     string        `yaml:"device"`
	Format     string        `yaml:"format"`
	FPS        int           `yaml:"fps"`
	FrameWidth int           `yaml:"frame_width"`
	Interval   time.Duration `yaml:"interval"`
}

type EnrollmentConfig struct {
	Samples   int `yaml:"samples"`
	MaxFrames int `yaml:"max_frames"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Seeded before parsing: zero is a valid threshold, so it cannot be
	// filled in afterwards like the other defaults.
	cfg := &Config{Vision: VisionConfig{SimilarityThreshold: DefaultSimilarityThreshold}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot be corrected at runtime.
func (c *Config) Validate() error {
	switch c.Attendance.InstitutionMode {
	case ModeEducational, ModeEnterprise:
	default:
		return fmt.Errorf("invalid institution mode %q", c.Attendance.InstitutionMode)
	}
	// "" and "Local" resolve to the host zone, day boundaries must not.
	switch c.Attendance.Timezone {
	case "", "Local":
		return fmt.Errorf("timezone must name an IANA zone, got %q", c.Attendance.Timezone)
	}
	if _, err := time.LoadLocation(c.Attendance.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Attendance.Timezone, err)
	}
	if c.Vision.MaxFaces < MinMaxFaces || c.Vision.MaxFaces > MaxMaxFaces {
		return fmt.Errorf("max_faces %d out of range [%d,%d]", c.Vision.MaxFaces, MinMaxFaces, MaxMaxFaces)
	}
	if c.Vision.SimilarityThreshold < -1 || c.Vision.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold %v out of range [-1,1]", c.Vision.SimilarityThreshold)
	}
	if c.Enrollment.Samples <= 0 {
		return fmt.Errorf("enrollment samples must be positive, got %d", c.Enrollment.Samples)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "attendance"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MaxFaces == 0 {
		cfg.Vision.MaxFaces = 10
	}
	if cfg.Attendance.InstitutionMode == "" {
		cfg.Attendance.InstitutionMode = ModeEducational
	}
	cfg.Attendance.InstitutionMode = InstitutionMode(strings.ToLower(string(cfg.Attendance.InstitutionMode)))
	if cfg.Attendance.Timezone == "" {
		cfg.Attendance.Timezone = "Asia/Yekaterinburg"
	}
	if cfg.Attendance.StatsWindowDays == 0 {
		cfg.Attendance.StatsWindowDays = 30
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = "/dev/video0"
	}
	if cfg.Capture.FPS == 0 {
		cfg.Capture.FPS = 10
	}
	if cfg.Capture.FrameWidth == 0 {
		cfg.Capture.FrameWidth = 640
	}
	if cfg.Capture.Interval == 0 {
		cfg.Capture.Interval = 100 * time.Millisecond
	}
	if cfg.Enrollment.Samples == 0 {
		cfg.Enrollment.Samples = 10
	}
	if cfg.Enrollment.MaxFrames == 0 {
		cfg.Enrollment.MaxFrames = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ATT_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("ATT_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ATT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("ATT_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("ATT_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ATT_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ATT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ATT_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("ATT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("ATT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("ATT_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("ATT_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("ATT_ONNX_LIBRARY"); v != "" {
		cfg.Vision.ONNXLibrary = v
	}
	if v := os.Getenv("ATT_MAX_FACES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vision.MaxFaces = n
		}
	}
	if v := os.Getenv("ATT_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Vision.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("ATT_INSTITUTION_MODE"); v != "" {
		cfg.Attendance.InstitutionMode = InstitutionMode(v)
	}
	if v := os.Getenv("ATT_TIMEZONE"); v != "" {
		cfg.Attendance.Timezone = v
	}
	if v := os.Getenv("ATT_CAMERA_DEVICE"); v != "" {
		cfg.Capture.Device = v
	}
}
