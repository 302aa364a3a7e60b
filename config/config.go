package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall agent configuration.
type Config struct {
	DeviceID     string             `yaml:"device_id"`
	API          APIConfig          `yaml:"api"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Session      SessionConfig      `yaml:"session"`
	Attendance   AttendanceConfig   `yaml:"attendance"`
	Storage      StorageConfig      `yaml:"storage"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Status       StatusConfig       `yaml:"status"`
	Push         PushConfig         `yaml:"push"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
	Log          LogConfig          `yaml:"log"`
}

// APIConfig holds the remote service endpoints, credentials and request policy.
type APIConfig struct {
	BaseURL                  string `yaml:"base_url"`
	TokenEndpoint            string `yaml:"token_endpoint"`
	Username                 string `yaml:"username"`
	Password                 string `yaml:"password"`
	ModelDownloadURL         string `yaml:"model_download_url"`
	MapDownloadURL           string `yaml:"map_download_url"`
	HTTPProxy                string `yaml:"http_proxy"`
	TokenTTLMinutes          int    `yaml:"token_ttl_minutes"`
	TokenSafetyMarginMinutes int    `yaml:"token_safety_margin_minutes"`
	RequestTimeoutSeconds    int    `yaml:"request_timeout_seconds"`
	MaxRetries               int    `yaml:"max_retries"`
	RetryBaseDelayMillis     int    `yaml:"retry_base_delay_ms"`

	TokenTTL          time.Duration `yaml:"-"`
	TokenSafetyMargin time.Duration `yaml:"-"`
	RequestTimeout    time.Duration `yaml:"-"`
	RetryBaseDelay    time.Duration `yaml:"-"`
}

// SchedulerConfig controls the poll loop and model lifecycle.
type SchedulerConfig struct {
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	Timezone             string `yaml:"timezone"`
	ScheduleCacheMinutes int    `yaml:"schedule_cache_minutes"`
	VersionCacheSeconds  int    `yaml:"version_cache_seconds"`
	PredownloadOnStart   *bool  `yaml:"predownload_on_start"`

	CheckInterval time.Duration  `yaml:"-"`
	ScheduleCache time.Duration  `yaml:"-"`
	VersionCache  time.Duration  `yaml:"-"`
	Location      *time.Location `yaml:"-"`
}

// SessionConfig controls a running recognition session.
type SessionConfig struct {
	FrameIntervalMillis int      `yaml:"frame_interval_ms"`
	UnknownLabels       []string `yaml:"unknown_labels"`
	MinConfidence       float64  `yaml:"min_confidence"`

	FrameInterval time.Duration `yaml:"-"`
}

// AttendanceConfig holds the dedup/throttle settings.
type AttendanceConfig struct {
	ThrottleSeconds int `yaml:"throttle_seconds"`

	Throttle time.Duration `yaml:"-"`
}

// StorageConfig selects where local state is persisted.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // file, sqlite or postgres
	DataDir   string `yaml:"data_dir"`
	ModelsDir string `yaml:"models_dir"`
	DSN       string `yaml:"dsn"`
}

// ConnectivityConfig lists the endpoints probed to decide whether the device is online.
type ConnectivityConfig struct {
	ProbeURLs           []string `yaml:"probe_urls"`
	ProbeTimeoutSeconds int      `yaml:"probe_timeout_seconds"`

	ProbeTimeout time.Duration `yaml:"-"`
}

// RecognitionConfig points at the inference sidecar and the camera snapshot endpoint.
type RecognitionConfig struct {
	SidecarURL            string `yaml:"sidecar_url"`
	CameraSnapshotURL     string `yaml:"camera_snapshot_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`

	RequestTimeout time.Duration `yaml:"-"`
}

// StatusConfig holds the local status server configuration.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PushConfig holds the VAPID keys and the subscriptions receiving session summaries.
type PushConfig struct {
	PublicKey     string             `yaml:"vapid_public_key"`
	PrivateKey    string             `yaml:"vapid_private_key"`
	Subject       string             `yaml:"subject"`
	TTL           int                `yaml:"ttl"`
	Subscriptions []PushSubscription `yaml:"subscriptions"`
}

// PushSubscription is a browser push endpoint registered by an operator.
type PushSubscription struct {
	Endpoint string `yaml:"endpoint"`
	P256DH   string `yaml:"p256dh"`
	Auth     string `yaml:"auth"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Load reads the configuration from the given path, applies .env and environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case on a provisioned device.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the environment names used by existing device provisioning override the file.
func applyEnv(cfg *Config) error {
	setString(&cfg.API.BaseURL, "BASE_URL")
	setString(&cfg.API.Username, "API_USERNAME")
	setString(&cfg.API.Password, "API_PASSWORD")
	setString(&cfg.API.ModelDownloadURL, "MODEL_DOWNLOAD_URL")
	setString(&cfg.API.MapDownloadURL, "MAP_DOWNLOAD_URL")
	setString(&cfg.Storage.ModelsDir, "MODELS_DIR")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	for key, dst := range map[string]*int{
		"CHECK_INTERVAL":  &cfg.Scheduler.CheckIntervalSeconds,
		"REQUEST_TIMEOUT": &cfg.API.RequestTimeoutSeconds,
		"MAX_RETRIES":     &cfg.API.MaxRetries,
	} {
		val := strings.TrimSpace(os.Getenv(key))
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %q", key, val)
		}
		*dst = n
	}
	return nil
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func (c *Config) applyDefaults() error {
	if c.API.TokenEndpoint == "" {
		c.API.TokenEndpoint = "/api/token/"
	}
	if c.API.TokenTTLMinutes <= 0 {
		c.API.TokenTTLMinutes = 60
	}
	if c.API.TokenSafetyMarginMinutes <= 0 {
		c.API.TokenSafetyMarginMinutes = 5
	}
	if c.API.RequestTimeoutSeconds <= 0 {
		c.API.RequestTimeoutSeconds = 30
	}
	if c.API.MaxRetries <= 0 {
		c.API.MaxRetries = 3
	}
	if c.API.RetryBaseDelayMillis <= 0 {
		c.API.RetryBaseDelayMillis = 1000
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	c.API.ModelDownloadURL = strings.TrimRight(c.API.ModelDownloadURL, "/")
	c.API.MapDownloadURL = strings.TrimRight(c.API.MapDownloadURL, "/")
	c.API.TokenTTL = time.Duration(c.API.TokenTTLMinutes) * time.Minute
	c.API.TokenSafetyMargin = time.Duration(c.API.TokenSafetyMarginMinutes) * time.Minute
	c.API.RequestTimeout = time.Duration(c.API.RequestTimeoutSeconds) * time.Second
	c.API.RetryBaseDelay = time.Duration(c.API.RetryBaseDelayMillis) * time.Millisecond

	if c.Scheduler.CheckIntervalSeconds <= 0 {
		c.Scheduler.CheckIntervalSeconds = 60
	}
	if c.Scheduler.ScheduleCacheMinutes <= 0 {
		c.Scheduler.ScheduleCacheMinutes = 24 * 60
	}
	if c.Scheduler.VersionCacheSeconds < 0 {
		c.Scheduler.VersionCacheSeconds = 0
	}
	if c.Scheduler.PredownloadOnStart == nil {
		enabled := true
		c.Scheduler.PredownloadOnStart = &enabled
	}
	c.Scheduler.CheckInterval = time.Duration(c.Scheduler.CheckIntervalSeconds) * time.Second
	c.Scheduler.ScheduleCache = time.Duration(c.Scheduler.ScheduleCacheMinutes) * time.Minute
	c.Scheduler.VersionCache = time.Duration(c.Scheduler.VersionCacheSeconds) * time.Second
	c.Scheduler.Location = time.Local
	if c.Scheduler.Timezone != "" {
		loc, err := time.LoadLocation(c.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("failed to load timezone %q: %w", c.Scheduler.Timezone, err)
		}
		c.Scheduler.Location = loc
	}

	if c.Session.FrameIntervalMillis <= 0 {
		c.Session.FrameIntervalMillis = 200
	}
	if len(c.Session.UnknownLabels) == 0 {
		c.Session.UnknownLabels = []string{"unknown"}
	}
	c.Session.FrameInterval = time.Duration(c.Session.FrameIntervalMillis) * time.Millisecond

	if c.Attendance.ThrottleSeconds <= 0 {
		c.Attendance.ThrottleSeconds = 5
	}
	c.Attendance.Throttle = time.Duration(c.Attendance.ThrottleSeconds) * time.Second

	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.ModelsDir == "" {
		c.Storage.ModelsDir = "./course_models"
	}

	if len(c.Connectivity.ProbeURLs) == 0 {
		c.Connectivity.ProbeURLs = []string{"http://www.google.com", "https://1.1.1.1"}
		if c.API.BaseURL != "" {
			c.Connectivity.ProbeURLs = append(c.Connectivity.ProbeURLs, c.API.BaseURL)
		}
	}
	if c.Connectivity.ProbeTimeoutSeconds <= 0 {
		c.Connectivity.ProbeTimeoutSeconds = 5
	}
	c.Connectivity.ProbeTimeout = time.Duration(c.Connectivity.ProbeTimeoutSeconds) * time.Second

	if c.Recognition.SidecarURL == "" {
		c.Recognition.SidecarURL = "http://127.0.0.1:8000"
	}
	if c.Recognition.RequestTimeoutSeconds <= 0 {
		c.Recognition.RequestTimeoutSeconds = 10
	}
	c.Recognition.SidecarURL = strings.TrimRight(c.Recognition.SidecarURL, "/")
	c.Recognition.RequestTimeout = time.Duration(c.Recognition.RequestTimeoutSeconds) * time.Second

	if c.Status.Port <= 0 {
		c.Status.Port = 8090
	}
	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}
	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return nil
}

// Validate reports the first missing or inconsistent required setting.
func (c *Config) Validate() error {
	var missing []string
	if c.API.BaseURL == "" {
		missing = append(missing, "api.base_url (BASE_URL)")
	}
	if c.API.Username == "" {
		missing = append(missing, "api.username (API_USERNAME)")
	}
	if c.API.Password == "" {
		missing = append(missing, "api.password (API_PASSWORD)")
	}
	if c.API.ModelDownloadURL == "" {
		missing = append(missing, "api.model_download_url (MODEL_DOWNLOAD_URL)")
	}
	if c.API.MapDownloadURL == "" {
		missing = append(missing, "api.map_download_url (MAP_DOWNLOAD_URL)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.API.TokenSafetyMargin >= c.API.TokenTTL {
		return fmt.Errorf("api.token_safety_margin_minutes (%d) must be smaller than api.token_ttl_minutes (%d)",
			c.API.TokenSafetyMarginMinutes, c.API.TokenTTLMinutes)
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	return nil
}
