package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Capture  CaptureConfig  `json:"capture"`
	Upload   UploadConfig   `json:"upload"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	URI      string `json:"uri"` // Full connection URI, overrides host/port
}

type AuthConfig struct {
	SecretKey        string        `json:"secret_key"`
	OperatorPassword string        `json:"operator_password"`
	TokenExpiration  time.Duration `json:"token_expiration"`
}

type CaptureConfig struct {
	DevicePath  string `json:"device_path"`
	InputFormat string `json:"input_format"` // mjpeg, h264, yuyv422
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Framerate   int    `json:"framerate"`
	Bitrate     int    `json:"bitrate"` // kbps, archival encode

	PreviewWidth    int `json:"preview_width"`
	PreviewInterval int `json:"preview_interval"` // seconds between still refreshes

	StoragePath string `json:"storage_path"`
	PreviewPath string `json:"preview_path"`

	PreviewStopTimeout time.Duration `json:"preview_stop_timeout"`
	RecordStopTimeout  time.Duration `json:"record_stop_timeout"`

	GuardAttempts int           `json:"guard_attempts"`
	GuardBackoff  time.Duration `json:"guard_backoff"`
}

type UploadConfig struct {
	Backend string `json:"backend"` // ftp, s3, local

	FTPHost    string `json:"ftp_host"`
	FTPPort    int    `json:"ftp_port"`
	FTPUser    string `json:"ftp_user"`
	FTPPass    string `json:"ftp_pass"`
	FTPBaseDir string `json:"ftp_base_dir"`

	S3Endpoint  string `json:"s3_endpoint"`
	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
	S3Bucket    string `json:"s3_bucket"`
	S3UseSSL    bool   `json:"s3_use_ssl"`
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	config.loadDatabaseConfig()
	if err := config.loadAuthConfig(); err != nil {
		return nil, fmt.Errorf("failed to load auth config: %w", err)
	}
	config.loadCaptureConfig()
	config.loadUploadConfig()

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "0.0.0.0"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 30*time.Second),
	}
	return nil
}

func (c *Config) loadDatabaseConfig() {
	c.Database = DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "27017"),
		Name:     getEnv("DB_NAME", "capturedeck"),
		Username: getEnv("DB_USERNAME", ""),
		Password: getEnv("DB_PASSWORD", ""),
		URI:      getEnv("DB_URI", ""),
	}

	if c.Database.URI == "" {
		if c.Database.Username != "" && c.Database.Password != "" {
			c.Database.URI = fmt.Sprintf("mongodb://%s:%s@%s:%s",
				c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port)
		} else {
			c.Database.URI = fmt.Sprintf("mongodb://%s:%s", c.Database.Host, c.Database.Port)
		}
	}
}

func (c *Config) loadAuthConfig() error {
	secretKey := getEnv("JWT_SECRET", "")
	if secretKey == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}

	c.Auth = AuthConfig{
		SecretKey:        secretKey,
		OperatorPassword: getEnv("OPERATOR_PASSWORD", ""),
		TokenExpiration:  getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
	}
	return nil
}

func (c *Config) loadCaptureConfig() {
	c.Capture = CaptureConfig{
		DevicePath:  getEnv("CAPTURE_DEVICE", "/dev/video0"),
		InputFormat: getEnv("CAPTURE_INPUT_FORMAT", "mjpeg"),
		Width:       getIntEnv("CAPTURE_WIDTH", 1920),
		Height:      getIntEnv("CAPTURE_HEIGHT", 1080),
		Framerate:   getIntEnv("CAPTURE_FRAMERATE", 30),
		Bitrate:     getIntEnv("CAPTURE_BITRATE", 4000),

		PreviewWidth:    getIntEnv("PREVIEW_WIDTH", 640),
		PreviewInterval: getIntEnv("PREVIEW_INTERVAL", 1),

		StoragePath: getEnv("CAPTURE_STORAGE_PATH", "storage/recordings"),
		PreviewPath: getEnv("CAPTURE_PREVIEW_PATH", "storage/preview.jpg"),

		PreviewStopTimeout: getDurationEnv("PREVIEW_STOP_TIMEOUT", 1*time.Second),
		RecordStopTimeout:  getDurationEnv("RECORD_STOP_TIMEOUT", 2*time.Second),

		GuardAttempts: getIntEnv("DEVICE_GUARD_ATTEMPTS", 3),
		GuardBackoff:  getDurationEnv("DEVICE_GUARD_BACKOFF", 500*time.Millisecond),
	}
}

func (c *Config) loadUploadConfig() {
	c.Upload = UploadConfig{
		Backend: getEnv("UPLOAD_BACKEND", "local"),

		FTPHost:    getEnv("FTP_HOST", ""),
		FTPPort:    getIntEnv("FTP_PORT", 21),
		FTPUser:    getEnv("FTP_USER", ""),
		FTPPass:    getEnv("FTP_PASS", ""),
		FTPBaseDir: getEnv("FTP_BASE_DIR", "recordings"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", "recordings"),
		S3UseSSL:    getBoolEnv("S3_USE_SSL", true),
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database uri is required")
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("jwt secret key is required")
	}
	if c.Capture.DevicePath == "" {
		return fmt.Errorf("capture device path is required")
	}
	if c.Capture.StoragePath == "" {
		return fmt.Errorf("capture storage path is required")
	}
	switch c.Upload.Backend {
	case "local":
	case "ftp":
		if c.Upload.FTPHost == "" {
			return fmt.Errorf("ftp host is required for the ftp upload backend")
		}
	case "s3":
		if c.Upload.S3Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required for the s3 upload backend")
		}
	default:
		return fmt.Errorf("unknown upload backend: %q", c.Upload.Backend)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
