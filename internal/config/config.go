package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TemporaryStorage selects where received bytes are buffered before upload.
type TemporaryStorage string

const (
	TemporaryStorageMemory TemporaryStorage = "Memory"
	TemporaryStorageDisk   TemporaryStorage = "Disk"
)

// Config holds all gateway configuration
type Config struct {
	Server   ServerConfig
	Dimse    DimseConfig
	DicomWeb DicomWebConfig
	Hl7      Hl7Config
	Storage  StorageConfig
	Export   ExportConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Kafka    KafkaConfig
	CORS     CORSConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DimseConfig holds the SCP/SCU settings
type DimseConfig struct {
	ScpPort                    int
	ScuAETitle                 string
	MaxAssociations            int
	RejectUnknownSources       bool
	VerificationServiceEnabled bool
	IdleTimeout                time.Duration
}

// DicomWebConfig holds DICOMweb client settings
type DicomWebConfig struct {
	ClientTimeoutSeconds int
}

// Hl7Config holds the MLLP listener settings
type Hl7Config struct {
	Port           int
	GroupingWindow time.Duration
}

// StorageConfig holds object store and local buffering settings
type StorageConfig struct {
	WatermarkPercent      int
	ReserveSpaceGB        int
	ConcurrentUploads     int
	PayloadProcessThreads int
	TemporaryDataStorage  TemporaryStorage
	LocalTemporaryPath    string
	BucketName            string
	TemporaryBucketName   string
	Region                string
	Endpoint              string
	RetryDelays           []time.Duration
}

// ExportConfig holds export pipeline settings
type ExportConfig struct {
	Concurrency int
	RetryDelays []time.Duration

	// PlugIns is the output plug-in chain applied before remote sends.
	PlugIns []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	LogLevel    string
	RetryDelays []time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Enabled bool
	Type    string
}

// KafkaConfig holds message bus configuration
type KafkaConfig struct {
	Brokers                 []string
	WorkflowRequestTopic    string
	ExportRequestTopic      string
	ExportRequestDimseTopic string
	ExportCompleteTopic     string
	GroupID                 string
}

// CORSConfig holds CORS settings for the HTTP surface
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment (and .env when present)
func Load() (*Config, error) {
	// .env is optional; environment wins
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 5000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Dimse: DimseConfig{
			ScpPort:                    getEnvInt("DICOM_SCP_PORT", 104),
			ScuAETitle:                 getEnv("DICOM_SCU_AE_TITLE", "IMAGINGSCU"),
			MaxAssociations:            getEnvInt("DICOM_SCP_MAX_ASSOCIATIONS", 25),
			RejectUnknownSources:       getEnvBool("DICOM_SCP_REJECT_UNKNOWN_SOURCES", true),
			VerificationServiceEnabled: getEnvBool("DICOM_SCP_VERIFICATION_ENABLED", true),
			IdleTimeout:                getEnvDuration("DICOM_SCP_IDLE_TIMEOUT", 60*time.Second),
		},
		DicomWeb: DicomWebConfig{
			ClientTimeoutSeconds: getEnvInt("DICOMWEB_CLIENT_TIMEOUT_SECONDS", 30),
		},
		Hl7: Hl7Config{
			Port:           getEnvInt("HL7_PORT", 2575),
			GroupingWindow: getEnvDuration("HL7_GROUPING_WINDOW", 5*time.Second),
		},
		Storage: StorageConfig{
			WatermarkPercent:      getEnvInt("STORAGE_WATERMARK_PERCENT", 75),
			ReserveSpaceGB:        getEnvInt("STORAGE_RESERVE_SPACE_GB", 5),
			ConcurrentUploads:     getEnvInt("STORAGE_CONCURRENT_UPLOADS", 2),
			PayloadProcessThreads: getEnvInt("STORAGE_PAYLOAD_PROCESS_THREADS", 1),
			TemporaryDataStorage:  TemporaryStorage(getEnv("STORAGE_TEMPORARY", "Disk")),
			LocalTemporaryPath:    getEnv("STORAGE_LOCAL_TEMP_PATH", "/var/lib/imaging-gateway/temp"),
			BucketName:            getEnv("STORAGE_BUCKET_NAME", "imaging-gateway"),
			TemporaryBucketName:   getEnv("STORAGE_TEMP_BUCKET_NAME", "imaging-gateway"),
			Region:                getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:              getEnv("STORAGE_ENDPOINT", ""),
			RetryDelays:           getEnvDelays("STORAGE_RETRY_DELAYS_MS", []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}),
		},
		Export: ExportConfig{
			Concurrency: getEnvInt("EXPORT_CONCURRENCY", 2),
			RetryDelays: getEnvDelays("EXPORT_RETRY_DELAYS_MS", []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}),
			PlugIns:     splitNonEmpty(getEnv("EXPORT_PLUGINS", "")),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "gateway"),
			Password:    getEnv("DB_PASSWORD", ""),
			DBName:      getEnv("DB_NAME", "imaging_gateway"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			LogLevel:    getEnv("DB_LOG_LEVEL", "warn"),
			RetryDelays: getEnvDelays("DATABASE_RETRY_DELAYS_MS", []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "memory"),
		},
		Kafka: KafkaConfig{
			Brokers:                 strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			WorkflowRequestTopic:    getEnv("KAFKA_TOPIC_WORKFLOW_REQUEST", "md.workflow.request"),
			ExportRequestTopic:      getEnv("KAFKA_TOPIC_EXPORT_REQUEST", "md.export.request"),
			ExportRequestDimseTopic: getEnv("KAFKA_TOPIC_EXPORT_REQUEST_DIMSE", "md.export.request.dimse"),
			ExportCompleteTopic:     getEnv("KAFKA_TOPIC_EXPORT_COMPLETE", "md.export.complete"),
			GroupID:                 getEnv("KAFKA_GROUP_ID", "imaging-gateway"),
		},
		CORS: CORSConfig{
			AllowedOrigins: strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
			AllowedMethods: strings.Split(getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"), ","),
			AllowedHeaders: strings.Split(getEnv("CORS_ALLOWED_HEADERS", "Accept,Content-Type,Authorization"), ","),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// aeTitleRe enforces the 1..16 ASCII token rule for AE titles.
var aeTitleRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,16}$`)

// ValidAETitle reports whether s is an acceptable AE title after trimming.
func ValidAETitle(s string) bool {
	return aeTitleRe.MatchString(strings.TrimSpace(s))
}

// ValidBucketName reports whether s satisfies S3 bucket naming rules.
func ValidBucketName(s string) bool {
	return bucketNameRe.MatchString(s) && !strings.Contains(s, "..")
}

// Validate checks configured values against their allowed ranges
func (c *Config) Validate() error {
	if c.Dimse.ScpPort <= 0 || c.Dimse.ScpPort > 65535 {
		return fmt.Errorf("DICOM_SCP_PORT must be 1..65535, got %d", c.Dimse.ScpPort)
	}
	if c.Dimse.MaxAssociations < 1 || c.Dimse.MaxAssociations > 1000 {
		return fmt.Errorf("DICOM_SCP_MAX_ASSOCIATIONS must be 1..1000, got %d", c.Dimse.MaxAssociations)
	}
	if !ValidAETitle(c.Dimse.ScuAETitle) {
		return fmt.Errorf("DICOM_SCU_AE_TITLE %q is not a valid AE title", c.Dimse.ScuAETitle)
	}
	if c.DicomWeb.ClientTimeoutSeconds <= 0 {
		return fmt.Errorf("DICOMWEB_CLIENT_TIMEOUT_SECONDS must be positive, got %d", c.DicomWeb.ClientTimeoutSeconds)
	}
	if c.Storage.WatermarkPercent < 1 || c.Storage.WatermarkPercent > 100 {
		return fmt.Errorf("STORAGE_WATERMARK_PERCENT must be 1..100, got %d", c.Storage.WatermarkPercent)
	}
	if c.Storage.ReserveSpaceGB < 1 || c.Storage.ReserveSpaceGB > 999 {
		return fmt.Errorf("STORAGE_RESERVE_SPACE_GB must be 1..999, got %d", c.Storage.ReserveSpaceGB)
	}
	if c.Storage.ConcurrentUploads < 1 || c.Storage.ConcurrentUploads > 128 {
		return fmt.Errorf("STORAGE_CONCURRENT_UPLOADS must be 1..128, got %d", c.Storage.ConcurrentUploads)
	}
	if c.Storage.PayloadProcessThreads < 1 || c.Storage.PayloadProcessThreads > 128 {
		return fmt.Errorf("STORAGE_PAYLOAD_PROCESS_THREADS must be 1..128, got %d", c.Storage.PayloadProcessThreads)
	}
	switch c.Storage.TemporaryDataStorage {
	case TemporaryStorageMemory, TemporaryStorageDisk:
	default:
		return fmt.Errorf("STORAGE_TEMPORARY must be Memory or Disk, got %q", c.Storage.TemporaryDataStorage)
	}
	if !ValidBucketName(c.Storage.BucketName) {
		return fmt.Errorf("STORAGE_BUCKET_NAME %q is not a valid bucket name", c.Storage.BucketName)
	}
	if !ValidBucketName(c.Storage.TemporaryBucketName) {
		return fmt.Errorf("STORAGE_TEMP_BUCKET_NAME %q is not a valid bucket name", c.Storage.TemporaryBucketName)
	}
	if c.Export.Concurrency < 1 || c.Export.Concurrency > 128 {
		return fmt.Errorf("EXPORT_CONCURRENCY must be 1..128, got %d", c.Export.Concurrency)
	}
	if c.Hl7.Port <= 0 || c.Hl7.Port > 65535 {
		return fmt.Errorf("HL7_PORT must be 1..65535, got %d", c.Hl7.Port)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// splitNonEmpty splits a comma list, dropping empty entries.
func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvDelays parses a comma-separated list of millisecond delays.
func getEnvDelays(key string, fallback []time.Duration) []time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var delays []time.Duration
	for _, part := range strings.Split(v, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms < 0 {
			return fallback
		}
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	if len(delays) == 0 {
		return fallback
	}
	return delays
}
