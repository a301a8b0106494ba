package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Processor   ProcessorConfig `mapstructure:"processor"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Lifecycle   LifecycleConfig `mapstructure:"lifecycle"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	// Maximum accepted multipart body, bytes.
	MaxUploadSize int64 `mapstructure:"max_upload_size"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	// Overrides the environment-derived table prefix when set.
	TablePrefix string `mapstructure:"table_prefix"`
	// Quarterly partitions created ahead of and behind the current date.
	PartitionQuartersAhead  int `mapstructure:"partition_quarters_ahead"`
	PartitionQuartersBehind int `mapstructure:"partition_quarters_behind"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver != "postgres" {
		return c.Path
	}
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type ProcessorConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchDelay       time.Duration `mapstructure:"batch_delay"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	MaxBatchesPerRun int           `mapstructure:"max_batches_per_run"`
	LoadChunkSize    int           `mapstructure:"load_chunk_size"`
	// Each entry is one priority group, e.g. "DT,BH". Earlier groups drain first.
	RecordTypePriority []string `mapstructure:"record_type_priority"`
	SkipRecordTypes    []string `mapstructure:"skip_record_types"`
}

// PriorityGroups splits RecordTypePriority into normalized record type groups.
func (c *ProcessorConfig) PriorityGroups() [][]string {
	var groups [][]string
	for _, entry := range c.RecordTypePriority {
		var group []string
		for _, t := range strings.Split(entry, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				group = append(group, t)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

type PipelineConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	RejectDuplicateFiles bool          `mapstructure:"reject_duplicate_files"`
	IdentifySampleLines  int           `mapstructure:"identify_sample_lines"`
	KeyPrefix            string        `mapstructure:"key_prefix"`
	AdvanceBatch         int           `mapstructure:"advance_batch"`
}

type LifecycleConfig struct {
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	PurgeBatchSize int           `mapstructure:"purge_batch_size"`
	ScanPrefix     string        `mapstructure:"scan_prefix"`
}

type RetentionConfig struct {
	HardDeleteAfter time.Duration `mapstructure:"hard_delete_after"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
}

// APIKeyConfig binds a bcrypt hash of an uploader key to the user it identifies.
type APIKeyConfig struct {
	User string `mapstructure:"user"`
	Hash string `mapstructure:"hash"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	// Identity recorded on purges run by the scheduler.
	Operator string `mapstructure:"operator"`
}

// Load reads configuration from file, .env and the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment knobs come from the environment.
	v.BindEnv("environment", "TDDF_ENV", "APP_ENV")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("storage.region", "S3_REGION")
	v.BindEnv("scheduler.operator", "TDDF_SCHEDULER_OPERATOR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.ResolveEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "local")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.max_upload_size", 512<<20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/tddf.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tddf")
	v.SetDefault("database.dbname", "tddf")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.partition_quarters_ahead", 2)
	v.SetDefault("database.partition_quarters_behind", 8)

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "tddf")

	v.SetDefault("processor.batch_size", 500)
	v.SetDefault("processor.batch_delay", 100*time.Millisecond)
	v.SetDefault("processor.lease_duration", 5*time.Minute)
	v.SetDefault("processor.max_batches_per_run", 20)
	v.SetDefault("processor.load_chunk_size", 5000)
	v.SetDefault("processor.record_type_priority", []string{"DT,BH", "P1,P2"})
	v.SetDefault("processor.skip_record_types", []string{})

	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_backoff", 30*time.Second)
	v.SetDefault("pipeline.stale_after", 6*time.Hour)
	v.SetDefault("pipeline.reject_duplicate_files", true)
	v.SetDefault("pipeline.identify_sample_lines", 20)
	// Empty derives "<env>/uploads" from the environment, as for tables.
	v.SetDefault("pipeline.key_prefix", "")
	v.SetDefault("pipeline.advance_batch", 25)

	v.SetDefault("lifecycle.grace_period", 72*time.Hour)
	v.SetDefault("lifecycle.purge_batch_size", 100)
	v.SetDefault("lifecycle.scan_prefix", "")

	v.SetDefault("retention.hard_delete_after", 30*24*time.Hour)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 15*time.Second)
	v.SetDefault("scheduler.purge_interval", time.Hour)
	// Unattended purge stays off until an operator identity is configured.
	v.SetDefault("scheduler.operator", "")
}

// Validate rejects settings the pipeline cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Processor.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("processor.batch_size must be positive, got %d", c.Processor.BatchSize))
	}
	if c.Processor.LoadChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("processor.load_chunk_size must be positive, got %d", c.Processor.LoadChunkSize))
	}
	if c.Processor.LeaseDuration <= 0 {
		errs = append(errs, errors.New("processor.lease_duration must be positive"))
	}
	if c.Pipeline.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries must be at least 1, got %d", c.Pipeline.MaxRetries))
	}
	if c.Lifecycle.GracePeriod <= 0 {
		errs = append(errs, errors.New("lifecycle.grace_period must be positive"))
	}
	if c.Lifecycle.PurgeBatchSize <= 0 {
		errs = append(errs, errors.New("lifecycle.purge_batch_size must be positive"))
	}
	if c.Scheduler.Enabled && (c.Scheduler.Interval <= 0 || c.Scheduler.PurgeInterval <= 0) {
		errs = append(errs, errors.New("scheduler intervals must be positive when the scheduler is enabled"))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
