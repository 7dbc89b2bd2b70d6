package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"

	miniox "github.com/instill-ai/x/minio"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	Minio         miniox.Config         `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Storage       StorageConfig         `koanf:"storage"`
	Secrets       SecretsConfig         `koanf:"secrets"`
	Model         ModelConfig           `koanf:"model"`
	Pipeline      PipelineConfig        `koanf:"pipeline"`
	Notification  NotificationConfig    `koanf:"notification"`
	Encryption    EncryptionConfig      `koanf:"encryption"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort int `koanf:"publicport"`
	HTTPS      struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug       bool `koanf:"debug"`
	MaxDataSize int  `koanf:"maxdatasize"`
	Workflow    struct {
		MaxWorkflowTimeout int32 `koanf:"maxworkflowtimeout"`
		MaxWorkflowRetry   int32 `koanf:"maxworkflowretry"`
		MaxActivityRetry   int32 `koanf:"maxactivityretry"`
	}
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// GCSConfig defines the configuration for Google Cloud Storage as an object
// storage backend.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// StorageConfig selects the object storage backend holding uploads and the
// raster page cache.
type StorageConfig struct {
	Provider     string `koanf:"provider" validate:"omitempty,oneof=minio gcs"`
	UploadBucket string `koanf:"uploadbucket"`
	RasterBucket string `koanf:"rasterbucket"`
}

// SecretsConfig configures the external secret provider that is layered
// between the configuration file and the environment.
type SecretsConfig struct {
	Vault VaultConfig `koanf:"vault"`
}

// VaultConfig is the HashiCorp Vault KV configuration.
type VaultConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Addr      string        `koanf:"addr"`
	Token     string        `koanf:"token"`
	Namespace string        `koanf:"namespace"`
	Mount     string        `koanf:"mount"`
	Path      string        `koanf:"path"`
	KVVersion int           `koanf:"kvversion"`
	Timeout   time.Duration `koanf:"timeout"`
}

// ModelConfig defines the configuration for AI model providers
type ModelConfig struct {
	OpenAI OpenAIConfig `koanf:"openai"`
	Gemini GeminiConfig `koanf:"gemini"`
	// TokenThreshold routes records above this token count to the
	// high-context backend.
	TokenThreshold int `koanf:"tokenthreshold" validate:"gte=0"`
}

// OpenAIConfig defines the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string `koanf:"apikey"`
	Model       string `koanf:"model"`
	VisionModel string `koanf:"visionmodel"`
}

// GeminiConfig defines the configuration for Gemini AI
type GeminiConfig struct {
	APIKey      string `koanf:"apikey"`
	Model       string `koanf:"model"`
	VisionModel string `koanf:"visionmodel"`
}

// PipelineConfig holds the tunables of the ingestion pipeline.
type PipelineConfig struct {
	Raster     RasterConfig     `koanf:"raster"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Report     ReportConfig     `koanf:"report"`
	Codes      CodesConfig      `koanf:"codes"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Queues     QueuesConfig     `koanf:"queues"`
	// FallbackYears is the width of the date range used when the era
	// inference yields nothing usable.
	FallbackYears int `koanf:"fallbackyears" validate:"gte=1"`
}

// RasterConfig configures the rasterizer and the raster page cache.
type RasterConfig struct {
	DPI          int           `koanf:"dpi" validate:"gte=50"`
	MaxRetries   int32         `koanf:"maxretries" validate:"gte=0"`
	RetryBackoff time.Duration `koanf:"retrybackoff"`
	GracePeriod  time.Duration `koanf:"graceperiod"`
	CacheTTL     time.Duration `koanf:"cachettl"`
	WorkDir      string        `koanf:"workdir"`
}

// ExtractionConfig configures the four extraction methods.
type ExtractionConfig struct {
	QualityRatio  float64       `koanf:"qualityratio" validate:"gte=0,lte=1"`
	MaxAttempts   int32         `koanf:"maxattempts" validate:"gte=1"`
	PagePoolSize  int           `koanf:"pagepoolsize" validate:"gte=1"`
	PageTimeout   time.Duration `koanf:"pagetimeout"`
	SoftTimeLimit time.Duration `koanf:"softtimelimit"`
	HardTimeLimit time.Duration `koanf:"hardtimelimit"`
	OCRLanguage   string        `koanf:"ocrlanguage"`
	// VisionBackoffs holds the first retry countdown per vision method.
	VisionBackoffs map[string]time.Duration `koanf:"visionbackoffs"`
}

// ReportConfig configures report synthesis.
type ReportConfig struct {
	MaxAttempts     int           `koanf:"maxattempts" validate:"gte=1"`
	InitialBackoff  time.Duration `koanf:"initialbackoff"`
	MaxBackoff      time.Duration `koanf:"maxbackoff"`
	SoftTimeLimit   time.Duration `koanf:"softtimelimit"`
	HardTimeLimit   time.Duration `koanf:"hardtimelimit"`
	SummaryInterval time.Duration `koanf:"summaryinterval"`
}

// CodesConfig configures the medical code description lookup.
type CodesConfig struct {
	MaxAttempts    int           `koanf:"maxattempts" validate:"gte=1"`
	InitialBackoff time.Duration `koanf:"initialbackoff"`
}

// LedgerConfig configures the task ledger and status derivation.
type LedgerConfig struct {
	// CoreTasks are the ledger task names whose success is required for a
	// record to be reported as completed. The other extraction methods are
	// best-effort: their failures show in the task progress only.
	CoreTasks []string `koanf:"coretasks"`
	// ReportTasks are additionally required when reports were requested.
	ReportTasks []string `koanf:"reporttasks"`
	Window      int      `koanf:"window" validate:"gte=1"`
}

// QueuesConfig holds the per-queue activity concurrency.
type QueuesConfig struct {
	Concurrency map[string]int `koanf:"concurrency"`
}

// NotificationConfig configures the completion e-mail notifier.
type NotificationConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// EncryptionConfig holds the key used for at-rest field encryption.
type EncryptionConfig struct {
	// Key is a base64 encoded 16, 24 or 32 byte AES key. Empty disables
	// encryption.
	Key string `koanf:"key"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	// The secret provider is configured from the file and environment, so its
	// own settings are resolved before the secrets are fetched.
	var secrets SecretsConfig
	if err := k.Unmarshal("secrets", &secrets); err != nil {
		return err
	}
	applyVaultEnv(&secrets.Vault)
	if secrets.Vault.Enabled {
		values, err := FetchVaultSecrets(secrets.Vault)
		if err != nil {
			log.Printf("failed to load secrets from vault, falling back to file and environment: %v", err)
		} else if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
			return err
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

func defaults() map[string]any {
	return map[string]any{
		"storage.provider":                         "minio",
		"storage.uploadbucket":                     "healthrecord-upload",
		"storage.rasterbucket":                     "healthrecord-raster",
		"secrets.vault.mount":                      "secret",
		"secrets.vault.kvversion":                  2,
		"secrets.vault.timeout":                    "5s",
		"model.openai.model":                       "gpt-4o",
		"model.openai.visionmodel":                 "gpt-4o",
		"model.gemini.model":                       "gemini-2.5-pro",
		"model.gemini.visionmodel":                 "gemini-2.5-flash",
		"model.tokenthreshold":                     16000,
		"pipeline.fallbackyears":                   20,
		"pipeline.raster.dpi":                      200,
		"pipeline.raster.maxretries":               3,
		"pipeline.raster.retrybackoff":             "10s",
		"pipeline.raster.graceperiod":              "5m",
		"pipeline.raster.cachettl":                 "24h",
		"pipeline.raster.workdir":                  os.TempDir(),
		"pipeline.extraction.qualityratio":         0.3,
		"pipeline.extraction.maxattempts":          4,
		"pipeline.extraction.pagepoolsize":         3,
		"pipeline.extraction.pagetimeout":          "90s",
		"pipeline.extraction.softtimelimit":        "25m",
		"pipeline.extraction.hardtimelimit":        "30m",
		"pipeline.extraction.ocrlanguage":          "deu",
		"pipeline.extraction.visionbackoffs":       map[string]any{"cloud_vision": "30s", "vision_llm": "60s"},
		"pipeline.report.maxattempts":              5,
		"pipeline.report.initialbackoff":           "4s",
		"pipeline.report.maxbackoff":               "60s",
		"pipeline.report.softtimelimit":            "25m",
		"pipeline.report.hardtimelimit":            "30m",
		"pipeline.report.summaryinterval":          "15m",
		"pipeline.codes.maxattempts":               3,
		"pipeline.codes.initialbackoff":            "2s",
		"pipeline.ledger.coretasks":                []string{"extract_native_text", "combine_extractions"},
		"pipeline.ledger.reporttasks":              []string{"create_reports", "generate_report"},
		"pipeline.ledger.window":                   50,
		"pipeline.queues.concurrency.intake":       10,
		"pipeline.queues.concurrency.extraction":   8,
		"pipeline.queues.concurrency.refinement":   6,
		"pipeline.queues.concurrency.summary":      4,
		"pipeline.queues.concurrency.regenerate":   3,
		"pipeline.queues.concurrency.notification": 2,
		"pipeline.queues.concurrency.codes":        1,
	}
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
