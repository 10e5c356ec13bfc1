package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendDynamo = "dynamodb"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds process configuration. It is read once at start-up and passed
// down explicitly.
type Config struct {
	LogLevel string
	Port     string

	MaxQuestionLength    int
	MaxConversationTurns int
	MaxRetries           int
	HistoryWindow        int
	ModerationEnabled    bool

	CheckpointBackend string
	StateTable        string
	CheckpointTTL     time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisTLS          bool

	ParamPrefix string

	OpenAIEndpoint        string
	OpenAIAPIKey          string
	OpenAIAPIVersion      string
	OpenAIDeployment      string
	OpenAIEmbedDeployment string

	SearchEndpoint     string
	SearchAPIKey       string
	SearchIndex        string
	SearchAPIVersion   string
	SearchIDField      string
	SearchContentField string
	SearchVectorField  string
	SearchScopeField   string

	ScopeRegistryJSON  string
	ScopeRegistryPath  string
	ScopeRegistryParam string
	ScopeRegistryTTL   time.Duration
	AllowUnsafeScope   bool

	// TrustIdentityHeader lets X-User-Identity stand in for a missing
	// authorizer principal on API Gateway events.
	TrustIdentityHeader bool

	OverviewPath string
}

// Load reads the environment, after loading a .env file when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnv("PORT", "8080"),

		MaxQuestionLength:    getEnvAsInt("MAX_QUESTION_LENGTH", 1000),
		MaxConversationTurns: getEnvAsInt("MAX_CONVERSATION_TURNS", 0),
		MaxRetries:           getEnvAsInt("MAX_RETRIES", 2),
		HistoryWindow:        getEnvAsInt("HISTORY_WINDOW", 20),
		ModerationEnabled:    getEnvAsBool("MODERATION_ENABLED", false),

		CheckpointBackend: strings.ToLower(getEnv("CHECKPOINT_BACKEND", BackendDynamo)),
		StateTable:        getEnv("STATE_TABLE", ""),
		CheckpointTTL:     getEnvAsDuration("CHECKPOINT_TTL", 720*time.Hour),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisTLS:          getEnvAsBool("REDIS_TLS", false),

		ParamPrefix: strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),

		OpenAIEndpoint:        getEnv("AZURE_OPENAI_ENDPOINT", ""),
		OpenAIAPIKey:          getEnv("AZURE_OPENAI_API_KEY", ""),
		OpenAIAPIVersion:      getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		OpenAIDeployment:      getEnv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o-mini"),
		OpenAIEmbedDeployment: getEnv("AZURE_OPENAI_EMBED_DEPLOYMENT", "text-embedding-3-small"),

		SearchEndpoint:     strings.TrimRight(getEnv("AZURE_SEARCH_ENDPOINT", ""), "/"),
		SearchAPIKey:       getEnv("AZURE_SEARCH_API_KEY", ""),
		SearchIndex:        getEnv("AZURE_SEARCH_INDEX_NAME", ""),
		SearchAPIVersion:   getEnv("AZURE_SEARCH_API_VERSION", "2024-07-01"),
		SearchIDField:      getEnv("AZURE_SEARCH_ID_FIELD", "document_id"),
		SearchContentField: getEnv("AZURE_SEARCH_CONTENT_FIELD", "chunk"),
		SearchVectorField:  getEnv("AZURE_SEARCH_VECTOR_FIELD", "content_vector"),
		SearchScopeField:   getEnv("AZURE_SEARCH_SCOPE_FIELD", "consignee_code_ids"),

		ScopeRegistryJSON:  getEnv("CONSIGNEE_SCOPE_REGISTRY_JSON", ""),
		ScopeRegistryPath:  getEnv("CONSIGNEE_SCOPE_REGISTRY_PATH", ""),
		ScopeRegistryParam: getEnv("CONSIGNEE_SCOPE_REGISTRY_PARAM", ""),
		ScopeRegistryTTL:   getEnvAsDuration("SCOPE_REGISTRY_TTL", 5*time.Minute),
		AllowUnsafeScope:   getEnvAsBool("SHIPMENT_QNA_BOT_ALLOW_UNSAFE_SCOPE", false),

		TrustIdentityHeader: getEnvAsBool("TRUST_IDENTITY_HEADER", false),

		OverviewPath: getEnv("OVERVIEW_PATH", "docs/overview_info.md"),
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.CheckpointBackend {
	case BackendDynamo:
		if c.StateTable == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown CHECKPOINT_BACKEND %q", c.CheckpointBackend))
	}
	if c.OpenAIEndpoint == "" {
		errs = append(errs, errors.New("config: AZURE_OPENAI_ENDPOINT is required"))
	}
	if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: AZURE_OPENAI_API_KEY or PARAM_PREFIX is required"))
	}
	if c.SearchEndpoint == "" || c.SearchIndex == "" {
		errs = append(errs, errors.New("config: AZURE_SEARCH_ENDPOINT and AZURE_SEARCH_INDEX_NAME are required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("config: MAX_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// NeedsParamStore reports whether any secret or registry is read from SSM.
func (c *Config) NeedsParamStore() bool {
	return c.ScopeRegistryParam != "" || (c.OpenAIAPIKey == "" && c.ParamPrefix != "")
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
