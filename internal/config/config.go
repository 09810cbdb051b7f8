package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"social-ratelimit/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Storage Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	// Rate Limiting Configuration
	DefaultWindow      time.Duration
	DefaultMaxRequests int
	BulkMaxRequests    int
	ViolationTTL       time.Duration
	CleanupInterval    time.Duration // zero desliga a limpeza periódica

	// Server Configuration
	ServerPort string
	GinMode    string
	AdminToken string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Policy File (JSON ou YAML)
	PolicyFile string

	// Policies são as cadeias lidas do arquivo de política, por rótulo
	Policies map[string]domain.ChainConfig
}

// PolicyFile representa a estrutura do arquivo de política
type PolicyFile struct {
	Chains map[string]domain.ChainConfig `json:"chains" yaml:"chains"`
}

// ConfigLoader carrega a configuração do ambiente e do arquivo de política
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega as configurações do .env, do ambiente e do arquivo de política
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Sem .env as variáveis do sistema são usadas
	_ = godotenv.Load()

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	policies, err := LoadPolicyFile(config.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit policy: %w", err)
	}
	config.Policies = policies

	c.config = config
	return config, nil
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// LoadPolicyFile lê as cadeias de estratégias de um arquivo JSON ou YAML.
// Caminho vazio ou arquivo inexistente resultam em nenhuma política.
func LoadPolicyFile(path string) (map[string]domain.ChainConfig, error) {
	if path == "" {
		return map[string]domain.ChainConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]domain.ChainConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy PolicyFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &policy)
	default:
		err = json.Unmarshal(data, &policy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	for label, chain := range policy.Chains {
		if len(chain) == 0 {
			return nil, fmt.Errorf("policy %q has no strategies", label)
		}
		for i, strategy := range chain {
			if strategy.EffectiveWindow() <= 0 || strategy.MaxRequests <= 0 {
				return nil, fmt.Errorf("policy %q strategy %d: windowMs and maxRequests must be greater than 0", label, i)
			}
		}
	}

	if policy.Chains == nil {
		policy.Chains = map[string]domain.ChainConfig{}
	}
	return policy.Chains, nil
}

// Chains mescla as políticas do arquivo sobre a tabela padrão.
// Um rótulo presente no arquivo substitui a cadeia padrão inteira.
func (c *Config) Chains(defaults map[string]domain.ChainConfig) map[string]domain.ChainConfig {
	merged := make(map[string]domain.ChainConfig, len(defaults)+len(c.Policies))
	for label, chain := range defaults {
		merged[label] = chain
	}
	for label, chain := range c.Policies {
		merged[label] = chain
	}
	return merged
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		StorageType:   getEnvWithDefault("STORAGE_TYPE", "redis"),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),
		AdminToken: getEnvWithDefault("ADMIN_TOKEN", ""),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		PolicyFile: getEnvWithDefault("RATE_LIMIT_POLICY_FILE", ""),
	}

	ints := []struct {
		key          string
		defaultValue string
		target       *int
	}{
		{"REDIS_DB", "0", &config.RedisDB},
		{"DEFAULT_MAX_REQUESTS", "3", &config.DefaultMaxRequests},
		{"BULK_MAX_REQUESTS", "1", &config.BulkMaxRequests},
	}
	for _, v := range ints {
		parsed, err := strconv.Atoi(getEnvWithDefault(v.key, v.defaultValue))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", v.key, err)
		}
		*v.target = parsed
	}

	durations := []struct {
		key          string
		defaultValue string
		unit         time.Duration
		target       *time.Duration
	}{
		{"REDIS_TIMEOUT_MS", "500", time.Millisecond, &config.RedisTimeout},
		{"DEFAULT_WINDOW_MS", "600000", time.Millisecond, &config.DefaultWindow},
		{"VIOLATION_TTL_SECONDS", "86400", time.Second, &config.ViolationTTL},
		{"CLEANUP_INTERVAL_SECONDS", "300", time.Second, &config.CleanupInterval},
	}
	for _, v := range durations {
		parsed, err := strconv.ParseInt(getEnvWithDefault(v.key, v.defaultValue), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", v.key, err)
		}
		*v.target = time.Duration(parsed) * v.unit
	}

	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	switch strings.ToLower(config.StorageType) {
	case "redis", "memory":
	default:
		return fmt.Errorf("STORAGE_TYPE must be redis or memory")
	}

	if config.DefaultWindow <= 0 {
		return fmt.Errorf("DEFAULT_WINDOW_MS must be greater than 0")
	}

	if config.DefaultMaxRequests <= 0 {
		return fmt.Errorf("DEFAULT_MAX_REQUESTS must be greater than 0")
	}

	if config.BulkMaxRequests <= 0 {
		return fmt.Errorf("BULK_MAX_REQUESTS must be greater than 0")
	}

	if config.ViolationTTL <= 0 {
		return fmt.Errorf("VIOLATION_TTL_SECONDS must be greater than 0")
	}

	if config.CleanupInterval < 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_SECONDS must not be negative")
	}

	if config.RedisTimeout <= 0 {
		return fmt.Errorf("REDIS_TIMEOUT_MS must be greater than 0")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
