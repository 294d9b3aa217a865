// Package config loads the runtime's configuration from flat environment
// variables, with a per-pipeline override map on top of the
// pipeline-independent defaults.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is the process-wide configuration. Four options can be overridden
// per pipeline via PIPELINE_<ID>_<OPTION> env vars (see the Pipeline*
// accessors).
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost string
	RedisPort string

	EtcdEndpoints     []string
	LeaderElectionTTL int

	APIPort string

	// Auth settings.
	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool

	// Pipeline-independent options (defaults; MaxConcurrent, EnableGitWorkflow,
	// RetryAttempts and RetryDelayMS are overridable per pipeline).
	MaxConcurrent       int
	EnableGitWorkflow   bool
	GitBranchPrefix     string
	GitBaseBranch       string
	GitDryRun           bool
	EnablePRCreation    bool
	PRDryRun            bool
	GitHubOwner         string
	GitHubRepo          string
	GitHubToken         string
	RetryAttempts       int
	RetryDelayMS        int
	MaxActivities       int
	MaxAbsoluteAttempts int

	// MigrationAPIKey guards POST /api/jobs/bulk-import (constant-time
	// compared, never logged).
	MigrationAPIKey string

	// ArtifactStoreKind selects "s3" or "local" for pkg/artifact.
	ArtifactStoreKind string
	ArtifactS3Bucket  string
	ArtifactLocalDir  string
}

func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "sidequest"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "sidequest"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints:     splitCSV(getEnv("ETCD_ENDPOINTS", "localhost:2379")),
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),

		APIPort: getEnv("API_PORT", "8080"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "sidequest"),
		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),

		MaxConcurrent:       getEnvAsInt("MAX_CONCURRENT", 3),
		EnableGitWorkflow:   getEnvAsBool("ENABLE_GIT_WORKFLOW", false),
		GitBranchPrefix:     getEnv("GIT_BRANCH_PREFIX", "sidequest"),
		GitBaseBranch:       getEnv("GIT_BASE_BRANCH", "main"),
		GitDryRun:           getEnvAsBool("GIT_DRY_RUN", true),
		EnablePRCreation:    getEnvAsBool("ENABLE_PR_CREATION", false),
		PRDryRun:            getEnvAsBool("PR_DRY_RUN", true),
		GitHubOwner:         getEnv("GITHUB_OWNER", ""),
		GitHubRepo:          getEnv("GITHUB_REPO", ""),
		GitHubToken:         getEnv("GITHUB_TOKEN", ""),
		RetryAttempts:       getEnvAsInt("RETRY_ATTEMPTS", 3),
		RetryDelayMS:        getEnvAsInt("RETRY_DELAY_MS", 500),
		MaxActivities:       getEnvAsInt("MAX_ACTIVITIES", 50),
		MaxAbsoluteAttempts: getEnvAsInt("MAX_ABSOLUTE_ATTEMPTS", 5),

		MigrationAPIKey: getEnv("MIGRATION_API_KEY", ""),

		ArtifactStoreKind: getEnv("ARTIFACT_STORE_KIND", "local"),
		ArtifactS3Bucket:  getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactLocalDir:  getEnv("ARTIFACT_LOCAL_DIR", "/tmp/sidequest-artifacts"),
	}
}

// PipelineMaxConcurrent and the other Pipeline* accessors resolve a
// per-pipeline integer/bool override of the form PIPELINE_<ID>_<OPTION>, falling back to the process default when
// unset. pipelineID is upper-cased and non-alphanumerics become "_"
// (e.g. "duplicate-detection" -> "DUPLICATE_DETECTION").
func (c *Config) PipelineMaxConcurrent(pipelineID string) int {
	return pipelineEnvAsInt(pipelineID, "MAX_CONCURRENT", c.MaxConcurrent)
}

func (c *Config) PipelineRetryAttempts(pipelineID string) int {
	return pipelineEnvAsInt(pipelineID, "RETRY_ATTEMPTS", c.RetryAttempts)
}

func (c *Config) PipelineRetryDelayMS(pipelineID string) int {
	return pipelineEnvAsInt(pipelineID, "RETRY_DELAY_MS", c.RetryDelayMS)
}

func (c *Config) PipelineGitWorkflowEnabled(pipelineID string) bool {
	return pipelineEnvAsBool(pipelineID, "ENABLE_GIT_WORKFLOW", c.EnableGitWorkflow)
}

func pipelineEnvKey(pipelineID, option string) string {
	slug := strings.ToUpper(pipelineID)
	slug = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, slug)
	return "PIPELINE_" + slug + "_" + option
}

func pipelineEnvAsInt(pipelineID, option string, fallback int) int {
	if v, ok := os.LookupEnv(pipelineEnvKey(pipelineID, option)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func pipelineEnvAsBool(pipelineID, option string, fallback bool) bool {
	if v, ok := os.LookupEnv(pipelineEnvKey(pipelineID, option)); ok {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
