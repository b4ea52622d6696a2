package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Core      int
	Max       int
	Queue     int
	KeepAlive time.Duration
	Policy    string
}

// ExecutionConfig controls how programs are compiled and run.
type ExecutionConfig struct {
	Strategy         string
	WorkspaceRoot    string
	CompileTimeout   time.Duration
	DefaultTimeLimit time.Duration
	DefaultMemoryMB  int
	MaxOutputBytes   int
	DockerHost       string
	DockerUser       string
	JobeEnabled      bool
	JobeURL          string
	JobeAPIKey       string
}

// GradingConfig controls scoring and scheduling of grading runs.
type GradingConfig struct {
	PassThreshold       float64
	PartialThreshold    float64
	QuestionParallelism int
	TestCaseParallelism int
	StatsCacheTTL       time.Duration
	LockTTL             time.Duration
}

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	NATSSubject      string
	JWTSecret        string
	JWTRefreshSecret string
	// CodeRunsPerMinute caps check and submit requests per user.
	CodeRunsPerMinute int

	Execution ExecutionConfig
	Grading   GradingConfig

	GradingPool   PoolConfig
	CompilePool   PoolConfig
	ExecutionPool PoolConfig
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	statsTTL, err := parseDuration(v, "grading.stats_cache_ttl")
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := parseDuration(v, "grading.lock_ttl")
	if err != nil {
		return Config{}, err
	}
	keepAlive, err := parseDuration(v, "pools.keep_alive")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		LogLevel:         strings.ToLower(v.GetString("log.level")),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		NATSSubject:      v.GetString("nats.subject"),
		JWTSecret:        v.GetString("jwt.secret"),
		JWTRefreshSecret: v.GetString("jwt.refresh_secret"),
		Execution: ExecutionConfig{
			Strategy:         strings.ToLower(v.GetString("execution.strategy")),
			WorkspaceRoot:    v.GetString("execution.workspace_root"),
			CompileTimeout:   time.Duration(v.GetInt("execution.compile_timeout_ms")) * time.Millisecond,
			DefaultTimeLimit: time.Duration(v.GetInt("execution.default_time_limit_ms")) * time.Millisecond,
			DefaultMemoryMB:  v.GetInt("execution.default_memory_mb"),
			MaxOutputBytes:   v.GetInt("execution.max_output_bytes"),
			DockerHost:       v.GetString("docker_host"),
			DockerUser:       v.GetString("docker_user"),
			JobeEnabled:      v.GetBool("jobe.enabled"),
			JobeURL:          strings.TrimRight(v.GetString("jobe.url"), "/"),
			JobeAPIKey:       v.GetString("jobe.api_key"),
		},
		Grading: GradingConfig{
			PassThreshold:       v.GetFloat64("grading.pass_threshold"),
			PartialThreshold:    v.GetFloat64("grading.partial_threshold"),
			QuestionParallelism: v.GetInt("grading.question_parallelism"),
			TestCaseParallelism: v.GetInt("grading.testcase_parallelism"),
			StatsCacheTTL:       statsTTL,
			LockTTL:             lockTTL,
		},
		GradingPool:   poolConfig(v, "grading", keepAlive),
		CompilePool:   poolConfig(v, "compile", keepAlive),
		ExecutionPool: poolConfig(v, "execution", keepAlive),
	}

	cfg.CodeRunsPerMinute = v.GetInt("rate_limit.code_runs_per_minute")

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Autograder")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("nats.subject", "gema.grading.events")
	v.SetDefault("rate_limit.code_runs_per_minute", 30)

	v.SetDefault("execution.strategy", "hybrid")
	v.SetDefault("execution.compile_timeout_ms", 10000)
	v.SetDefault("execution.default_time_limit_ms", 1000)
	v.SetDefault("execution.default_memory_mb", 128)
	v.SetDefault("execution.max_output_bytes", 65536)
	v.SetDefault("jobe.enabled", false)

	v.SetDefault("grading.pass_threshold", 0.8)
	v.SetDefault("grading.partial_threshold", 0.5)
	v.SetDefault("grading.question_parallelism", 4)
	v.SetDefault("grading.testcase_parallelism", 1)
	v.SetDefault("grading.stats_cache_ttl", "1m")
	v.SetDefault("grading.lock_ttl", "10m")

	v.SetDefault("pools.keep_alive", "60s")
	v.SetDefault("pools.policy", "caller_runs")
	v.SetDefault("pools.grading.core", 2)
	v.SetDefault("pools.grading.max", 5)
	v.SetDefault("pools.grading.queue", 100)
	v.SetDefault("pools.compile.core", 1)
	v.SetDefault("pools.compile.max", 3)
	v.SetDefault("pools.compile.queue", 50)
	v.SetDefault("pools.compile.policy", "reject")
	v.SetDefault("pools.execution.core", 3)
	v.SetDefault("pools.execution.max", 8)
	v.SetDefault("pools.execution.queue", 200)
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func poolConfig(v *viper.Viper, name string, keepAlive time.Duration) PoolConfig {
	policy := v.GetString("pools." + name + ".policy")
	if policy == "" {
		policy = v.GetString("pools.policy")
	}
	return PoolConfig{
		Core:      v.GetInt("pools." + name + ".core"),
		Max:       v.GetInt("pools." + name + ".max"),
		Queue:     v.GetInt("pools." + name + ".queue"),
		KeepAlive: keepAlive,
		Policy:    policy,
	}
}

// Validate checks pool sizing, thresholds and execution limits.
func (c Config) Validate() error {
	var errs []error
	pools := map[string]PoolConfig{"grading": c.GradingPool, "compile": c.CompilePool, "execution": c.ExecutionPool}
	for _, name := range []string{"grading", "compile", "execution"} {
		pool := pools[name]
		if pool.Core <= 0 || pool.Max < pool.Core {
			errs = append(errs, fmt.Errorf("pool %s: require 0 < core <= max, got core=%d max=%d", name, pool.Core, pool.Max))
		}
		if pool.Queue < 0 {
			errs = append(errs, fmt.Errorf("pool %s: queue must not be negative", name))
		}
	}

	g := c.Grading
	if g.PartialThreshold < 0 || g.PassThreshold > 1 || g.PartialThreshold > g.PassThreshold {
		errs = append(errs, fmt.Errorf("grading thresholds must satisfy 0 <= partial <= pass <= 1, got partial=%v pass=%v", g.PartialThreshold, g.PassThreshold))
	}
	if g.StatsCacheTTL <= 0 || g.LockTTL <= 0 {
		errs = append(errs, errors.New("grading cache and lock ttl must be positive"))
	}

	e := c.Execution
	if e.CompileTimeout <= 0 || e.DefaultTimeLimit <= 0 || e.DefaultMemoryMB <= 0 || e.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("execution limits must be positive"))
	}
	if e.JobeEnabled && e.JobeURL == "" {
		errs = append(errs, errors.New("jobe.url is required when jobe is enabled"))
	}
	return errors.Join(errs...)
}
