package config

import "time"

// RedisConfig is shared by every service that talks to the queue/KV store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadRedisConfig reads REDIS_ADDR/REDIS_PASSWORD/REDIS_DB.
func LoadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     Env("REDIS_ADDR", "localhost:6379"),
		Password: Env("REDIS_PASSWORD", ""),
		DB:       EnvInt("REDIS_DB", 0),
	}
}

// SchedulerConfig configures the Scheduler service (spec.md §4.3).
type SchedulerConfig struct {
	Redis                  RedisConfig
	EpochIntervalSecs      int
	BackendTimeoutSecs     int
	MaxModelsPerCPUBackend int
}

func LoadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Redis:                  LoadRedisConfig(),
		EpochIntervalSecs:      EnvInt("EPOCH_SCHEDULING_INTERVAL_SECS", 5),
		BackendTimeoutSecs:     EnvInt("BACKEND_TIMEOUT_SECS", 15),
		MaxModelsPerCPUBackend: EnvInt("MAX_MODELS_PER_BACKEND", 5),
	}
}

// BackendConfig configures a Per-Backend Runtime process (spec.md §4.2).
type BackendConfig struct {
	Redis             RedisConfig
	BackendName       string
	HeartbeatInterval time.Duration
	ModelStorePath    string
	UseGPU            bool
	GpuTotalMemMiB    float64
	GpuName           string
}

func LoadBackendConfig() BackendConfig {
	return BackendConfig{
		Redis:             LoadRedisConfig(),
		BackendName:       Env("BACKEND_NAME", "backend-0"),
		HeartbeatInterval: EnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		ModelStorePath:    Env("MODEL_STORE_PATH", "./modelstore.db"),
		UseGPU:            EnvBool("BACKEND_USE_GPU", false),
		GpuTotalMemMiB:    EnvFloat("BACKEND_GPU_TOTAL_MEM_MIB", 8192),
		GpuName:           Env("BACKEND_GPU_NAME", "nvidia-t4"),
	}
}

// FrontDoorConfig configures the HTTP ingress service (spec.md §4.5, §6).
type FrontDoorConfig struct {
	Redis           RedisConfig
	ListenAddr      string
	APIKey          string
	FrontendName    string
	InferTimeout    time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

func LoadFrontDoorConfig() FrontDoorConfig {
	return FrontDoorConfig{
		Redis:          LoadRedisConfig(),
		ListenAddr:     Env("LISTEN_ADDR", ":8080"),
		APIKey:         Env("NXS_API_KEY", ""),
		FrontendName:   Env("FRONTEND_NAME", "frontdoor-0"),
		InferTimeout:   EnvDuration("INFER_TIMEOUT", 10*time.Second),
		RateLimitRPS:   EnvFloat("RATE_LIMIT_RPS", 200),
		RateLimitBurst: EnvInt("RATE_LIMIT_BURST", 400),
	}
}

// WorkloadManagerConfig configures the Workload Manager (spec.md §4.4).
type WorkloadManagerConfig struct {
	Redis                    RedisConfig
	ReportInterval           time.Duration
	ModelTimeoutSecs         int
	EnableInstantScheduling  bool
}

func LoadWorkloadManagerConfig() WorkloadManagerConfig {
	return WorkloadManagerConfig{
		Redis:                   LoadRedisConfig(),
		ReportInterval:          EnvDuration("REPORT_WORKLOADS_INTERVAL", 5*time.Second),
		ModelTimeoutSecs:        EnvInt("MODEL_TIMEOUT_SECS", 30),
		EnableInstantScheduling: EnvBool("ENABLE_INSTANT_SCHEDULING", true),
	}
}
