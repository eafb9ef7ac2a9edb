package config

import (
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds the accounting-engine settings beyond database/redis
// connection details (those live under their own viper keys, see database
// package).
type EngineConfig struct {
	ListenAddr string

	// GL mapping roles the engine posts against.
	NSFFeeRole     string
	ReceivableRole string

	// Advisory-lock TTL for a recurring-bill run.
	RunLockTTL time.Duration

	// External platform API.
	PlatformBaseURL string
	PlatformAPIKey  string
	PlatformTimeout time.Duration
}

// Load reads config from .env plus the environment: the file is optional,
// env always wins.
func Load() *EngineConfig {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("listen_addr", "LISTEN_ADDR")
	viper.BindEnv("nsf_fee_role", "NSF_FEE_ROLE")
	viper.BindEnv("receivable_role", "RECEIVABLE_ROLE")
	viper.BindEnv("run_lock_ttl", "RUN_LOCK_TTL")
	viper.BindEnv("platform.base_url", "PLATFORM_BASE_URL")
	viper.BindEnv("platform.api_key", "PLATFORM_API_KEY")
	viper.BindEnv("platform.timeout", "PLATFORM_TIMEOUT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("nsf_fee_role", "nsf-fee-income")
	viper.SetDefault("receivable_role", "ar-receivable")
	viper.SetDefault("run_lock_ttl", 15*time.Minute)
	viper.SetDefault("platform.timeout", 30*time.Second)

	return &EngineConfig{
		ListenAddr:      viper.GetString("listen_addr"),
		NSFFeeRole:      viper.GetString("nsf_fee_role"),
		ReceivableRole:  viper.GetString("receivable_role"),
		RunLockTTL:      viper.GetDuration("run_lock_ttl"),
		PlatformBaseURL: viper.GetString("platform.base_url"),
		PlatformAPIKey:  viper.GetString("platform.api_key"),
		PlatformTimeout: viper.GetDuration("platform.timeout"),
	}
}
