// Package config loads daemon settings from environment variables, with an
// optional .env file for local development.
package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	JWTSecret           string `mapstructure:"JWT_SECRET"`
	PINMaxFailures      int    `mapstructure:"PIN_MAX_FAILURES"`
	PINLockoutSeconds   int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	CodeTTLSeconds      int    `mapstructure:"CODE_TTL_SECONDS"`
	CodeLength          int    `mapstructure:"CODE_LENGTH"`
	DebitMaxAttempts    int    `mapstructure:"DEBIT_MAX_ATTEMPTS"`
	SweepCron           string `mapstructure:"SWEEP_CRON"`
	SweepGraceSeconds   int    `mapstructure:"SWEEP_GRACE_SECONDS"`
}

// LoadConfig reads configuration from the environment, and from an optional
// .env file under path. A missing .env file is not an error.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "ledger_events")
	viper.SetDefault("PIN_MAX_FAILURES", 5)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 600)
	viper.SetDefault("CODE_TTL_SECONDS", 300)
	viper.SetDefault("CODE_LENGTH", 6)
	viper.SetDefault("DEBIT_MAX_ATTEMPTS", 8)
	viper.SetDefault("SWEEP_CRON", "@every 10m")
	viper.SetDefault("SWEEP_GRACE_SECONDS", 1800)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("PIN_MAX_FAILURES")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("CODE_TTL_SECONDS")
	_ = viper.BindEnv("CODE_LENGTH")
	_ = viper.BindEnv("DEBIT_MAX_ATTEMPTS")
	_ = viper.BindEnv("SWEEP_CRON")
	_ = viper.BindEnv("SWEEP_GRACE_SECONDS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	if config.PINMaxFailures <= 0 {
		config.PINMaxFailures = 5
	}
	if config.PINLockoutSeconds <= 0 {
		config.PINLockoutSeconds = 600
	}
	if config.CodeTTLSeconds <= 0 {
		config.CodeTTLSeconds = 300
	}
	if config.CodeLength <= 0 {
		config.CodeLength = 6
	}
	if config.DebitMaxAttempts <= 0 {
		config.DebitMaxAttempts = 8
	}
	if config.SweepGraceSeconds <= 0 {
		config.SweepGraceSeconds = 1800
	}
	if strings.TrimSpace(config.SweepCron) == "" {
		config.SweepCron = "@every 10m"
	}

	return
}
