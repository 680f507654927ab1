package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/proxyfleet/proxyfleet/internal/api/http"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Database DatabaseConfig
	Checker  CheckerConfig
}

type DatabaseConfig struct {
	Url    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

type CheckerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	TestURL        string        `mapstructure:"test_url"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/proxyfleet-hub")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
