package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log   LogConfig
	Hub   HubConfig
	Proxy ProxyConfig
}

type HubConfig struct {
	URL               string        `mapstructure:"url"`
	AuthToken         string        `mapstructure:"auth_token"`
	AgentID           string        `mapstructure:"agent_id"`
	AgentName         string        `mapstructure:"agent_name"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnect      int           `mapstructure:"max_reconnect"`
}

type ProxyConfig struct {
	Type      string `mapstructure:"type"`
	Port      int    `mapstructure:"port"`
	StartCmd  string `mapstructure:"start_cmd"`
	StopCmd   string `mapstructure:"stop_cmd"`
	AutoStart bool   `mapstructure:"auto_start"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/proxyfleet-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("hub.url", "HUB_URL")
	_ = viper.BindEnv("hub.auth_token", "HUB_AUTH_TOKEN")

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
