package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	MigrationsDir  string
	AllowedOrigins []string
}

// EnvDefaults holds the environment-sourced defaults for the flags in
// cmd/chatterd, prefixed CHATTERD_.
type EnvDefaults struct {
	Addr           string `envconfig:"ADDR" default:"localhost:8000"`
	DSN            string `envconfig:"DSN" default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	Migrations     string `envconfig:"MIGRATIONS" default:"migrations"`
}

func DefaultsFromEnv() (EnvDefaults, error) {
	var d EnvDefaults
	err := envconfig.Process("chatterd", &d)
	return d, err
}

func NewConfig(serverAddr, databaseDSN, migrationsDir string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if migrationsDir == "" {
		return nil, fmt.Errorf("migrations directory cannot be empty")
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		MigrationsDir:  migrationsDir,
		AllowedOrigins: allowedOrigins,
	}, nil
}
