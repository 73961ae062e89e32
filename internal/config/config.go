package config

import (
	"github.com/joho/godotenv"
)

type Config interface {
	EnvConfig
	APIConfig
	GitHubConfig
	StorageConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	IsDev() bool
}

type mainConfig struct {
	EnvVars
	API
	GitHub
	Storage
}

// New returns the environment backed configuration. Any .env files passed in
// (or ./.env when none are given) are loaded first; missing files are ignored.
func New(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)
	return mainConfig{}
}
