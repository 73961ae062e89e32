package config

import "time"

const (
	apiBaseURLVar = "API_BASE_URL"
	apiTimeoutVar = "API_TIMEOUT"

	devBaseURL  = "http://localhost:8080/api"
	prodBaseURL = "https://api.devtracker.com/api"
)

type APIConfig interface {
	GetAPIBaseURL() string
	GetAPITimeout() time.Duration
}

type API struct{}

var _ APIConfig = API{}

// GetAPIBaseURL falls back to the local backend in DEV and the hosted API otherwise.
func (API) GetAPIBaseURL() string {
	if (EnvVars{}).IsDev() {
		return GetEnv(apiBaseURLVar, devBaseURL)
	}
	return GetEnv(apiBaseURLVar, prodBaseURL)
}

func (API) GetAPITimeout() time.Duration {
	return GetEnvDuration(apiTimeoutVar, 10*time.Second)
}
