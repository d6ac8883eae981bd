package config

import (
	"fmt"
	"time"
)

// Collector configures the development collector server.
type Collector struct {
	Addr         string
	DataDir      string
	RegistryPath string
	// AdminSecret signs admin bearer tokens (HS256). Empty disables the admin API.
	AdminSecret     string
	AllowedOrigin   string
	ShutdownTimeout time.Duration
	Debug           bool
}

func CollectorFromEnv() Collector {
	return Collector{
		Addr:            getString("COLLECTOR_ADDR", ":8080"),
		DataDir:         getString("COLLECTOR_DATA_DIR", "data"),
		RegistryPath:    getString("COLLECTOR_REGISTRY", "projects.json"),
		AdminSecret:     getString("COLLECTOR_ADMIN_SECRET", ""),
		AllowedOrigin:   getString("COLLECTOR_ALLOWED_ORIGIN", "*"),
		ShutdownTimeout: time.Duration(getInt("COLLECTOR_SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		Debug:           getBool("COLLECTOR_DEBUG", false),
	}
}

// LoadCollector is CollectorFromEnv after reading envFile when it exists.
func LoadCollector(envFile string) (Collector, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Collector{}, err
	}
	c := CollectorFromEnv()
	if c.Addr == "" {
		return Collector{}, fmt.Errorf("%w: collector address is required", ErrInvalidArgument)
	}
	return c, nil
}
