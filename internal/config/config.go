// Package config loads service configuration from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Config contains application configuration. All credentials come from the
// environment; nothing is persisted alongside the code.
type Config struct {
	ImageGrid ImageGridConfig
	ArcGIS    ArcGISConfig

	// SourceTag labels every ledger entry and upload with its origin.
	SourceTag string
}

// ImageGridConfig is the upload platform configuration.
type ImageGridConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIURL       string
	Tenant       string
	Schema       string
}

// ArcGISConfig is the feature service configuration.
type ArcGISConfig struct {
	BaseURL       string
	SubstationURL string
	TokenURL      string
	Username      string
	Password      string
	RequestIP     string
}

// ValidationError names the missing required variables. Configuration errors
// are fatal before any file is touched.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Load reads configuration from environment variables and .env. Asset linking
// needs the feature service variables; plain uploads only need the platform
// ones, so feature service credentials are validated by the caller when
// linking is requested.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ImageGrid: ImageGridConfig{
			ClientID:     os.Getenv("IMAGEGRID_CLIENT_ID"),
			ClientSecret: os.Getenv("IMAGEGRID_CLIENT_SECRET"),
			TokenURL:     os.Getenv("IMAGEGRID_TOKEN_URL"),
			APIURL:       os.Getenv("IMAGEGRID_API_URL"),
			Tenant:       getenvDefault("IMAGEGRID_TENANT", "moerenett"),
			Schema:       getenvDefault("IMAGEGRID_SCHEMA", "Distribusjonsnett"),
		},
		ArcGIS: ArcGISConfig{
			BaseURL:       os.Getenv("ARCGIS_BASE_URL"),
			SubstationURL: os.Getenv("ARCGIS_SUBSTATION_URL"),
			TokenURL:      os.Getenv("ARCGIS_TOKEN_URL"),
			Username:      os.Getenv("ARCGIS_USERNAME"),
			Password:      os.Getenv("ARCGIS_PASSWORD"),
			RequestIP:     os.Getenv("ARCGIS_REQUEST_IP"),
		},
		SourceTag: os.Getenv("SOURCE_TAG"),
	}

	missing := requireAll(map[string]string{
		"IMAGEGRID_CLIENT_ID":     cfg.ImageGrid.ClientID,
		"IMAGEGRID_CLIENT_SECRET": cfg.ImageGrid.ClientSecret,
		"IMAGEGRID_TOKEN_URL":     cfg.ImageGrid.TokenURL,
		"IMAGEGRID_API_URL":       cfg.ImageGrid.APIURL,
	})
	if len(missing) > 0 {
		return Config{}, &ValidationError{Missing: missing}
	}
	return cfg, nil
}

// ValidateArcGIS checks the feature service variables required for asset
// linking.
func (c Config) ValidateArcGIS() error {
	missing := requireAll(map[string]string{
		"ARCGIS_BASE_URL":  c.ArcGIS.BaseURL,
		"ARCGIS_TOKEN_URL": c.ArcGIS.TokenURL,
		"ARCGIS_USERNAME":  c.ArcGIS.Username,
		"ARCGIS_PASSWORD":  c.ArcGIS.Password,
	})
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func requireAll(vars map[string]string) []string {
	var missing []string
	for name, value := range vars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	// Deterministic message order.
	sort.Strings(missing)
	return missing
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
