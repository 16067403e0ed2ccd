package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

var drivers = []string{"postgres", "sqlite"}

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
}

// File is the YAML config file layout. Set fields override flag values.
type File struct {
	Addr           string   `yaml:"addr"`
	Driver         string   `yaml:"driver"`
	DSN            string   `yaml:"dsn"`
	SigningKey     string   `yaml:"signing_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, driver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if !slices.Contains(drivers, driver) {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: driver,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// LoadFile reads a YAML config file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &f, nil
}

// Merge overlays the set fields of f onto the flag values.
func (f *File) Merge(addr, driver, dsn, key *string, origins *[]string) {
	if f.Addr != "" {
		*addr = f.Addr
	}
	if f.Driver != "" {
		*driver = f.Driver
	}
	if f.DSN != "" {
		*dsn = f.DSN
	}
	if f.SigningKey != "" {
		*key = f.SigningKey
	}
	if len(f.AllowedOrigins) > 0 {
		*origins = f.AllowedOrigins
	}
}
