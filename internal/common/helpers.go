// Package common implements helper functions shared by the host agent and
// collector CLI apps.
package common

import (
	"errors"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// GetUUIDFromString returns a deterministic UUID built from the 128-bit xxh3
// hash of the comma-joined strings in stringSlice.
func GetUUIDFromString(stringSlice []string) (string, error) {
	s := strings.Join(stringSlice, ",")
	h := xxh3.HashString128(s).Bytes()
	uuid, err := uuid.FromBytes(h[:])

	return uuid.String(), err
}

// MakeConfig reads the YAML config file at filePath into a new T and returns
// it. Defaults, if any, are set by T's own UnmarshalYAML.
func MakeConfig[T any](filePath string) (*T, error) {
	// Create a new pointer to config instance
	config := new(T)

	// If no config file path provided, return an error
	if filePath == "" {
		return config, errors.New("config file path missing")
	}

	// Read config file
	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return config, err
	}

	err = yaml.Unmarshal(configFile, config)
	if err != nil {
		return config, err
	}

	return config, nil
}
