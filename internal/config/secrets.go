package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoSecretString is returned when the referenced secret has no string value.
var ErrNoSecretString = errors.New("secret has no string value")

// SecretFetcher fetches a secret's string value by reference.
type SecretFetcher interface {
	FetchSecretString(ctx context.Context, ref string) (string, error)
}

// LoadSecrets fills unset secret-backed fields from the JSON object stored at
// c.SecretARN. It returns the names of the keys it installed. A missing
// reference is not an error; callers treat any returned error as non-fatal.
func (c *Config) LoadSecrets(ctx context.Context, fetcher SecretFetcher) ([]string, error) {
	if c.SecretARN == "" || fetcher == nil {
		return nil, nil
	}
	if c.APIKey != "" {
		return nil, nil
	}

	value, err := fetcher.FetchSecretString(ctx, c.SecretARN)
	if err != nil {
		return nil, fmt.Errorf("fetch secret: %w", err)
	}
	if value == "" {
		return nil, ErrNoSecretString
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(value), &data); err != nil {
		return nil, fmt.Errorf("parse secret: %w", err)
	}

	var loaded []string
	if key, ok := data[apiKeyVariable].(string); ok && key != "" {
		c.APIKey = key
		loaded = append(loaded, apiKeyVariable)
	}
	return loaded, nil
}
