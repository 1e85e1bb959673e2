// Package config loads and validates the function's environment configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Defaults for optional settings.
const (
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "require"
	DefaultRegion           = "us-east-1"
	DefaultSMTPHost         = "email-smtp.us-east-1.amazonaws.com"
	DefaultSMTPPort         = 587
	DefaultInboundBucket    = "iris-bucket101425"
	DefaultInboundPrefix    = "emails/"
	DefaultEmbeddingModelID = "amazon.titan-embed-text-v2:0"
	DefaultFilterEmail      = "demo@irispro.xyz"
)

// Optional environment variable names.
const (
	apiKeyVariable           = "OPENAI_API_KEY"
	secretReferenceVariable  = "SECRET_ARN"
	embeddingModelIDVariable = "EMBEDDING_MODEL_ID"
	defaultFilterVariable    = "DEFAULT_FILTER_EMAIL"
	inboundBucketVariable    = "INBOUND_BUCKET"
	inboundPrefixVariable    = "INBOUND_PREFIX"
	outputBucketVariable     = "S3_BUCKET"
	regionVariable           = "AWS_REGION"
	smtpHostVariable         = "SMTP_HOST"
	smtpPortVariable         = "SMTP_PORT"
	databasePortVariable     = "DB_PORT"
	databaseSSLModeVariable  = "DB_SSLMODE"
)

// requiredKeys lists the variables that must be non-empty, in reporting order.
var requiredKeys = []string{
	"SMTP_USERNAME",
	"SMTP_PASSWORD",
	"FROM_EMAIL",
	"DB_HOST",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
}

// MissingError reports required configuration values that were not set.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Keys, ", ")
}

// SMTP holds the mail relay settings.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the relay address in host:port form.
func (s SMTP) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Database holds PostgreSQL connection parameters.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns a lib/pq connection URL for the database.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return u.String()
}

// Config is the process configuration, built once at cold start.
type Config struct {
	SMTP      SMTP
	FromEmail string
	Database  Database

	// OutputBucket receives JSON backups; empty disables them.
	OutputBucket string
	Region       string

	// InboundBucket and InboundPrefix locate raw mail written by the SES
	// receipt rule. Only one bucket is read regardless of recipient account.
	InboundBucket string
	InboundPrefix string

	SecretARN          string
	// APIKey is the third-party embedding key from the secret. Only its
	// presence is reported; embeddings are generated through Bedrock.
	APIKey             string
	EmbeddingModelID   string
	DefaultFilterEmail string
}

// Load reads configuration through getenv and validates required values.
// A *MissingError is returned naming every missing required key.
func Load(getenv func(string) string) (*Config, error) {
	var missing []string
	required := make(map[string]string, len(requiredKeys))
	for _, key := range requiredKeys {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		required[key] = v
	}
	if len(missing) > 0 {
		return nil, &MissingError{Keys: missing}
	}

	dbPort, err := intOr(getenv(databasePortVariable), DefaultDBPort)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", databasePortVariable, err)
	}
	smtpPort, err := intOr(getenv(smtpPortVariable), DefaultSMTPPort)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", smtpPortVariable, err)
	}

	return &Config{
		SMTP: SMTP{
			Host:     stringOr(getenv(smtpHostVariable), DefaultSMTPHost),
			Port:     smtpPort,
			Username: required["SMTP_USERNAME"],
			Password: required["SMTP_PASSWORD"],
		},
		FromEmail: required["FROM_EMAIL"],
		Database: Database{
			Host:     required["DB_HOST"],
			Port:     dbPort,
			User:     required["DB_USER"],
			Password: required["DB_PASSWORD"],
			Name:     required["DB_NAME"],
			SSLMode:  stringOr(getenv(databaseSSLModeVariable), DefaultDBSSLMode),
		},
		OutputBucket:       strings.TrimSpace(getenv(outputBucketVariable)),
		Region:             stringOr(getenv(regionVariable), DefaultRegion),
		InboundBucket:      stringOr(getenv(inboundBucketVariable), DefaultInboundBucket),
		InboundPrefix:      stringOr(getenv(inboundPrefixVariable), DefaultInboundPrefix),
		SecretARN:          strings.TrimSpace(getenv(secretReferenceVariable)),
		APIKey:             strings.TrimSpace(getenv(apiKeyVariable)),
		EmbeddingModelID:   stringOr(getenv(embeddingModelIDVariable), DefaultEmbeddingModelID),
		DefaultFilterEmail: stringOr(getenv(defaultFilterVariable), DefaultFilterEmail),
	}, nil
}

// InboundKey returns the object key SES uses for the given message.
func (c *Config) InboundKey(messageID string) string {
	return c.InboundPrefix + messageID
}

func stringOr(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func intOr(v string, def int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
