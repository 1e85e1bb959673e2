// Package secrets reads secret values from AWS Secrets Manager.
package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI abstracts the Secrets Manager operations used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Client fetches secret strings.
type Client struct {
	api SecretsManagerAPI
}

// NewClient creates a new Client.
func NewClient(api SecretsManagerAPI) *Client {
	return &Client{api: api}
}

// FetchSecretString returns the SecretString of the secret identified by ref.
// An empty string is returned when the secret holds binary data only.
func (c *Client) FetchSecretString(ctx context.Context, ref string) (string, error) {
	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	return aws.ToString(out.SecretString), nil
}
