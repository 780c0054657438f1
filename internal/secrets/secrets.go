// Package secrets fetches provider API credentials from AWS Secrets Manager.
//
// A ServiceConfig carries an opaque, templated secretId per provider
// ("model-gateway/{env}/{region}/anthropic"); the placeholders are expanded
// with the deployment stage and request region before the lookup. The secret
// payload is a JSON object with a required "current" key and an optional
// "previous" key kept during rotation.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// API is the subset of the Secrets Manager client the gateway uses.
// Tests inject a fake; production wraps the real SDK client.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Keypair is the decoded secret payload. Previous is only set while a
// rotation is in flight.
type Keypair struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
}

// Client resolves templated secret references against one (env, region).
type Client struct {
	api    API
	env    string
	region string
}

// New creates a Client over an existing API implementation.
func New(api API, env, region string) *Client {
	return &Client{api: api, env: env, region: region}
}

// NewFromConfig builds a Client using the default AWS credential chain.
func NewFromConfig(ctx context.Context, env, region string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return New(secretsmanager.NewFromConfig(cfg), env, region), nil
}

// Fetch expands secretID's placeholders, reads the secret, and decodes the
// payload. Every failure mode carries the underlying cause so the adapter
// can surface it in the AUTH error detail.
func (c *Client) Fetch(ctx context.Context, secretID string) (Keypair, error) {
	id := ExpandTemplate(secretID, c.env, c.region)

	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return Keypair{}, fmt.Errorf("secrets: get %s: %w", id, err)
	}

	if out.SecretString == nil || *out.SecretString == "" {
		return Keypair{}, fmt.Errorf("secrets: %s: empty SecretString", id)
	}

	var kp Keypair
	if err := json.Unmarshal([]byte(*out.SecretString), &kp); err != nil {
		return Keypair{}, fmt.Errorf("secrets: %s: decode payload: %w", id, err)
	}
	if kp.Current == "" {
		return Keypair{}, fmt.Errorf("secrets: %s: payload missing required \"current\" key", id)
	}

	return kp, nil
}

// ExpandTemplate substitutes the {env} and {region} placeholders in tmpl.
func ExpandTemplate(tmpl, env, region string) string {
	s := strings.ReplaceAll(tmpl, "{env}", env)
	return strings.ReplaceAll(s, "{region}", region)
}
