package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAPI struct {
	gotSecretID string
	payload     *string
	err         error
}

func (f *fakeAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gotSecretID = aws.ToString(params.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.payload}, nil
}

func TestExpandTemplate(t *testing.T) {
	cases := []struct {
		tmpl, env, region, want string
	}{
		{"model-gateway/{env}/{region}/anthropic", "prod", "us-east-1", "model-gateway/prod/us-east-1/anthropic"},
		{"model-gateway/{env}/{region}/openai", "dev", "eu-west-1", "model-gateway/dev/eu-west-1/openai"},
		{"static/id", "prod", "us-east-1", "static/id"},
		{"{env}/{env}", "dev", "x", "dev/dev"},
	}
	for _, tc := range cases {
		if got := ExpandTemplate(tc.tmpl, tc.env, tc.region); got != tc.want {
			t.Errorf("ExpandTemplate(%q, %q, %q) = %q, want %q", tc.tmpl, tc.env, tc.region, got, tc.want)
		}
	}
}

func TestFetch_ExpandsAndDecodes(t *testing.T) {
	api := &fakeAPI{payload: aws.String(`{"current":"sk-live","previous":"sk-old"}`)}
	c := New(api, "prod", "us-east-1")

	kp, err := c.Fetch(context.Background(), "model-gateway/{env}/{region}/anthropic")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if api.gotSecretID != "model-gateway/prod/us-east-1/anthropic" {
		t.Fatalf("secret id = %q, want expanded template", api.gotSecretID)
	}
	if kp.Current != "sk-live" || kp.Previous != "sk-old" {
		t.Fatalf("keypair = %+v", kp)
	}
}

func TestFetch_APIErrorWrapped(t *testing.T) {
	cause := errors.New("ResourceNotFoundException")
	c := New(&fakeAPI{err: cause}, "dev", "us-east-1")

	_, err := c.Fetch(context.Background(), "model-gateway/{env}/{region}/openai")
	if !errors.Is(err, cause) {
		t.Fatalf("Fetch must wrap the API error, got %v", err)
	}
}

func TestFetch_EmptySecretString(t *testing.T) {
	for name, payload := range map[string]*string{
		"nil":   nil,
		"empty": aws.String(""),
	} {
		t.Run(name, func(t *testing.T) {
			c := New(&fakeAPI{payload: payload}, "dev", "us-east-1")
			_, err := c.Fetch(context.Background(), "id")
			if err == nil || !strings.Contains(err.Error(), "empty SecretString") {
				t.Fatalf("want empty SecretString error, got %v", err)
			}
		})
	}
}

func TestFetch_MissingCurrentKey(t *testing.T) {
	c := New(&fakeAPI{payload: aws.String(`{"previous":"sk-old"}`)}, "dev", "us-east-1")

	_, err := c.Fetch(context.Background(), "id")
	if err == nil || !strings.Contains(err.Error(), "current") {
		t.Fatalf("want missing current-key error, got %v", err)
	}
}

func TestFetch_MalformedPayload(t *testing.T) {
	c := New(&fakeAPI{payload: aws.String(`not-json`)}, "dev", "us-east-1")

	_, err := c.Fetch(context.Background(), "id")
	if err == nil || !strings.Contains(err.Error(), "decode payload") {
		t.Fatalf("want decode error, got %v", err)
	}
}
