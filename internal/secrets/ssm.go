package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

type ParameterClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Get fetches a (possibly SecureString) parameter value.
func Get(ctx context.Context, c ParameterClient, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty parameter name")
	}

	out, err := c.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm GetParameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// GetByEnv resolves the parameter whose name is stored in envVar.
// Returns "" without error when the env var is unset, so callers can treat
// the secret as optional.
func GetByEnv(ctx context.Context, c ParameterClient, envVar string) (string, error) {
	name := strings.TrimSpace(os.Getenv(envVar))
	if name == "" {
		return "", nil
	}
	return Get(ctx, c, name)
}
