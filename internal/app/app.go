// Package app wires configuration into a ready chat service. Both the Lambda
// entry point and the dev server build through here.
package app

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"portfolio-chat/internal/config"
	"portfolio-chat/internal/integrations/gemini"
	"portfolio-chat/internal/integrations/paramstore"
	"portfolio-chat/internal/profile"
	"portfolio-chat/internal/secrets"
	"portfolio-chat/internal/usecase"
)

// NewChatService builds the service for cfg. AWS credentials are only loaded
// when an SSM parameter is configured as a key source.
func NewChatService(ctx context.Context, cfg config.Config) (*usecase.ChatService, error) {
	keys, err := keySource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := gemini.NewClient(
		gemini.WithBaseURL(cfg.BaseURL),
		gemini.WithModel(cfg.Model),
		gemini.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create gemini client: %w", err)
	}

	svc, err := usecase.NewChatService(keys, client, profile.Context())
	if err != nil {
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}
	return svc, nil
}

func keySource(ctx context.Context, cfg config.Config) (secrets.Source, error) {
	chain := secrets.Chain{secrets.NewEnv(config.EnvAPIKey)}
	if cfg.APIKeyParam == "" {
		return chain, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	fromSSM, err := secrets.NewParamStore(ps, cfg.APIKeyParam)
	if err != nil {
		return nil, fmt.Errorf("app: create SSM key source: %w", err)
	}
	return append(chain, fromSSM), nil
}
