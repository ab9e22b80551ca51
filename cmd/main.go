package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"portfolio-chat/handler"
	"portfolio-chat/internal/app"
	"portfolio-chat/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here; the API key is read per request) ----
	cfg := config.Load()

	svc, err := app.NewChatService(ctx, cfg)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
