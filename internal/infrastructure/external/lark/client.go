// Package lark delivers approver notifications through Lark IM.
package lark

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"go.uber.org/zap"
)

// Config holds Lark client configuration
type Config struct {
	AppID     string
	AppSecret string
}

// NewClient creates a Lark SDK client with tenant token caching
func NewClient(cfg Config, logger *zap.Logger) *lark.Client {
	logger.Info("Creating Lark client", zap.String("app_id", cfg.AppID))
	return lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)
}
