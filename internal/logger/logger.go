// Package logger はzapベースの構造化ロガーを提供します。
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はアプリケーション共通のロガーを作成します。
// debugモードでは人間が読みやすいコンソール出力、それ以外ではJSON出力になります。
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	return cfg.Build()
}

// WithTask はタスク単位の子ロガーを作成します。
func WithTask(l *zap.Logger, taskID string) *zap.Logger {
	return l.With(zap.String("task_id", taskID))
}
