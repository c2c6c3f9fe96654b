// Package gwlog builds the process-wide structured logger used by every
// subsystem. Logging is the one piece of ambient infrastructure every
// daemon in the stack shares, so it lives in its own small package rather
// than being wired up redundantly by each subsystem.
package gwlog

import (
	"log"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var level = zap.NewAtomicLevel()

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// New returns a sugared zap logger tagged with name (e.g. "dhcpd",
// "dnsd"), sharing a single atomic level across the process so SetLevel
// affects every logger returned from here.
func New(name string) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = timeEncoder

	logger, err := cfg.Build()
	if err != nil {
		log.Panicf("gwlog: cannot build logger: %v", err)
	}

	return logger.Sugar().Named(name)
}

// SetLevel adjusts the shared logging level at runtime (GatewayConfig's
// log.level field reaches here on every config reload).
func SetLevel(lvl string) error {
	var l zapcore.Level
	if err := (&l).UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}
