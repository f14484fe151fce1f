package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ServiceName = "pi-camera-stream"

var (
	logger *zap.SugaredLogger
	// shared by every logger from NewLogger so -log-level applies everywhere
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	logger = NewLogger(ServiceName)
}

func GetLogger() *zap.SugaredLogger {
	return logger
}

// SetLevel changes the level of every logger built by NewLogger.
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

func Level() string {
	return level.String()
}

// NewLogger builds a console logger named name, writing to stderr.
func NewLogger(name string) *zap.SugaredLogger {
	cfg := zap.Config{
		Level:    level,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:   "msg",
			LevelKey:     "level",
			TimeKey:      "time",
			NameKey:      "logger",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.CapitalLevelEncoder,
			EncodeTime:   zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
			EncodeName:   zapcore.FullNameEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build(zap.AddCaller())
	if err != nil {
		panic(err)
	}
	return l.Named(name).Sugar()
}
