package logger

import (
	"os"

	"github.com/sundeep-k/voxqueue/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the narrow logging surface every component in this module
// depends on. Never the global zap logger directly.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Named(name string) Logger
	With(fields ...zap.Field) Logger
}

type apiLogger struct {
	cfg    *config.Config
	sugar  *zap.SugaredLogger
	logger *zap.Logger
}

// NewApiLogger constructs an unintialized logger; call InitLogger before use.
func NewApiLogger(cfg *config.Config) *apiLogger {
	return &apiLogger{cfg: cfg}
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"fatal":  zapcore.FatalLevel,
	"panic":  zapcore.PanicLevel,
}

func (l *apiLogger) getLoggerLevel() zapcore.Level {
	level, ok := levelMap[l.cfg.Logger.Level]
	if !ok {
		return zapcore.InfoLevel
	}
	return level
}

// InitLogger builds the underlying zap logger from cfg.Logger.
func (l *apiLogger) InitLogger() {
	logLevel := l.getLoggerLevel()

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if l.cfg.Logger.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(logLevel))

	opts := []zap.Option{}
	if !l.cfg.Logger.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !l.cfg.Logger.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if l.cfg.Logger.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(core, opts...)
	l.logger = logger
	l.sugar = logger.Sugar()
}

func (l *apiLogger) Debug(args ...interface{})                   { l.sugar.Debug(args...) }
func (l *apiLogger) Debugf(template string, args ...interface{}) { l.sugar.Debugf(template, args...) }
func (l *apiLogger) Info(args ...interface{})                    { l.sugar.Info(args...) }
func (l *apiLogger) Infof(template string, args ...interface{})  { l.sugar.Infof(template, args...) }
func (l *apiLogger) Warn(args ...interface{})                    { l.sugar.Warn(args...) }
func (l *apiLogger) Warnf(template string, args ...interface{})  { l.sugar.Warnf(template, args...) }
func (l *apiLogger) Error(args ...interface{})                   { l.sugar.Error(args...) }
func (l *apiLogger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }
func (l *apiLogger) Fatal(args ...interface{})                   { l.sugar.Fatal(args...) }
func (l *apiLogger) Fatalf(template string, args ...interface{}) { l.sugar.Fatalf(template, args...) }

func (l *apiLogger) Named(name string) Logger {
	return &apiLogger{cfg: l.cfg, sugar: l.sugar.Named(name), logger: l.logger.Named(name)}
}

func (l *apiLogger) With(fields ...zap.Field) Logger {
	return &apiLogger{cfg: l.cfg, sugar: l.logger.With(fields...).Sugar(), logger: l.logger.With(fields...)}
}

// Noop returns a Logger that discards everything below Fatal level, for use
// in tests that don't care about log output.
func Noop() Logger {
	l := &apiLogger{cfg: &config.Config{Logger: config.Logger{Level: "fatal"}}}
	l.InitLogger()
	return l
}
