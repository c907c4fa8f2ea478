package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "IPCBENCH_LOGGER"

var logger = zap.Must(zap.NewDevelopment()).WithOptions(zap.AddCallerSkip(1)).Named("ipcbench")

// Options adjust InitLogger.
type Options struct {
	// ConfigDir is searched for logger.yaml. Defaults to data/config.
	ConfigDir string
	// Level overrides the configured level when set.
	Level string
	// Name is the root logger name, usually the binary.
	Name string
}

// InitLogger rebuilds the logger from logger.yaml in opts.ConfigDir.
// Without a usable file the development logger is kept.
// Stdout is reserved for benchmark results, so any stdout sink is moved to stderr.
func InitLogger(opts Options) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = "data/config"
	}
	defer func() {
		if opts.Name != "" {
			logger = logger.Named(opts.Name)
		}
	}()

	cfg, err := loadLoggerConfig(opts.ConfigDir)
	if err != nil {
		logger.Debug("couldn't load logging config, using default logger", zap.Error(err))
		applyLevel(opts.Level)
		return
	}

	outputPaths, err := resolveOutputPaths(cfg.GetStringSlice("OutputPaths"))
	if err != nil {
		logger.Warn("failed to resolve output paths, using default logger", zap.Error(err))
		return
	}

	levelName := cfg.GetString("level")
	if opts.Level != "" {
		levelName = opts.Level
	}
	level, err := zap.ParseAtomicLevel(levelName)
	if err != nil {
		logger.Warn("failed to parse log level, using INFO level", zap.Error(err))
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	encoderConfig, err := buildEncoderConfig(cfg)
	if err != nil {
		logger.Warn("failed to build encoder config, using default logger", zap.Error(err))
		return
	}

	encoding := cfg.GetString("encoding")
	if encoding == "" {
		encoding = "console"
	}
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         encoding,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: outputPaths,
		EncoderConfig:    encoderConfig,
	}
	built, err := loggerConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		logger.Warn("failed to build logger, using default logger", zap.Error(err))
		return
	}
	logger = built.Named("ipcbench")
}

func applyLevel(name string) {
	if name == "" {
		return
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		logger.Warn("ignoring log level", zap.String("level", name), zap.Error(err))
		return
	}
	logger = logger.WithOptions(zap.IncreaseLevel(level))
}

func loadLoggerConfig(dir string) (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigType("yaml")
	cfg.SetConfigName("logger")
	cfg.AddConfigPath(dir)
	cfg.SetEnvPrefix(envPrefix)
	cfg.AutomaticEnv()
	if err := cfg.BindEnv("OutputPaths", envPrefix+"_OUTPUT_PATHS"); err != nil {
		return nil, err
	}

	if err := cfg.ReadInConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveOutputPaths maps each directory entry to a fresh per-session log
// file inside it. An empty list means stderr.
func resolveOutputPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return []string{"stderr"}, nil
	}
	resolved := make([]string, 0, len(paths))
	for _, path := range paths {
		switch path {
		case "stderr":
			resolved = append(resolved, path)
			continue
		case "stdout":
			resolved = append(resolved, "stderr")
			continue
		}

		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		name := fmt.Sprintf("ipcbench-%d-%s.log", os.Getpid(), time.Now().Format("2006-01-02_15-04-05"))
		file := filepath.Join(path, name)
		f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating log file: %w", err)
		}
		_ = f.Close()
		resolved = append(resolved, file)
	}
	return resolved, nil
}

var (
	levelEncoders = map[string]zapcore.LevelEncoder{
		"capital":        zapcore.CapitalLevelEncoder,
		"capitalColor":   zapcore.CapitalColorLevelEncoder,
		"lowercase":      zapcore.LowercaseLevelEncoder,
		"lowercaseColor": zapcore.LowercaseColorLevelEncoder,
	}
	timeEncoders = map[string]zapcore.TimeEncoder{
		"iso8601": zapcore.ISO8601TimeEncoder,
		"rfc3339": zapcore.RFC3339NanoTimeEncoder,
		"millis":  zapcore.EpochMillisTimeEncoder,
		"nanos":   zapcore.EpochNanosTimeEncoder,
		"epoch":   zapcore.EpochTimeEncoder,
	}
	durationEncoders = map[string]zapcore.DurationEncoder{
		"seconds": zapcore.SecondsDurationEncoder,
		"millis":  zapcore.MillisDurationEncoder,
		"nanos":   zapcore.NanosDurationEncoder,
		"string":  zapcore.StringDurationEncoder,
	}
	callerEncoders = map[string]zapcore.CallerEncoder{
		"short": zapcore.ShortCallerEncoder,
		"full":  zapcore.FullCallerEncoder,
	}
)

func lookup[T any](kind string, table map[string]T, name string) (T, error) {
	enc, ok := table[name]
	if !ok {
		return enc, fmt.Errorf("unsupported %s: %q", kind, name)
	}
	return enc, nil
}

// buildEncoderConfig reads the encoderConfig section. Unset keys fall back
// to zap's development defaults.
func buildEncoderConfig(cfg *viper.Viper) (zapcore.EncoderConfig, error) {
	cfg.SetDefault("encoderConfig.messageKey", "msg")
	cfg.SetDefault("encoderConfig.levelKey", "level")
	cfg.SetDefault("encoderConfig.timeKey", "ts")
	cfg.SetDefault("encoderConfig.nameKey", "logger")
	cfg.SetDefault("encoderConfig.callerKey", "caller")
	cfg.SetDefault("encoderConfig.levelEncoder", "capital")
	cfg.SetDefault("encoderConfig.timeEncoder", "iso8601")
	cfg.SetDefault("encoderConfig.durationEncoder", "string")
	cfg.SetDefault("encoderConfig.callerEncoder", "short")

	encCfg := zapcore.EncoderConfig{
		MessageKey:    cfg.GetString("encoderConfig.messageKey"),
		LevelKey:      cfg.GetString("encoderConfig.levelKey"),
		TimeKey:       cfg.GetString("encoderConfig.timeKey"),
		NameKey:       cfg.GetString("encoderConfig.nameKey"),
		CallerKey:     cfg.GetString("encoderConfig.callerKey"),
		StacktraceKey: cfg.GetString("encoderConfig.stacktraceKey"),
		LineEnding:    zapcore.DefaultLineEnding,
	}

	var err error
	if encCfg.EncodeLevel, err = lookup("levelEncoder", levelEncoders, cfg.GetString("encoderConfig.levelEncoder")); err != nil {
		return encCfg, err
	}
	if encCfg.EncodeTime, err = lookup("timeEncoder", timeEncoders, cfg.GetString("encoderConfig.timeEncoder")); err != nil {
		return encCfg, err
	}
	if encCfg.EncodeDuration, err = lookup("durationEncoder", durationEncoders, cfg.GetString("encoderConfig.durationEncoder")); err != nil {
		return encCfg, err
	}
	if encCfg.EncodeCaller, err = lookup("callerEncoder", callerEncoders, cfg.GetString("encoderConfig.callerEncoder")); err != nil {
		return encCfg, err
	}
	return encCfg, nil
}

// Info logs an info message
func Info(message string, fields ...zap.Field) {
	logger.Info(message, fields...)
}

// Warn logs a warning message
func Warn(message string, fields ...zap.Field) {
	logger.Warn(message, fields...)
}

// Debug logs a debug message
func Debug(message string, fields ...zap.Field) {
	logger.Debug(message, fields...)
}

// Fatal logs a fatal message
func Fatal(message string, fields ...zap.Field) {
	logger.Fatal(message, fields...)
}

// Error logs an error message
func Error(message string, fields ...zap.Field) {
	logger.Error(message, fields...)
}

// Panic logs a panic message
func Panic(message string, fields ...zap.Field) {
	logger.Panic(message, fields...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Sync()
}

// Log retrieves the underlying zap logger
func Log() *zap.Logger {
	return logger.WithOptions(zap.AddCallerSkip(-1))
}

// SetLogger replaces the package logger, mainly so tests can observe output.
// It returns a function restoring the previous logger.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := logger
	logger = l.WithOptions(zap.AddCallerSkip(1))
	return func() { logger = prev }
}
