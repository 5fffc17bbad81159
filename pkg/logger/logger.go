package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the process-wide instance. Packages normally derive
	// component entries via logrus.WithField and inherit its output.
	Logger *logrus.Logger

	currentLogFile string
	savedConfig    Config
	currentDay     string
	logMu          sync.Mutex
)

// Config controls process logging.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // optional; empty means stdout only
	MaxSize    int    // MB per file before lumberjack rotates
	MaxBackups int    // rotated files to keep
	MaxAge     int    // days to keep rotated files
	Compress   bool
	LogByDay   bool // name the file per trading day: gostop_2026-08-21.log
}

func dayStamp(now time.Time) string {
	return now.Format("2006-01-02")
}

func dailyFileName(basePath, day string) string {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	out := fmt.Sprintf("%s_%s%s", name, day, ext)
	if dir == "." || dir == "" {
		return out
	}
	return filepath.Join(dir, out)
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	}
}

// Init configures the global logger. Safe to call again to reconfigure.
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()
	return initLocked(config, time.Now())
}

func initLocked(config Config, now time.Time) error {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(textFormatter())

	writers := []io.Writer{os.Stdout}

	if config.OutputFile != "" {
		savedConfig = config

		logFilePath := config.OutputFile
		if config.LogByDay {
			currentDay = dayStamp(now)
			logFilePath = dailyFileName(config.OutputFile, currentDay)
		}

		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return err
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
		currentLogFile = logFilePath
	}

	multi := io.MultiWriter(writers...)
	logger.SetOutput(multi)

	// Mirror onto the global logrus instance so component entries created
	// with logrus.WithField(...) land in the same file.
	logrus.SetOutput(multi)
	logrus.SetLevel(level)
	logrus.SetFormatter(textFormatter())

	Logger = logger
	return nil
}

// RotateIfNewDay switches daily files once the date changes. No-op unless
// LogByDay was configured.
func RotateIfNewDay() error {
	logMu.Lock()
	defer logMu.Unlock()

	if !savedConfig.LogByDay || savedConfig.OutputFile == "" {
		return nil
	}
	now := time.Now()
	if dayStamp(now) == currentDay {
		return nil
	}
	old := currentLogFile
	if err := initLocked(savedConfig, now); err != nil {
		return err
	}
	Logger.Infof("log file rolled: %s -> %s", old, currentLogFile)
	return nil
}

// StartRotationChecker polls for day changes in the background.
func StartRotationChecker() {
	logMu.Lock()
	byDay := savedConfig.LogByDay && savedConfig.OutputFile != ""
	logMu.Unlock()
	if !byDay {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if err := RotateIfNewDay(); err != nil && Logger != nil {
				Logger.Errorf("log rotation check failed: %v", err)
			}
		}
	}()
}

// InitDefault applies the defaults used by tools that skip configuration.
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/gostop.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		LogByDay:   true,
	})
}

func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField returns an entry carrying a contextual field.
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.NewEntry(logrus.New())
}

// WithFields returns an entry carrying several contextual fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.NewEntry(logrus.New())
}

// CurrentLogFile reports the active file, empty when logging to stdout only.
func CurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
