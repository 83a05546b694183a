package logging

import (
	"context"
	"fmt"
	"os"
	"path"

	stdlog "log"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

/*
 *  Provides request and diagnostics logging facilities
 */

type ctxID int

const (
	txnIDKey ctxID = iota
)

// WithTxnID returns a context which knows its transaction ID
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, txnIDKey, txnID)
}

// TxnID returns the transaction ID stored in the context, if any
func TxnID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(txnIDKey).(string)
	return id
}

type logger struct {
	logger  *logrus.Entry
	logFile *lumberjack.Logger
}

// The one singleton logger
var gLogger logger
var gInstanceID string

// Logger returns the global logger
func Logger(ctx context.Context) *logrus.Entry {
	if txnID := TxnID(ctx); txnID != "" {
		return gLogger.logger.WithFields(
			logrus.Fields{
				"txnid": txnID,
			},
		)
	}

	return gLogger.logger
}

// Component returns a logger tagged with a component name
func Component(ctx context.Context, name string) *logrus.Entry {
	return Logger(ctx).WithField("component", name)
}

func init() {
	// Viper defaults
	viper.SetDefault("logging.location", "stderr")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.max-size-mb", 50)
	viper.SetDefault("logging.max-backups", 5)
	viper.SetDefault("logging.max-age-days", 30)

	// The app instantiation ID
	gInstanceID = uuid.New().String()

	gLogger.logger = logrus.WithFields(baseFields())
}

func baseFields() logrus.Fields {
	return logrus.Fields{
		"pid":      os.Getpid(),
		"exe":      path.Base(os.Args[0]),
		"instance": gInstanceID,
	}
}

// Configure sets the log level and output location/format
func Configure(cfg *viper.Viper) error {
	// Configure system log location
	switch loc := cfg.GetString("logging.location"); loc {
	case "stdout":
		logrus.SetOutput(os.Stdout)
		gLogger.logger = logrus.WithFields(logrus.Fields{})
	case "stderr":
		logrus.SetOutput(os.Stderr)
		gLogger.logger = logrus.WithFields(logrus.Fields{})
	default:
		gLogger.logger.Debugf("Switching system log to %s", loc)

		// rotated by size, old files pruned by count and age
		lj := &lumberjack.Logger{
			Filename:   loc,
			MaxSize:    cfg.GetInt("logging.max-size-mb"),
			MaxBackups: cfg.GetInt("logging.max-backups"),
			MaxAge:     cfg.GetInt("logging.max-age-days"),
		}
		logrus.SetOutput(lj)

		if gLogger.logFile != nil {
			gLogger.logFile.Close()
		}

		gLogger.logFile = lj
		gLogger.logger = logrus.WithFields(baseFields())
	}

	// Obey the level setting in the config if not already in debug mode
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		level := cfg.GetString("logging.level")
		val, err := logrus.ParseLevel(level)
		if err == nil {
			logrus.SetLevel(val)
		} else {
			return fmt.Errorf("bad log level: [%s]", level)
		}
	}

	format := cfg.GetString("logging.format")
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// Override the standard system logger
	stdlog.SetOutput(Logger(nil).WriterLevel(logrus.DebugLevel))

	return nil
}
