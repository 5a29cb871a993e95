// Package main runs relocalized, a daemon that keeps a vehicle localized
// against a prior map: it registers live lidar scans with generalized ICP
// and republishes the odometry-to-map transform at a fixed rate.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	goutils "go.viam.com/utils"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/mapanchor/relocalize/relocalizer"
)

var logger = golog.NewDevelopmentLogger("relocalized")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,required,usage=service config file"`
	Debug      bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("relocalized")
	}

	cfg, err := readConfig(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	if cfg.LogFile != "" {
		logger = addFileLogger(logger, cfg.LogFile)
	}
	return runDaemon(ctx, cfg, logger)
}

// runDaemon wires the scan source and broadcaster into a relocalizer service
// and runs until ctx ends. A prior map that fails to load disables
// relocalization but keeps the process alive.
func runDaemon(ctx context.Context, cfg *daemonConfig, logger golog.Logger) (err error) {
	scans, err := buildScanSource(cfg.ScanSource, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, scans.Close())
	}()

	sink, closeSink, err := buildBroadcaster(cfg.Broadcast)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeSink())
	}()

	svc, err := relocalizer.New(cfg.Config, relocalizer.Deps{
		Map:       relocalizer.FileMap(cfg.PriorMap, logger),
		Scans:     scans,
		Broadcast: sink,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, svc.Close(context.Background()))
	}()

	if startErr := svc.Start(ctx); startErr != nil {
		logger.Errorw("relocalization disabled", "error", startErr)
	}

	<-ctx.Done()
	return nil
}

// addFileLogger tees log output into a size-rotated file next to the
// console sink.
func addFileLogger(logger golog.Logger, path string) golog.Logger {
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		}),
		zap.DebugLevel,
	)
	l := logger.Desugar().WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return l.Sugar()
}
