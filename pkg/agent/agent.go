package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/hotasfuse/hotasfuse/internal/configsvc"
	"github.com/hotasfuse/hotasfuse/internal/devreg"
	"github.com/hotasfuse/hotasfuse/internal/mapsvc"
	"github.com/hotasfuse/hotasfuse/internal/udevmon"
	"github.com/hotasfuse/hotasfuse/pkg/bus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Agent composes the daemon: config watcher, udev monitor, device registry
// and the map service that owns the event loop.
type Agent struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	configSvc *configsvc.Service
	lifecycle *mapsvc.LifecycleBus
	mapSvc    *mapsvc.Service
	udevMon   *udevmon.Service
	registry  *devreg.Service
}

func NewAgent(config Config) (*Agent, error) {
	logger, err := NewLogger()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	db, err := OpenDB(config.DataDir, logger, false)
	if err != nil {
		return nil, err
	}

	configSvc := configsvc.New(logger.Named("config"))
	lifecycle := bus.NewBus[mapsvc.Role, mapsvc.LifecycleEvent](logger.Named("lifecycle"))
	mapSvc := mapsvc.New(logger.Named("map"), configSvc, config.ConfigPath, lifecycle,
		mapsvc.WithIdentityCheck(udevmon.ValidateIdentity))
	udevMon := udevmon.New(logger.Named("udev"), mapSvc.NudgeReconnect)
	registry := devreg.New(logger.Named("registry"), db, lifecycle.CreateSubscriber(), time.Now)

	return &Agent{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configSvc,
		lifecycle: lifecycle,
		mapSvc:    mapSvc,
		udevMon:   udevMon,
		registry:  registry,
	}, nil
}

// NewLogger builds the agent's root logger.
func NewLogger() (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return loggerConfig.Build()
}

// OpenDB opens the agent's badger store under dataDir.
func OpenDB(dataDir string, logger *zap.Logger, readOnly bool) (*badger.DB, error) {
	dbPath := filepath.Join(dataDir, "db")
	if !readOnly {
		if err := os.MkdirAll(dbPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	dbOptions := badger.DefaultOptions(dbPath)
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	dbOptions.ReadOnly = readOnly
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("opening device registry db: %w", err)
	}
	return db, nil
}

// Run starts all services and blocks until the context is cancelled or one of
// them fails. SIGHUP reloads bindings and calibrations in place.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.lifecycle.Start(groupCtx)
	})
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.registry.Start(groupCtx)
	})
	group.Go(func() error {
		return a.udevMon.Start(groupCtx)
	})
	group.Go(func() error {
		return a.mapSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.watchReloadSignal(groupCtx)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) watchReloadSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			a.log.Info("SIGHUP received")
			a.mapSvc.RequestReload()
		}
	}
}

// Map exposes the map service for front-ends.
func (a *Agent) Map() *mapsvc.Service {
	return a.mapSvc
}

func (a *Agent) Close() error {
	var err error
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
		a.db = nil
	}
	return err
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
