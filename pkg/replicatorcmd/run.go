// Package replicatorcmd implements the "run" CLI command: load a YAML
// configuration file, wire up logging, and run the replicator until the
// process receives a termination signal.
package replicatorcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	ldapreplicator "github.com/block/ldapreplicator"
)

// Run is the kong command struct for `ldapreplicator run`.
type Run struct {
	Config   string `help:"Path to the replicator's YAML configuration file." required:""`
	LogFile  string `help:"Log to this file (rotated via lumberjack) instead of stderr."`
	LogLevel string `help:"Log level: debug, info, warn, error." default:"info"`
}

// fileConfig is the on-disk YAML shape; it is translated into
// ldapreplicator.Config rather than reusing that struct directly so the
// wire format can evolve independently of the in-memory config.
type fileConfig struct {
	Local struct {
		URL             string        `yaml:"url"`
		BindDN          string        `yaml:"bindDN"`
		BindCredentials string        `yaml:"bindCredentials"`
		AttemptTimeout  time.Duration `yaml:"attemptTimeout"`
	} `yaml:"local"`

	BaseDN                string        `yaml:"baseDN"`
	CheckpointDN          string        `yaml:"checkpointDN"`
	CheckpointObjectclass string        `yaml:"checkpointObjectclass"`
	PollInterval          time.Duration `yaml:"pollInterval"`
	PageSize              int           `yaml:"pageSize"`
	InitBackoffMin        time.Duration `yaml:"initBackoffMin"`
	InitBackoffMax        time.Duration `yaml:"initBackoffMax"`

	Remotes []struct {
		URL             string        `yaml:"url"`
		UUID            string        `yaml:"uuid"`
		BindDN          string        `yaml:"bindDN"`
		BindCredentials string        `yaml:"bindCredentials"`
		Queries         []string      `yaml:"queries"`
		ChangelogBase   string        `yaml:"changelogBase"`
		AttemptTimeout  time.Duration `yaml:"attemptTimeout"`
	} `yaml:"remotes"`
}

func (fc fileConfig) toConfig(logger logrus.FieldLogger) ldapreplicator.Config {
	cfg := ldapreplicator.NewConfig()
	cfg.LocalURL = fc.Local.URL
	cfg.LocalBindDN = fc.Local.BindDN
	cfg.LocalBindCredentials = fc.Local.BindCredentials
	if fc.Local.AttemptTimeout > 0 {
		cfg.LocalAttemptTimeout = fc.Local.AttemptTimeout
	}
	if fc.BaseDN != "" {
		cfg.BaseDN = fc.BaseDN
	}
	cfg.CheckpointDN = fc.CheckpointDN
	if fc.CheckpointObjectclass != "" {
		cfg.CheckpointObjectclass = fc.CheckpointObjectclass
	}
	if fc.PollInterval > 0 {
		cfg.PollInterval = fc.PollInterval
	}
	if fc.PageSize > 0 {
		cfg.PageSize = fc.PageSize
	}
	if fc.InitBackoffMin > 0 {
		cfg.InitBackoffMin = fc.InitBackoffMin
	}
	if fc.InitBackoffMax > 0 {
		cfg.InitBackoffMax = fc.InitBackoffMax
	}
	for _, r := range fc.Remotes {
		cfg.Remotes = append(cfg.Remotes, ldapreplicator.RemoteConfig{
			URL:             r.URL,
			UUID:            r.UUID,
			BindDN:          r.BindDN,
			BindCredentials: r.BindCredentials,
			Queries:         r.Queries,
			ChangelogBase:   r.ChangelogBase,
			AttemptTimeout:  r.AttemptTimeout,
		})
	}
	cfg.Logger = logger
	return cfg
}

// Run loads the configuration, starts the replicator, and blocks until
// SIGINT/SIGTERM, at which point it destroys the replicator and returns.
func (r *Run) Run() error {
	logger := newLogger(r.LogFile, r.LogLevel)

	raw, err := os.ReadFile(r.Config)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", r.Config, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config %s: %w", r.Config, err)
	}

	cfg := fc.toConfig(logger)
	rep, err := ldapreplicator.New(cfg, &loggingObserver{logger: logger})
	if err != nil {
		return fmt.Errorf("building replicator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	rep.Destroy()
	return nil
}

func newLogger(logFile, level string) *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	if logFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	return logger
}

// loggingObserver logs every replicator signal at the appropriate level
// (spec §4.7 "Emitted events").
type loggingObserver struct {
	logger logrus.FieldLogger
}

func (o *loggingObserver) OnConnect() { o.logger.Info("connected") }
func (o *loggingObserver) OnPoll()    { o.logger.Debug("poll pass") }
func (o *loggingObserver) OnCaughtUp(url string, cn int64) {
	o.logger.WithField("remote", url).WithField("changenumber", cn).Info("caught up")
}
func (o *loggingObserver) OnError(err error) { o.logger.WithError(err).Error("replication error") }
func (o *loggingObserver) OnDestroy()        { o.logger.Info("destroyed") }
