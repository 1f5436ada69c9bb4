// Package ldapreplicator is a one-way, multi-source LDAP directory
// replicator: it pulls changelog entries from one or more upstream
// directory servers and applies each, in that remote's commit order, to a
// single downstream directory, tracking each remote's progress via a
// durable checkpoint record stored in the downstream directory itself.
package ldapreplicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/block/ldapreplicator/pkg/applier"
	"github.com/block/ldapreplicator/pkg/checkpoint"
	"github.com/block/ldapreplicator/pkg/controller"
	"github.com/block/ldapreplicator/pkg/ldapconn"
	"github.com/block/ldapreplicator/pkg/remote"
)

// Replicator wires together the local directory client (C1), checkpoint
// store (C3), change applier (C4), and controller state machine (C6) spec
// §2 lays out, plus one remote directory (C2) per configured upstream.
type Replicator struct {
	cfg         Config
	logger      loggers.Advanced
	local       *ldapconn.ManagedClient
	checkpoints *checkpoint.Store
	applier     *applier.Applier
	controller  *controller.Controller
}

// New builds a Replicator from cfg and an optional observer (nil selects
// NopObserver). Remotes in cfg.Remotes are registered immediately; use
// AddRemote afterward to register more before calling Start.
func New(cfg Config, observer Observer) (*Replicator, error) {
	if cfg.LocalURL == "" {
		return nil, errors.New("local URL is required")
	}
	if cfg.LocalBindDN == "" {
		return nil, errors.New("local bind DN is required")
	}
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger

	localCfg := ldapconn.Config{
		URL:             cfg.LocalURL,
		BindDN:          cfg.LocalBindDN,
		BindCredentials: cfg.LocalBindCredentials,
		AttemptTimeout:  cfg.LocalAttemptTimeout,
		Logger:          logger,
	}
	local := ldapconn.New(localCfg, nil)

	checkpoints := checkpoint.New(local, checkpoint.Config{
		Base:        cfg.checkpointBase(),
		Objectclass: cfg.CheckpointObjectclass,
	})
	ap := applier.New(local, logger)

	ctrlCfg := controller.Config{
		PageSize:       cfg.PageSize,
		PollInterval:   cfg.PollInterval,
		InitBackoffMin: cfg.InitBackoffMin,
		InitBackoffMax: cfg.InitBackoffMax,
	}
	ctrl := controller.New(ctrlCfg, local, checkpoints, ap, logger, observer)

	r := &Replicator{
		cfg:         cfg,
		logger:      logger,
		local:       local,
		checkpoints: checkpoints,
		applier:     ap,
		controller:  ctrl,
	}
	for _, rc := range cfg.Remotes {
		if err := r.AddRemote(rc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRemote implements addRemote({url, ...}) (spec §4.7): register one
// more upstream directory with the controller. Call before Start.
func (r *Replicator) AddRemote(rc RemoteConfig) error {
	if rc.URL == "" {
		return errors.New("remote URL is required")
	}
	if rc.BindDN == "" {
		return errors.New("remote bind DN is required")
	}
	changelogBase := rc.ChangelogBase
	if changelogBase == "" {
		changelogBase = "cn=changelog"
	}
	remoteCfg := ldapconn.Config{
		URL:             rc.URL,
		BindDN:          rc.BindDN,
		BindCredentials: rc.BindCredentials,
		AttemptTimeout:  rc.AttemptTimeout,
		Logger:          r.logger,
	}
	client := ldapconn.New(remoteCfg, nil)
	dir, err := remote.New(remote.Identity{URL: rc.URL, UUID: rc.UUID}, client, rc.Queries, changelogBase, r.logger)
	if err != nil {
		return fmt.Errorf("adding remote %s: %w", rc.URL, err)
	}
	if err := r.controller.AddRemote(dir); err != nil {
		return fmt.Errorf("adding remote %s: %w", rc.URL, err)
	}
	return nil
}

// Start implements start() (spec §4.1): spawns the controller's single
// task on ctx and invokes start(). Returns once the task is launched; it
// does not block until the replicator reaches poll.
func (r *Replicator) Start(ctx context.Context) {
	go r.controller.Run(ctx)
	r.controller.Start()
}

// Destroy implements destroy() (spec §4.1): unconditional, terminal.
func (r *Replicator) Destroy() {
	r.controller.Destroy()
}

// State reports the controller's current state.
func (r *Replicator) State() controller.State {
	return r.controller.State()
}
