// Package controller implements C6, the replicator's state machine and
// control loop of spec.md §4.1/§4.4/§4.5: initialization, polling, enqueue,
// serial application, retry, suspend/resume, and destroy. Per §9's design
// note against direct recursion on state change, every external event
// (connect/close/fatal hooks, timers, poll/apply completions) is funneled
// through a single action channel drained by one goroutine, rather than
// calling back into controller state synchronously from arbitrary call
// stacks — the channel is this package's stand-in for the "next tick"
// deferral spec.md assumes an ambient event loop provides.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/block/ldapreplicator/pkg/applier"
	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/checkpoint"
	"github.com/block/ldapreplicator/pkg/controls"
	"github.com/block/ldapreplicator/pkg/ldapconn"
	"github.com/block/ldapreplicator/pkg/ldaperr"
	"github.com/block/ldapreplicator/pkg/queue"
	"github.com/block/ldapreplicator/pkg/remote"
)

// State is one of the five controller states of spec §4.1.
type State int

const (
	StateInit State = iota
	StateWait
	StatePoll
	StateProcess
	StateDestroy
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWait:
		return "wait"
	case StatePoll:
		return "poll"
	case StateProcess:
		return "process"
	case StateDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// transitions is the permitted-transition table of spec §4.1.
var transitions = map[State]map[State]bool{
	StateInit:    {StateWait: true, StateDestroy: true},
	StateWait:    {StatePoll: true, StateDestroy: true},
	StatePoll:    {StateWait: true, StateProcess: true, StateDestroy: true},
	StateProcess: {StateWait: true, StatePoll: true, StateDestroy: true},
	StateDestroy: {},
}

// Config carries the controller's tunables (spec §4.4, §4.1).
type Config struct {
	PageSize       int
	PollInterval   time.Duration
	InitBackoffMin time.Duration
	InitBackoffMax time.Duration
}

// NewConfig returns spec.md's defaults: PAGE_SIZE=50, pollInterval=1000ms,
// init backoff 1s..60s.
func NewConfig() Config {
	return Config{
		PageSize:       50,
		PollInterval:   time.Second,
		InitBackoffMin: time.Second,
		InitBackoffMax: 60 * time.Second,
	}
}

// Observer receives the signals spec §7 names: connect, poll, caughtup,
// error, destroy.
type Observer interface {
	OnConnect()
	OnPoll()
	OnCaughtUp(url string, changenumber int64)
	OnError(err error)
	OnDestroy()
}

// remoteState is the controller's per-remote bookkeeping: spec §3's
// searchnumber/checkpoint plus a caughtup high-water mark.
type remoteState struct {
	dir          *remote.Directory
	searchnumber int64
	caughtup     int64 // -1 until first reported (spec uses "undefined" as the initial sentinel)
	checkpointDN string
}

// Controller is C6.
type Controller struct {
	cfg         Config
	local       ldapconn.Conn
	checkpoints *checkpoint.Store
	applier     *applier.Applier
	queue       *queue.Queue
	logger      loggers.Advanced
	observer    Observer

	remotes     []*remoteState
	remoteByDir map[*remote.Directory]*remoteState

	actions chan func()

	stateMu sync.Mutex
	state   State

	destroyed atomic.Bool

	pollTimer        *time.Timer
	initBackoffTimer *time.Timer
	initBackoffDur   time.Duration
}

// New builds a Controller in state init, bound to the local directory
// client, checkpoint store, and change applier it drives.
func New(cfg Config, local ldapconn.Conn, checkpoints *checkpoint.Store, ap *applier.Applier, logger loggers.Advanced, observer Observer) *Controller {
	c := &Controller{
		cfg:         cfg,
		local:       local,
		checkpoints: checkpoints,
		applier:     ap,
		queue:       queue.New(),
		logger:      logger,
		observer:    observer,
		remoteByDir: make(map[*remote.Directory]*remoteState),
		actions:     make(chan func(), 256),
		state:       StateInit,
	}
	local.OnConnect(func() { c.enqueue(c.onLocalConnect) })
	local.OnClose(func() {
		if c.destroyed.Load() {
			return
		}
		c.enqueue(func() { c.suspend(false, nil) })
	})
	local.OnFatal(func(err error) {
		if c.destroyed.Load() {
			return
		}
		c.enqueue(func() { c.suspend(true, err) })
	})
	return c
}

// AddRemote registers one more upstream directory with the controller
// before Start is called. Returns an error if a remote with the same URL
// is already registered (spec §3 "A remote URL is registered at most
// once").
func (c *Controller) AddRemote(dir *remote.Directory) error {
	url := dir.Identity().URL
	for _, rs := range c.remotes {
		if rs.dir.Identity().URL == url {
			return fmt.Errorf("remote %s is already registered", url)
		}
	}
	rs := &remoteState{dir: dir, caughtup: -1}
	c.remotes = append(c.remotes, rs)
	c.remoteByDir[dir] = rs
	dir.OnConnect(func() { c.enqueue(c.onRemoteConnect) })
	dir.OnClose(func() {
		if c.destroyed.Load() {
			return
		}
		c.enqueue(func() { c.suspend(false, nil) })
	})
	dir.OnFatal(func(err error) {
		if c.destroyed.Load() {
			return
		}
		c.enqueue(func() { c.suspend(true, err) })
	})
	return nil
}

// State reports the controller's current state; safe for concurrent callers.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// enqueue appends an action to the controller's single task queue. Hooks
// (connect/close/fatal callbacks) and timers call this from arbitrary
// goroutines; Run is the only reader.
func (c *Controller) enqueue(action func()) {
	select {
	case c.actions <- action:
	default:
		go func() { c.actions <- action }()
	}
}

// Run drains the action queue until ctx is cancelled or the controller
// reaches destroy. It is the controller's own task: the single goroutine
// every action above runs on.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-c.actions:
			action()
			if c.state == StateDestroy {
				return
			}
		}
	}
}

// Start implements start() (spec §4.1): allowed only from init; transitions
// to wait, then invokes resume().
func (c *Controller) Start() {
	c.enqueue(func() {
		if c.state != StateInit {
			c.emitError(fmt.Errorf("start: already started (state is %s)", c.state))
			return
		}
		if !c.transition(StateWait) {
			return
		}
		c.resume()
	})
}

// Destroy implements destroy() (spec §4.1): unconditional transition to
// destroy, regardless of current state.
func (c *Controller) Destroy() {
	c.enqueue(func() { c.transition(StateDestroy) })
}

// transition enforces the permitted-transition table and runs each state's
// entry effect (spec §4.1 "Entry-effect rules").
func (c *Controller) transition(to State) bool {
	if c.state == StateDestroy {
		return false
	}
	if !transitions[c.state][to] {
		c.emitError(fmt.Errorf("illegal state transition %s -> %s", c.state, to))
		return false
	}
	c.setState(to)
	switch to {
	case StatePoll:
		c.pollAll()
	case StateProcess:
		c.process()
	case StateDestroy:
		c.cancelPollTimer()
		c.clearInitBackoff()
		c.destroyed.Store(true)
		_ = c.local.Destroy()
		for _, rs := range c.remotes {
			_ = rs.dir.Destroy()
		}
		if c.observer != nil {
			c.observer.OnDestroy()
		}
	}
	return true
}

// resume implements resume() (spec §4.1): the four gated steps, each
// returning early (to be re-invoked by a later event) until satisfied.
func (c *Controller) resume() {
	if c.state != StateWait {
		return
	}

	// Step 1: local client connected.
	if !c.local.Connected() {
		c.local.EnsureConnected()
		return
	}

	// Step 2: every remote connected.
	anyDisconnected := false
	for _, rs := range c.remotes {
		if !rs.dir.Connected() {
			_ = rs.dir.Connect()
			anyDisconnected = true
		}
	}
	if anyDisconnected {
		return
	}

	// Step 3: version gate.
	for _, rs := range c.remotes {
		if c.local.Version() < rs.dir.Version() {
			c.suspend(true, fmt.Errorf("version mismatch: local version %d < remote %s version %d", c.local.Version(), rs.dir.Identity().URL, rs.dir.Version()))
			return
		}
	}

	// Step 4: checkpoint init, in parallel across remotes.
	g, gctx := errgroup.WithContext(context.Background())
	results := make([]struct {
		dn string
		cn int64
	}, len(c.remotes))
	for i, rs := range c.remotes {
		i, rs := i, rs
		g.Go(func() error {
			dn, cn, err := c.checkpoints.Init(gctx, rs.dir.Identity(), rs.dir.RawQueries())
			if err != nil {
				return fmt.Errorf("checkpoint init for %s: %w", rs.dir.Identity().URL, err)
			}
			results[i].dn, results[i].cn = dn, cn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.suspend(true, err)
		return
	}
	for i, rs := range c.remotes {
		rs.checkpointDN = results[i].dn
		rs.searchnumber = results[i].cn
	}

	c.clearInitBackoff()
	c.transition(StatePoll)
}

// suspend implements suspend(initError?) (spec §4.1): drop the queue,
// unbind local and remote connections, return to wait, and arm an init
// backoff if this suspend was triggered by a fatal initialization error.
func (c *Controller) suspend(fatal bool, err error) {
	if c.state == StateDestroy {
		return
	}
	c.queue.Drop()
	c.cancelPollTimer()
	if c.local.Connected() {
		_ = c.local.Close()
	}
	for _, rs := range c.remotes {
		_ = rs.dir.Unbind()
	}
	c.transition(StateWait)
	if err != nil {
		c.emitError(err)
	}
	if fatal && c.initBackoffTimer == nil {
		c.armInitBackoff()
	}
}

func (c *Controller) onLocalConnect() {
	if c.observer != nil {
		c.observer.OnConnect()
	}
	if c.state != StateInit {
		c.resume()
	}
}

func (c *Controller) onRemoteConnect() {
	if c.state != StateInit {
		c.resume()
	}
}

// pollAll implements one polling pass (spec §4.4): poll every remote, then
// (re)arm the single repeating timer if none exists.
func (c *Controller) pollAll() {
	if c.state != StatePoll {
		return
	}
	if c.observer != nil {
		c.observer.OnPoll()
	}
	for _, rs := range c.remotes {
		c.pollOne(rs)
	}
	c.armPollTimer()
}

func (c *Controller) pollOne(rs *remoteState) {
	if c.state != StatePoll {
		return
	}
	if c.local.Version() < rs.dir.Version() {
		c.suspend(true, fmt.Errorf("version mismatch during poll: local version %d < remote %s version %d", c.local.Version(), rs.dir.Identity().URL, rs.dir.Version()))
		return
	}
	start := rs.searchnumber + 1
	end := start + int64(c.cfg.PageSize)
	rs.dir.Poll(context.Background(), start, end,
		func(change *changelog.Change) {
			c.enqueue(func() { c.onChangelogEntry(rs, change) })
		},
		func(last *int64) {
			c.enqueue(func() { c.onPollDone(rs, last) })
		},
	)
}

func (c *Controller) onChangelogEntry(rs *remoteState, change *changelog.Change) {
	_, wasEmpty := c.queue.Enqueue(rs.dir, change)
	if wasEmpty && c.state == StatePoll {
		c.transition(StateProcess)
	}
}

func (c *Controller) onPollDone(rs *remoteState, last *int64) {
	if last == nil {
		// A poll was already in flight for this remote; spec §4.4 says do nothing.
		return
	}
	if *last != 0 {
		rs.searchnumber = *last
		c.pollOne(rs) // bias toward draining a busy remote
		return
	}
	if rs.caughtup != rs.searchnumber {
		rs.caughtup = rs.searchnumber
		if c.observer != nil {
			c.observer.OnCaughtUp(rs.dir.Identity().URL, rs.searchnumber)
		}
	}
}

// process implements the process() loop (spec §4.5): pop the head entry,
// attach its controls, and dispatch it through the applier.
func (c *Controller) process() {
	if c.state != StateProcess {
		return
	}
	entry, ok := c.queue.PopFront()
	if !ok {
		c.transition(StatePoll)
		return
	}

	built, err := c.buildControls(entry)
	if err != nil {
		c.enqueue(func() { c.onApplyDone(entry, err) })
		return
	}
	entry.Controls = built

	queries := entry.Remote.Queries()
	go func() {
		err := c.applier.Apply(context.Background(), entry.Change, queries, entry.Controls)
		c.enqueue(func() { c.onApplyDone(entry, err) })
	}()
}

// onApplyDone implements process()'s outcome handling (spec §4.5 step 3,
// §4.7): retry with head re-push up to budget 3, then escalate.
func (c *Controller) onApplyDone(entry *queue.Entry, err error) {
	if err != nil {
		if kind, ok := ldaperr.Classify(err); ok && (kind == ldaperr.Unavailable || kind == ldaperr.Busy) {
			// Result-level Unavailable/Busy suspends immediately rather than
			// burning the entry's retry budget (spec §4.2).
			c.queue.PushFront(entry)
			c.suspend(false, err)
			return
		}
		entry.Retry++
		if entry.Retry >= 3 {
			wrapped := fmt.Errorf("retry budget exhausted for changenumber %d on %s: %w", entry.Change.ChangeNumber, entry.Remote.Identity().URL, err)
			c.suspend(true, wrapped)
			return
		}
		c.queue.PushFront(entry)
		c.enqueue(c.process)
		return
	}
	if c.queue.Empty() {
		c.transition(StatePoll)
		return
	}
	c.enqueue(c.process)
}

// buildControls assembles E.controls (spec §4.5 step 2).
func (c *Controller) buildControls(entry *queue.Entry) ([]ldap.Control, error) {
	rs, ok := c.remoteByDir[entry.Remote]
	if !ok {
		return nil, fmt.Errorf("no checkpoint state registered for remote %s", entry.Remote.Identity().URL)
	}
	var hint *controls.ChangelogHint
	identity := entry.Remote.Identity()
	if identity.HasUUID() {
		hint = &controls.ChangelogHint{UUID: identity.UUID, ChangeNumber: entry.Change.ChangeNumber}
	}
	cu := controls.CheckpointUpdate{DN: rs.checkpointDN, ChangeNumber: entry.Change.ChangeNumber}
	return controls.Build(hint, cu)
}

func (c *Controller) armPollTimer() {
	if c.pollTimer != nil {
		return
	}
	c.pollTimer = time.AfterFunc(c.cfg.PollInterval, func() {
		c.enqueue(func() {
			c.pollTimer = nil
			c.pollAll()
		})
	})
}

func (c *Controller) cancelPollTimer() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}

func (c *Controller) armInitBackoff() {
	if c.initBackoffDur == 0 {
		c.initBackoffDur = c.cfg.InitBackoffMin
	}
	dur := c.initBackoffDur
	c.initBackoffTimer = time.AfterFunc(dur, func() {
		c.enqueue(func() {
			c.initBackoffTimer = nil
			if c.state == StateWait {
				c.resume()
			}
		})
	})
	next := dur * 2
	if next > c.cfg.InitBackoffMax {
		next = c.cfg.InitBackoffMax
	}
	c.initBackoffDur = next
}

func (c *Controller) clearInitBackoff() {
	if c.initBackoffTimer != nil {
		c.initBackoffTimer.Stop()
		c.initBackoffTimer = nil
	}
	c.initBackoffDur = 0
}

func (c *Controller) emitError(err error) {
	if c.logger != nil {
		c.logger.Errorf("%v", err)
	}
	if c.observer != nil {
		c.observer.OnError(err)
	}
}
