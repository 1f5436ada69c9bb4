// Package ldapconn is the C1 "Local Client" / remote-connection-handle
// component of spec.md §2: a connected, authenticated handle to a
// directory server exposing base/sub search, add, modify, del, each
// accepting request controls, plus the reconnect and version-gate
// machinery of spec §4.2. The underlying wire client
// (github.com/go-ldap/ldap/v3) is the external collaborator spec.md §1
// treats only at its interface; this package is the retry/reconnect layer
// around it, the way pkg/dbconn is the retry/standardization layer around
// database/sql + go-sql-driver/mysql.
package ldapconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	pkgerrors "github.com/pkg/errors"
	"github.com/siddontang/loggers"

	"github.com/block/ldapreplicator/pkg/changelog"
)

// SearchScope mirrors the two scopes the replicator ever needs: a base-
// scope lookup of a single DN, and a subtree search (spec §4.3
// checkpointInit, §4.6 modify/delete local lookups).
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeWholeSubtree
)

func (s SearchScope) ldapScope() int {
	if s == ScopeWholeSubtree {
		return ldap.ScopeWholeSubtree
	}
	return ldap.ScopeBaseObject
}

// MorayVersionAttribute is the root DSE attribute the setup step reads to
// gate on server capability (spec §4.2): "the minimum is whatever version
// first supported the Checkpoint-Update request control".
const MorayVersionAttribute = "morayVersion"

// MinimumVersion is the lowest morayVersion the replicator will operate
// against; anything <= 0 aborts setup with a fatal error (spec §4.2).
const MinimumVersion = 1

// Client is the data-operation surface of a directory handle: add, modify
// and delete, each taking a list of request controls, a search that
// returns its collected entries (not a stream), the connected flag and the
// server version. Connection lifecycle and hooks live on Conn. This is the
// surface the checkpoint store and change applier depend on.
type Client interface {
	Add(ctx context.Context, dn string, attrs map[string][]string, controls []ldap.Control) error
	Modify(ctx context.Context, dn string, mods []changelog.Mod, controls []ldap.Control) error
	Delete(ctx context.Context, dn string, controls []ldap.Control) error
	Search(ctx context.Context, base string, scope SearchScope, filter string) ([]*ldap.Entry, error)
	Connected() bool
	Version() int
}

// Conn additionally exposes the connection lifecycle and event hooks of
// spec §4.1/§4.2: the surface pkg/remote and the top-level replicator need
// on top of the plain Client contract. *ManagedClient satisfies it; tests
// elsewhere in the module can supply a fake.
type Conn interface {
	Client
	EnsureConnected()
	Close() error
	Destroy() error
	OnConnect(func())
	OnClose(func())
	OnFatal(func(error))
}

var _ Conn = (*ManagedClient)(nil)

// Config configures a ManagedClient.
type Config struct {
	URL              string
	BindDN           string
	BindCredentials  string
	// AttemptTimeout (default 10s) is the deadline of the context handed to
	// the dial function on each connect attempt. The default dialer does not
	// observe that context, and the bind and root DSE read are not bounded
	// by it.
	AttemptTimeout   time.Duration
	Logger           loggers.Advanced
}

// NewConfig applies the defaults spec §4.2 describes.
func NewConfig() *Config {
	return &Config{AttemptTimeout: 10 * time.Second}
}

// dialFunc is swappable in tests so the reconnect/version-gate state
// machine can be exercised without a live directory server.
type dialFunc func(ctx context.Context, url string) (conn, error)

// conn is the subset of *ldap.Conn operations ManagedClient needs. It lets
// tests substitute a fake wire connection while exercising the real
// reconnect/backoff/version-gate logic untouched.
type conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	Close() error
}

func defaultDial(ctx context.Context, url string) (conn, error) {
	c, err := ldap.DialURL(url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ManagedClient is the reconnect-forever, version-gated directory handle
// spec §4.2 describes. It owns exactly one underlying connection at a
// time; all state is touched only from EnsureConnected/connectLoop/
// attemptConnect, handleDisconnect, and Close/Destroy,
// matching the single-threaded-cooperative model of spec §5 (the only
// suspension points are the network calls themselves).
type ManagedClient struct {
	cfg  Config
	dial dialFunc

	mu         sync.Mutex
	wire       conn
	connected  bool
	connecting bool
	destroyed  bool
	version    int

	// onConnect fires once a (re)connect's setup step succeeds.
	// onClose fires when a previously-connected client observes a
	// disconnect (network error), but NOT on an explicit Close().
	// onFatal fires for the one setup condition spec §4.2 calls
	// fatal: a too-old or missing morayVersion.
	onConnect func()
	onClose   func()
	onFatal   func(error)
}

// New builds a ManagedClient. Pass nil for dial to use the real
// github.com/go-ldap/ldap/v3 dialer; tests supply a fake.
func New(cfg Config, dial dialFunc) *ManagedClient {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if dial == nil {
		dial = defaultDial
	}
	return &ManagedClient{cfg: cfg, dial: dial}
}

// OnConnect registers the callback the controller resumes on (spec §4.2
// "Upon successful connect, the controller emits connect").
func (m *ManagedClient) OnConnect(fn func()) { m.onConnect = fn }

// OnClose registers the callback fired on an unexpected disconnect (spec
// §4.2 "On a close event, unless destroyed, the controller calls
// suspend()").
func (m *ManagedClient) OnClose(fn func()) { m.onClose = fn }

// OnFatal registers the callback fired when the setup step's version gate
// fails (spec §4.2 "abort with a fatal... error surfaced to the owner").
func (m *ManagedClient) OnFatal(fn func(error)) { m.onFatal = fn }

// Connected reports the connected flag spec.md's data model names on
// every directory handle.
func (m *ManagedClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Version returns the morayVersion read during the last successful setup.
func (m *ManagedClient) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// EnsureConnected starts an async (re)connect attempt if one is not
// already in flight and the client is not already connected. It never
// blocks: the caller (Controller.resume) re-invokes itself once onConnect
// fires, per spec §4.1 step 1/2 "initiate connect and return".
func (m *ManagedClient) EnsureConnected() {
	m.mu.Lock()
	if m.connected || m.connecting || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()
	go m.connectLoop()
}

// connectLoop retries forever with a linearly growing delay between
// attempts (see jitterBackoff), stopping only on Destroy or a fatal
// version-gate failure.
func (m *ManagedClient) connectLoop() {
	attempt := 0
	for {
		if m.isDestroyed() {
			return
		}
		fatal, err := m.attemptConnect()
		if err == nil {
			m.mu.Lock()
			m.connected = true
			m.connecting = false
			cb := m.onConnect
			m.mu.Unlock()
			if cb != nil {
				cb()
			}
			return
		}
		if fatal {
			m.mu.Lock()
			m.connecting = false
			cb := m.onFatal
			m.mu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}
		if m.cfg.Logger != nil {
			m.cfg.Logger.Warnf("ldapconn: connect attempt %d failed: %v", attempt, err)
		}
		attempt++
		jitterBackoff(attempt)
	}
}

// jitterBackoff sleeps attempt*200ms, capped at 5s, before the next
// connect attempt. The delay is deterministic: no random jitter is added.
func jitterBackoff(attempt int) {
	base := time.Duration(attempt) * 200 * time.Millisecond
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	time.Sleep(base)
}

func (m *ManagedClient) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// attemptConnect performs the setup step of spec §4.2: bind, then read
// morayVersion off the root DSE. fatal=true means the version gate itself
// failed (not a transient network/bind error) and retrying is pointless.
func (m *ManagedClient) attemptConnect() (fatal bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	defer cancel()

	wire, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		return false, pkgerrors.Wrap(err, "dial")
	}
	if err := wire.Bind(m.cfg.BindDN, m.cfg.BindCredentials); err != nil {
		_ = wire.Close()
		return false, pkgerrors.Wrap(err, "bind")
	}
	version, err := readRootDSEVersion(wire)
	if err != nil {
		_ = wire.Close()
		return true, err
	}

	m.mu.Lock()
	m.wire = wire
	m.version = version
	m.mu.Unlock()
	return false, nil
}

func readRootDSEVersion(wire conn) (int, error) {
	res, err := wire.Search(&ldap.SearchRequest{
		BaseDN:     "",
		Scope:      ldap.ScopeBaseObject,
		Filter:     "(objectclass=*)",
		Attributes: []string{MorayVersionAttribute},
	})
	if err != nil {
		return 0, pkgerrors.Wrap(err, "reading root DSE")
	}
	if len(res.Entries) == 0 {
		return 0, fmt.Errorf("root DSE has no entries")
	}
	raw := res.Entries[0].GetAttributeValue(MorayVersionAttribute)
	version, err := strconv.Atoi(raw)
	if err != nil || version < MinimumVersion {
		return 0, fmt.Errorf("UFDS version too old: morayVersion=%q (need >= %d)", raw, MinimumVersion)
	}
	return version, nil
}

// Close unbinds cleanly (spec §4.1 suspend(): "unbind the local client if
// connected"). It does not fire onClose: this is an intentional unbind,
// not an unexpected disconnect.
func (m *ManagedClient) Close() error {
	m.mu.Lock()
	wire := m.wire
	m.wire = nil
	m.connected = false
	m.mu.Unlock()
	if wire == nil {
		return nil
	}
	return wire.Close()
}

// Destroy tears the client down permanently (spec §4.1 destroy()): after
// this, no further connect attempts or close events occur.
func (m *ManagedClient) Destroy() error {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	return m.Close()
}

func (m *ManagedClient) currentWire() (conn, error) {
	m.mu.Lock()
	wire := m.wire
	connected := m.connected
	m.mu.Unlock()
	if !connected || wire == nil {
		return nil, fmt.Errorf("ldapconn: not connected")
	}
	return wire, nil
}

// handleDisconnect is called by the wrapping operations below when the
// wire connection reports a network-level failure (as opposed to an
// LDAP result code). It fires onClose at most once per disconnect and
// lets the existing reconnect-forever loop bring the client back.
func (m *ManagedClient) handleDisconnect() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	destroyed := m.destroyed
	m.mu.Unlock()
	if wasConnected && !destroyed {
		if m.onClose != nil {
			m.onClose()
		}
		m.EnsureConnected()
	}
}

func (m *ManagedClient) Search(ctx context.Context, base string, scope SearchScope, filter string) ([]*ldap.Entry, error) {
	wire, err := m.currentWire()
	if err != nil {
		return nil, err
	}
	res, err := wire.Search(&ldap.SearchRequest{
		BaseDN: base,
		Scope:  scope.ldapScope(),
		Filter: filter,
	})
	if err != nil {
		if isNetworkError(err) {
			m.handleDisconnect()
		}
		return nil, err
	}
	return res.Entries, nil
}

func (m *ManagedClient) Add(ctx context.Context, dn string, attrs map[string][]string, controls []ldap.Control) error {
	wire, err := m.currentWire()
	if err != nil {
		return err
	}
	req := ldap.NewAddRequest(dn, controls)
	for name, values := range attrs {
		req.Attribute(name, values)
	}
	err = wire.Add(req)
	if err != nil && isNetworkError(err) {
		m.handleDisconnect()
	}
	return err
}

func (m *ManagedClient) Modify(ctx context.Context, dn string, mods []changelog.Mod, controls []ldap.Control) error {
	wire, err := m.currentWire()
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, controls)
	for _, mod := range mods {
		switch mod.Op {
		case changelog.ModAdd:
			req.Add(mod.Attr, mod.Values)
		case changelog.ModDelete:
			req.Delete(mod.Attr, mod.Values)
		case changelog.ModReplace:
			req.Replace(mod.Attr, mod.Values)
		}
	}
	err = wire.Modify(req)
	if err != nil && isNetworkError(err) {
		m.handleDisconnect()
	}
	return err
}

func (m *ManagedClient) Delete(ctx context.Context, dn string, controls []ldap.Control) error {
	wire, err := m.currentWire()
	if err != nil {
		return err
	}
	req := ldap.NewDelRequest(dn, controls)
	err = wire.Del(req)
	if err != nil && isNetworkError(err) {
		m.handleDisconnect()
	}
	return err
}

// isNetworkError reports whether err represents a connection-level
// failure (as opposed to a well-formed LDAP result code), the way
// dbconn.canRetryError distinguishes MySQL error numbers that mean "the
// connection itself is bad" from ordinary statement failures.
func isNetworkError(err error) bool {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		// A well-formed LDAP result (even an error one) means the wire
		// is fine; only ErrorNetwork indicates the connection itself
		// is broken.
		switch ldapErr.ResultCode {
		case ldap.ErrorNetwork:
			return true
		default:
			return false
		}
	}
	return true // anything not an *ldap.Error is a transport-level failure
}
