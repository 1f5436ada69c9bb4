package ldapreplicator

import (
	"time"

	"github.com/siddontang/loggers"
)

// RemoteConfig configures one upstream directory to replicate from (spec
// §4.7 "Remotes are added via addRemote({url, ...})").
type RemoteConfig struct {
	// URL is the remote's LDAP URL; also its identity when UUID is empty.
	URL string
	// UUID, when set, is the remote's stable identity (spec §3, §4.3) and
	// is preferred over the URL for the checkpoint record and the
	// Changelog-Hint control.
	UUID string
	// BindDN/BindCredentials are passed verbatim to this remote's client
	// (spec §4.7 "any per-remote credentials passed verbatim").
	BindDN          string
	BindCredentials string
	// Queries is the per-remote acceptance filter, stored verbatim in the
	// checkpoint record's query attribute (spec §3, §4.3).
	Queries []string
	// ChangelogBase is the DN this remote's changelog lives under.
	// Defaults to "cn=changelog".
	ChangelogBase string
	// AttemptTimeout sets this remote client's ldapconn.Config.AttemptTimeout
	// (default 10s).
	AttemptTimeout time.Duration
}

// Config is the top-level replicator configuration (spec §4.7
// "Configuration"). Zero-value fields take the defaults NewConfig sets.
type Config struct {
	// LocalURL/LocalBindDN/LocalBindCredentials configure the one local
	// (downstream) directory client (spec §4.7 "ldapConfig").
	LocalURL             string
	LocalBindDN          string
	LocalBindCredentials string
	LocalAttemptTimeout  time.Duration

	// BaseDN is the local directory's base (spec §4.7 "baseDN", default
	// "o=smartdc").
	BaseDN string
	// CheckpointDN is where checkpoint records live; defaults to BaseDN.
	CheckpointDN string
	// CheckpointObjectclass names the checkpoint record's objectclass
	// (default "sdcreplcheckpoint").
	CheckpointObjectclass string

	// PollInterval is the repeating poll-pass period (spec §4.4, default 1s).
	PollInterval time.Duration
	// PageSize is PAGE_SIZE in spec §4.4 (default 50).
	PageSize int

	// InitBackoffMin/InitBackoffMax bound the exponential backoff armed
	// after a fatal init error (spec §4.1, default 1s..60s).
	InitBackoffMin time.Duration
	InitBackoffMax time.Duration

	// Remotes lists the upstream directories to replicate from.
	Remotes []RemoteConfig

	// Logger is the sink every component logs through (spec §4.7 "log").
	// A nil Logger disables logging rather than panicking.
	Logger loggers.Advanced
}

// NewConfig returns the defaults spec §4.7 and §4.1 name.
func NewConfig() Config {
	return Config{
		BaseDN:                "o=smartdc",
		CheckpointObjectclass: "sdcreplcheckpoint",
		PollInterval:          time.Second,
		PageSize:              50,
		InitBackoffMin:        time.Second,
		InitBackoffMax:        60 * time.Second,
		LocalAttemptTimeout:   10 * time.Second,
	}
}

func (c Config) checkpointBase() string {
	if c.CheckpointDN != "" {
		return c.CheckpointDN
	}
	return c.BaseDN
}
