// Package remote implements the C2 "Remote Directory" wrapper of spec.md
// §2: identity, version, the decoded/raw acceptance filter, and the
// poll(start, end, onEntry, onDone) contract of §6. Polling itself (the
// changelog search + wire decode) is the one piece spec.md §1 calls an
// external collaborator specified only at its interface; pkg/changelog
// supplies the concrete (if simplified) decode this package polls through,
// the way pkg/repl.Client polls a real binlog stream for block-spirit.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/siddontang/loggers"

	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/filterset"
	"github.com/block/ldapreplicator/pkg/ldapconn"
)

// Identity names a remote by URL and, optionally, a uuid (spec §3
// "identity = {url, uuid?}").
type Identity struct {
	URL  string
	UUID string
}

// HasUUID reports whether this remote has a stable uuid identity, which
// determines both checkpoint DN shape (spec §4.3) and whether writes carry
// a Changelog-Hint control (spec §4.5).
func (i Identity) HasUUID() bool { return i.UUID != "" }

// Directory is the C2 RemoteDirectory: a per-remote connection wrapper
// exposing identity, version, rawQueries/queries, and poll (spec §2).
type Directory struct {
	identity      Identity
	client        ldapconn.Conn
	rawQueries    []string
	queries       *filterset.Set
	changelogBase string
	logger        loggers.Advanced

	mu      sync.Mutex
	polling bool
}

// New builds a Directory. rawQueries are compiled immediately: a remote
// with an unparsable acceptance filter cannot be registered (spec §3
// invariant: rawQueries is stored verbatim, queries is its decoded form).
func New(identity Identity, client ldapconn.Conn, rawQueries []string, changelogBase string, logger loggers.Advanced) (*Directory, error) {
	queries, err := filterset.Compile(rawQueries)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", identity.URL, err)
	}
	return &Directory{
		identity:      identity,
		client:        client,
		rawQueries:    rawQueries,
		queries:       queries,
		changelogBase: changelogBase,
		logger:        logger,
	}, nil
}

func (d *Directory) Identity() Identity      { return d.identity }
func (d *Directory) Version() int            { return d.client.Version() }
func (d *Directory) Connected() bool         { return d.client.Connected() }
func (d *Directory) RawQueries() []string    { return d.rawQueries }
func (d *Directory) Queries() *filterset.Set { return d.queries }
func (d *Directory) Client() ldapconn.Client { return d.client }

func (d *Directory) Connect() error { d.client.EnsureConnected(); return nil }
func (d *Directory) Unbind() error  { return d.client.Close() }
func (d *Directory) Destroy() error { return d.client.Destroy() }

func (d *Directory) OnConnect(fn func()) { d.client.OnConnect(fn) }
func (d *Directory) OnClose(fn func())   { d.client.OnClose(fn) }
func (d *Directory) OnFatal(fn func(error)) { d.client.OnFatal(fn) }

// Poll implements spec §6's poll(startCN, endCN, onEntry, onDone):
// onEntry is invoked once per decoded changelog entry in the window
// [start, end), in ascending changenumber order (spec §5 "changelog
// entries are enqueued in the order the remote delivers them"); onDone is
// invoked exactly once, with:
//   - nil, if a poll for this remote is already in flight (spec §4.4
//     "onDone(undefined) -> a poll is already in flight");
//   - a pointer to 0, if the window produced no entries;
//   - a pointer to the highest changenumber seen, otherwise.
func (d *Directory) Poll(ctx context.Context, start, end int64, onEntry func(*changelog.Change), onDone func(*int64)) {
	d.mu.Lock()
	if d.polling {
		d.mu.Unlock()
		onDone(nil)
		return
	}
	d.polling = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.polling = false
			d.mu.Unlock()
		}()

		filter := fmt.Sprintf("(&(changenumber>=%d)(changenumber<=%d))", start, end-1)
		entries, err := d.client.Search(ctx, d.changelogBase, ldapconn.ScopeWholeSubtree, filter)
		if err != nil {
			if d.logger != nil {
				d.logger.Warnf("remote %s: poll [%d,%d) failed: %v", d.identity.URL, start, end, err)
			}
			zero := int64(0)
			onDone(&zero)
			return
		}

		changes := make([]*changelog.Change, 0, len(entries))
		for _, e := range entries {
			c, err := changelog.Decode(e)
			if err != nil {
				if d.logger != nil {
					d.logger.Errorf("remote %s: discarding unparsable changelog entry %s: %v", d.identity.URL, e.DN, err)
				}
				continue
			}
			changes = append(changes, c)
		}
		sort.Slice(changes, func(i, j int) bool { return changes[i].ChangeNumber < changes[j].ChangeNumber })

		var last int64
		for _, c := range changes {
			onEntry(c)
			if c.ChangeNumber > last {
				last = c.ChangeNumber
			}
		}
		onDone(&last)
	}()
}
