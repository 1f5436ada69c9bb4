// Package checkpoint implements the C3 Checkpoint Store of spec.md §4.3: the
// logic layered over the local directory client that locates, creates, and
// decodes per-remote checkpoint records. checkpointUpdate itself is not a
// standalone operation here; it rides on each write's Checkpoint-Update
// control (pkg/controls), so this package only covers checkpointInit and
// checkpointAdd.
package checkpoint

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/go-ldap/ldap/v3"
	pkgerrors "github.com/pkg/errors"

	"github.com/block/ldapreplicator/pkg/ldapconn"
	"github.com/block/ldapreplicator/pkg/remote"
)

// Config carries the two checkpoint-store options spec §4.7 lists:
// checkpointDN (here Base) and checkpointObjectclass.
type Config struct {
	Base        string
	Objectclass string
}

// Store locates and creates checkpoint records for remotes registered
// against one local directory client.
type Store struct {
	client ldapconn.Client
	cfg    Config
}

// New builds a Store bound to a local-directory client.
func New(client ldapconn.Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

// DN computes the checkpoint DN for an identity: uuid=<uuid>, <base> when the
// identity carries a uuid, uid=<md5(url)>, <base> otherwise (spec §3, §4.3).
func (s *Store) DN(identity remote.Identity) string {
	if identity.HasUUID() {
		return fmt.Sprintf("uuid=%s, %s", identity.UUID, s.cfg.Base)
	}
	return fmt.Sprintf("uid=%s, %s", md5Hex(identity.URL), s.cfg.Base)
}

// Init implements checkpointInit(remote) (spec §4.3): search the local
// directory for an existing checkpoint record matching this identity; if
// found, return its dn and changenumber; if not found, create one via Add.
// More than one match is a fatal error (the spec calls this out explicitly).
func (s *Store) Init(ctx context.Context, identity remote.Identity, rawQueries []string) (dn string, changenumber int64, err error) {
	entries, err := s.client.Search(ctx, s.cfg.Base, ldapconn.ScopeWholeSubtree, s.lookupFilter(identity))
	if err != nil {
		return "", 0, pkgerrors.Wrap(err, "checkpoint init: search")
	}
	switch len(entries) {
	case 0:
		return s.Add(ctx, identity, rawQueries)
	case 1:
		cn, err := strconv.ParseInt(entries[0].GetAttributeValue("changenumber"), 10, 64)
		if err != nil {
			return "", 0, pkgerrors.Wrapf(err, "checkpoint init: parsing changenumber on %s", entries[0].DN)
		}
		return entries[0].DN, cn, nil
	default:
		return "", 0, fmt.Errorf("checkpoint init: %d matching checkpoint records for %s, expected at most one", len(entries), identity.URL)
	}
}

// Add implements checkpointAdd(remote) (spec §4.3): create a record with
// changenumber=0 and the acceptance filter stored verbatim in query, at the
// dn this identity maps to.
func (s *Store) Add(ctx context.Context, identity remote.Identity, rawQueries []string) (dn string, changenumber int64, err error) {
	dn = s.DN(identity)
	attrs := map[string][]string{
		"objectclass":  {s.cfg.Objectclass},
		"url":          {identity.URL},
		"changenumber": {"0"},
	}
	if len(rawQueries) > 0 {
		attrs["query"] = rawQueries
	}
	if identity.HasUUID() {
		attrs["uuid"] = []string{identity.UUID}
	} else {
		attrs["uid"] = []string{md5Hex(identity.URL)}
	}
	if err := s.client.Add(ctx, dn, attrs, nil); err != nil {
		return "", 0, pkgerrors.Wrapf(err, "checkpoint add: %s", dn)
	}
	return dn, 0, nil
}

// lookupFilter builds the dual-disjunct filter spec §4.3 describes: each
// branch of the OR carries its own objectclass predicate, because the
// backing store's filter/index handling requires objectclass to appear in
// every disjunct rather than being hoisted to a single outer AND.
func (s *Store) lookupFilter(identity remote.Identity) string {
	byURL := fmt.Sprintf("(&(objectclass=%s)(url=%s))", s.cfg.Objectclass, ldap.EscapeFilter(identity.URL))
	if !identity.HasUUID() {
		return byURL
	}
	byUUID := fmt.Sprintf("(&(objectclass=%s)(uuid=%s))", s.cfg.Objectclass, ldap.EscapeFilter(identity.UUID))
	return fmt.Sprintf("(|%s%s)", byURL, byUUID)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
