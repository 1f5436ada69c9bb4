// Package applier implements the C4 Change Application logic of spec.md
// §4.6: translating a decoded changelog entry into the correct local
// add/modify/delete call, honoring a remote's acceptance filter and the
// permanent-vs-retryable error categorization of §4.7.
package applier

import (
	"context"

	"github.com/go-ldap/ldap/v3"
	"github.com/siddontang/loggers"

	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/filterset"
	"github.com/block/ldapreplicator/pkg/ldapconn"
	"github.com/block/ldapreplicator/pkg/ldaperr"
)

// Applier is C4: it knows how to apply one decoded change against a local
// directory client, given the acceptance filter of the remote it came from.
type Applier struct {
	client ldapconn.Client
	logger loggers.Advanced
}

// New builds an Applier bound to a local-directory client.
func New(client ldapconn.Client, logger loggers.Advanced) *Applier {
	return &Applier{client: client, logger: logger}
}

// Apply dispatches change on its ChangeType and returns the outcome per
// spec §4.6/§4.7: a nil error means "done(null)" (success or permanent,
// treated as success so the stream advances); a non-nil error means
// "done(err)" (the caller increments the entry's retry counter).
func (a *Applier) Apply(ctx context.Context, change *changelog.Change, queries *filterset.Set, controls []ldap.Control) error {
	switch change.ChangeType {
	case changelog.Add:
		return a.applyAdd(ctx, change, controls)
	case changelog.Modify:
		return a.applyModify(ctx, change, queries, controls)
	case changelog.Delete:
		return a.applyDelete(ctx, change, queries, controls)
	default:
		return nil
	}
}

// applyAdd implements spec §4.6 "Add": add, promoted to modify-replace on
// EntryAlreadyExists, with ConstraintViolation treated as permanent.
func (a *Applier) applyAdd(ctx context.Context, change *changelog.Change, controls []ldap.Control) error {
	err := a.client.Add(ctx, change.TargetDN, change.Attributes, controls)
	if err == nil {
		return nil
	}
	if ldaperr.Is(err, ldaperr.ConstraintViolation) {
		a.logf("add %s: constraint violation, skipping permanently: %v", change.TargetDN, err)
		return nil
	}
	if !ldaperr.Is(err, ldaperr.EntryAlreadyExists) {
		return err
	}

	mods := make([]changelog.Mod, 0, len(change.Attributes))
	for attr, values := range change.Attributes {
		mods = append(mods, changelog.Mod{Op: changelog.ModReplace, Attr: attr, Values: values})
	}
	err = a.client.Modify(ctx, change.TargetDN, mods, controls)
	if err == nil {
		return nil
	}
	if ldaperr.Is(err, ldaperr.ConstraintViolation) {
		a.logf("add-as-modify %s: constraint violation, skipping permanently: %v", change.TargetDN, err)
		return nil
	}
	return err
}

// applyModify implements spec §4.6 "Modify": the six-row decision table
// keyed on local presence and filter membership before/after applying the
// change in memory.
func (a *Applier) applyModify(ctx context.Context, change *changelog.Change, queries *filterset.Set, controls []ldap.Control) error {
	old, present, err := a.lookup(ctx, change.TargetDN)
	if err != nil {
		return err
	}

	var oldAttrs map[string][]string
	if present {
		oldAttrs = old.Attributes
	}
	newAttrs := changelog.ApplyMods(oldAttrs, change.Mods)

	oldMatches := present && queries.Matches(filterset.NewEntry(change.TargetDN, oldAttrs))
	newMatches := queries.Matches(filterset.NewEntry(change.TargetDN, newAttrs))

	switch {
	case present && newMatches:
		// old=yes or old=no, new=yes: modify either way.
		return a.client.Modify(ctx, change.TargetDN, change.Mods, controls)
	case present && !newMatches && oldMatches:
		return a.client.Delete(ctx, change.TargetDN, controls)
	case present && !newMatches && !oldMatches:
		return nil
	case !present && newMatches:
		return a.client.Add(ctx, change.TargetDN, newAttrs, controls)
	default:
		// !present && !newMatches, and the unreachable "not present but old
		// matched" combination: both resolve to no-op.
		return nil
	}
}

// applyDelete implements spec §4.6 "Delete": only remove the local entry if
// it currently matches the remote's acceptance filter; NotAllowedOnNonLeaf
// is permanent (orphaned children are handled later).
func (a *Applier) applyDelete(ctx context.Context, change *changelog.Change, queries *filterset.Set, controls []ldap.Control) error {
	entry, present, err := a.lookup(ctx, change.TargetDN)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if !queries.Matches(entry) {
		return nil
	}
	err = a.client.Delete(ctx, change.TargetDN, controls)
	if err == nil {
		return nil
	}
	if ldaperr.Is(err, ldaperr.NotAllowedOnNonLeaf) {
		a.logf("delete %s: has children, leaving in place: %v", change.TargetDN, err)
		return nil
	}
	return err
}

// lookup runs the base-scope search every Modify/Delete decision starts
// from, translating NoSuchObject into "not present" per spec §4.6.
func (a *Applier) lookup(ctx context.Context, dn string) (entry *filterset.Entry, present bool, err error) {
	entries, err := a.client.Search(ctx, dn, ldapconn.ScopeBaseObject, "(objectclass=*)")
	if err != nil {
		if ldaperr.Is(err, ldaperr.NoSuchObject) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return filterset.FromLDAPEntry(entries[0]), true, nil
}

func (a *Applier) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Warnf(format, args...)
	}
}

func (a *Applier) logErrorf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Errorf(format, args...)
	}
}
