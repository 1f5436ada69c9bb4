// Package controls implements the two LDAPv3 request controls spec.md §6
// defines at their interface: Changelog-Hint and Checkpoint-Update. Their
// OIDs are not prescribed by the server-independent core, so this package
// picks a private-enterprise-number-rooted OID pair the way many
// directory vendors mint their own control OIDs; a real deployment that
// talks to a specific server swaps these constants for that server's.
package controls

import (
	"encoding/asn1"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

const (
	// ChangelogHintOID tags a local write with the source remote's
	// identity and changenumber so downstream changelog consumers can
	// attribute and deduplicate it (spec §6).
	ChangelogHintOID = "1.3.6.1.4.1.38678.1.1"
	// CheckpointUpdateOID instructs the local server to update the
	// checkpoint record at a DN as part of the same commit as the
	// carrying write (spec §6).
	CheckpointUpdateOID = "1.3.6.1.4.1.38678.1.2"
)

// ChangelogHint is the optional per-write control of spec §4.5 step 2:
// "if E.remote.connection.identity.uuid is present, append a
// Changelog-Hint control valued {uuid, changenumber}".
type ChangelogHint struct {
	UUID         string `asn1:"utf8"`
	ChangeNumber int64
}

// Control builds the *ldap.ControlString carrying this hint. The control
// value is an ASN.1 SEQUENCE { uuid UTF8String, changeNumber INTEGER },
// marked non-critical: a server that doesn't understand attribution
// hints should still accept the write.
func (h ChangelogHint) Control() (*ldap.ControlString, error) {
	raw, err := asn1.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "encoding changelog-hint control")
	}
	return &ldap.ControlString{
		ControlType:  ChangelogHintOID,
		Criticality:  false,
		ControlValue: string(raw),
	}, nil
}

// CheckpointUpdate is the mandatory per-write control of spec §4.5 step 2:
// "Always append a Checkpoint-Update control valued {dn, changenumber}".
// It is the coupling mechanism behind invariant 2 in spec §3: the server
// commits the checkpoint bump in the same transaction as the carrying
// add/modify/delete.
type CheckpointUpdate struct {
	DN           string `asn1:"utf8"`
	ChangeNumber int64
}

// Control builds the *ldap.ControlString carrying this checkpoint update.
// It is marked critical: if the server can't honor the coupled commit, the
// operation must fail rather than silently applying the data write without
// advancing the checkpoint (that would violate invariant 2).
func (c CheckpointUpdate) Control() (*ldap.ControlString, error) {
	raw, err := asn1.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding checkpoint-update control")
	}
	return &ldap.ControlString{
		ControlType:  CheckpointUpdateOID,
		Criticality:  true,
		ControlValue: string(raw),
	}, nil
}

// Build assembles the full control list for one queue-entry apply attempt
// (spec §4.5 step 2). hint is nil when the remote identity carries no
// uuid.
func Build(hint *ChangelogHint, checkpoint CheckpointUpdate) ([]ldap.Control, error) {
	var out []ldap.Control
	if hint != nil {
		c, err := hint.Control()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	c, err := checkpoint.Control()
	if err != nil {
		return nil, err
	}
	out = append(out, c)
	return out, nil
}
