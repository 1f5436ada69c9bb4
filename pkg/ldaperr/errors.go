// Package ldaperr categorizes LDAP result codes into the named error
// conditions the replicator dispatches on, the way pkg/dbconn categorizes
// MySQL error numbers for retry decisions.
package ldaperr

import (
	"errors"

	"github.com/go-ldap/ldap/v3"
)

// Kind identifies one of the error conditions the controller and the
// change applier treat specially. The zero value means "uncategorized":
// count it against the per-entry retry budget.
type Kind int

const (
	Unknown Kind = iota
	EntryAlreadyExists
	ConstraintViolation
	NoSuchObject
	NotAllowedOnNonLeaf
	Unavailable
	Busy
)

func (k Kind) String() string {
	switch k {
	case EntryAlreadyExists:
		return "EntryAlreadyExistsError"
	case ConstraintViolation:
		return "ConstraintViolationError"
	case NoSuchObject:
		return "NoSuchObjectError"
	case NotAllowedOnNonLeaf:
		return "NotAllowedOnNonLeafError"
	case Unavailable:
		return "UnavailableError"
	case Busy:
		return "BusyError"
	default:
		return "UnknownError"
	}
}

// resultCodes maps each Kind to the LDAPv3 result code(s) that produce it.
var resultCodes = map[Kind][]uint16{
	EntryAlreadyExists:  {ldap.LDAPResultEntryAlreadyExists},
	ConstraintViolation: {ldap.LDAPResultConstraintViolation},
	NoSuchObject:        {ldap.LDAPResultNoSuchObject},
	NotAllowedOnNonLeaf: {ldap.LDAPResultNotAllowedOnNonLeaf},
	Unavailable:         {ldap.LDAPResultUnavailable},
	Busy:                {ldap.LDAPResultBusy},
}

// Classify inspects err and returns the Kind the replicator should dispatch
// on. A nil error classifies as Unknown with ok=false, mirroring
// dbconn.canRetryError's "default: false" branch for unrecognised errors.
func Classify(err error) (Kind, bool) {
	if err == nil {
		return Unknown, false
	}
	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		return Unknown, false
	}
	for kind, codes := range resultCodes {
		for _, code := range codes {
			if ldapErr.ResultCode == code {
				return kind, true
			}
		}
	}
	return Unknown, false
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	got, ok := Classify(err)
	return ok && got == kind
}

// Permanent reports whether kind is one of the "permanent, unfixable for
// this entry" categories of spec §4.7: ConstraintViolation (add/modify) and
// NotAllowedOnNonLeaf (delete). These are logged and treated as success so
// the changelog stream keeps advancing instead of retrying forever.
func Permanent(kind Kind) bool {
	return kind == ConstraintViolation || kind == NotAllowedOnNonLeaf
}
