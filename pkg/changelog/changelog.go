// Package changelog provides the changelog-entry wire shape and decoding
// that spec.md §1 calls out as an external collaborator ("the changelog-
// entry wire parsing... specified only at their interface, §6"). It is kept
// intentionally small: a real deployment's remote directory server defines
// its own changelog schema, but pkg/remote needs a concrete decoder to
// poll against, the same way block-spirit ships a real (not mocked)
// pkg/repl rather than leaving binlog decoding abstract.
package changelog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// ChangeType is one of the three changetypes spec.md §3 names.
type ChangeType string

const (
	Add    ChangeType = "add"
	Modify ChangeType = "modify"
	Delete ChangeType = "delete"
)

// ModOp mirrors the standard LDAP modification operations used to apply a
// "modify" change in memory (spec §4.6 "apply changes in memory").
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

// Mod is one attribute-level modification out of a modify change's
// "changes" payload.
type Mod struct {
	Op     ModOp
	Attr   string
	Values []string
}

// Change is a single changelog entry as received from a remote, per
// spec.md §3 "Change": changenumber, changetype, targetdn, and a changes
// payload whose shape depends on changetype.
type Change struct {
	ChangeNumber int64
	ChangeType   ChangeType
	TargetDN     string

	// Attributes holds the attribute map for an "add" change.
	Attributes map[string][]string
	// Mods holds the list of modifications for a "modify" change.
	Mods []Mod
}

// Decode parses a single changelog entry, as stored under
// cn=changelog on a directory server that exposes RFC 4533 / draft
// changelog-style entries: changeNumber, changeType, targetDN, and either
// the new attribute set (add) or a changes: LDIF-style modify block.
func Decode(entry *ldap.Entry) (*Change, error) {
	c := &Change{TargetDN: entry.GetAttributeValue("targetdn")}

	cnStr := entry.GetAttributeValue("changenumber")
	cn, err := strconv.ParseInt(cnStr, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing changenumber %q on %s", cnStr, entry.DN)
	}
	c.ChangeNumber = cn

	switch ct := ChangeType(strings.ToLower(entry.GetAttributeValue("changetype"))); ct {
	case Add:
		c.ChangeType = Add
		c.Attributes = decodeAddAttributes(entry.GetAttributeValue("changes"))
	case Modify:
		c.ChangeType = Modify
		mods, err := decodeModifyChanges(entry.GetAttributeValue("changes"))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding modify changes on changenumber %d", cn)
		}
		c.Mods = mods
	case Delete:
		c.ChangeType = Delete
	default:
		return nil, fmt.Errorf("unrecognized changetype %q on changenumber %d", ct, cn)
	}
	return c, nil
}

// decodeAddAttributes parses an LDIF-style attribute block
// ("cn: foo\nobjectclass: top\nobjectclass: person") into an attribute map.
func decodeAddAttributes(block string) map[string][]string {
	attrs := make(map[string][]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		val = strings.TrimSpace(val)
		attrs[name] = append(attrs[name], val)
	}
	return attrs
}

// decodeModifyChanges parses an LDIF-style modify block:
//
//	replace: cn
//	cn: newvalue
//	-
//	add: mail
//	mail: a@example.com
//	-
func decodeModifyChanges(block string) ([]Mod, error) {
	var mods []Mod
	var cur *Mod
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if line == "" {
			continue
		}
		if line == "-" {
			if cur != nil {
				mods = append(mods, *cur)
				cur = nil
			}
			continue
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed modify line: %q", line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		val = strings.TrimSpace(val)
		switch name {
		case "add", "delete", "replace":
			if cur != nil {
				mods = append(mods, *cur)
			}
			var op ModOp
			switch name {
			case "add":
				op = ModAdd
			case "delete":
				op = ModDelete
			case "replace":
				op = ModReplace
			}
			cur = &Mod{Op: op, Attr: val}
		default:
			if cur == nil {
				return nil, fmt.Errorf("attribute line %q before an add/delete/replace directive", line)
			}
			cur.Values = append(cur.Values, val)
		}
	}
	if cur != nil {
		mods = append(mods, *cur)
	}
	return mods, nil
}

// ApplyMods applies mods to a deep copy of base, using standard LDAP
// modification semantics (spec §4.6 "apply changes in memory"). base may
// be nil, meaning an empty entry.
func ApplyMods(base map[string][]string, mods []Mod) map[string][]string {
	result := make(map[string][]string, len(base))
	for k, v := range base {
		result[k] = append([]string(nil), v...)
	}
	for _, m := range mods {
		attr := strings.ToLower(m.Attr)
		switch m.Op {
		case ModAdd:
			result[attr] = append(result[attr], m.Values...)
		case ModDelete:
			if len(m.Values) == 0 {
				delete(result, attr)
				continue
			}
			result[attr] = removeValues(result[attr], m.Values)
			if len(result[attr]) == 0 {
				delete(result, attr)
			}
		case ModReplace:
			if len(m.Values) == 0 {
				delete(result, attr)
			} else {
				result[attr] = append([]string(nil), m.Values...)
			}
		}
	}
	return result
}

func removeValues(values, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		removeSet[r] = struct{}{}
	}
	var kept []string
	for _, v := range values {
		if _, drop := removeSet[v]; !drop {
			kept = append(kept, v)
		}
	}
	return kept
}
