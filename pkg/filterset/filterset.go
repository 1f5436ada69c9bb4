// Package filterset compiles the acceptance-filter strings a remote stores
// (spec.md §3 "query", §6 "rawQueries") into matcher objects that can be
// evaluated against an in-memory directory entry, the way
// pkg/statement parses a CREATE TABLE/ALTER TABLE string once into an AST
// that callers then walk repeatedly.
package filterset

import (
	"fmt"
	"strings"

	"github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// Entry is the in-memory representation the matcher is evaluated against.
// It is deliberately decoupled from *ldap.Entry so the change applier can
// build one for synthesized ("not yet added") entries during modify
// evaluation (spec §4.6) without a round trip through the server.
type Entry struct {
	DN         string
	Attributes map[string][]string // keyed case-insensitively (lower-cased)
}

// NewEntry builds an Entry with a normalized attribute map.
func NewEntry(dn string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, Attributes: make(map[string][]string, len(attrs))}
	for k, v := range attrs {
		e.Attributes[strings.ToLower(k)] = v
	}
	return e
}

// FromLDAPEntry adapts a *ldap.Entry (as returned by a base-scope search)
// into the Entry shape the matcher understands.
func FromLDAPEntry(e *ldap.Entry) *Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[strings.ToLower(a.Name)] = a.Values
	}
	return &Entry{DN: e.DN, Attributes: attrs}
}

// Query is a single compiled acceptance-filter matcher, per spec §6
// "queries (iterable of objects with matches(entry) -> bool)".
type Query interface {
	Matches(entry *Entry) bool
	String() string
}

type query struct {
	raw    string
	packet *ber.Packet
}

func (q *query) String() string { return q.raw }

func (q *query) Matches(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return matchPacket(q.packet, entry)
}

// Set is the disjunction ("conceptual OR", spec §4.6) of every compiled
// query a remote was configured with.
type Set struct {
	raw     []string
	queries []Query
}

// Compile parses each raw LDAPv3 filter string into a Query. A remote with
// no configured filters accepts no entry (an empty Set.Matches is false);
// callers that want "accept all" must pass "(objectclass=*)".
func Compile(raw []string) (*Set, error) {
	s := &Set{raw: append([]string(nil), raw...)}
	for _, r := range raw {
		packet, err := ldap.CompileFilter(r)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling acceptance filter %q", r)
		}
		s.queries = append(s.queries, &query{raw: r, packet: packet})
	}
	return s, nil
}

// Queries returns the decoded matcher objects (spec §3 "queries").
func (s *Set) Queries() []Query { return s.queries }

// Raw returns the filters verbatim, as stored in the checkpoint record
// (spec §3 "rawQueries (the same filter as it should be stored)").
func (s *Set) Raw() []string { return s.raw }

// Matches reports whether entry belongs in the local copy under this
// remote's acceptance filter: true if ANY compiled query matches.
// A Set with zero queries matches nothing, by design: a remote is expected
// to always have at least one acceptance filter configured.
func (s *Set) Matches(entry *Entry) bool {
	for _, q := range s.queries {
		if q.Matches(entry) {
			return true
		}
	}
	return false
}

func matchPacket(p *ber.Packet, entry *Entry) bool {
	if p == nil {
		return false
	}
	switch ber.Tag(p.Tag) {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			if !matchPacket(child, entry) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, child := range p.Children {
			if matchPacket(child, entry) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return false
		}
		return !matchPacket(p.Children[0], entry)
	case ldap.FilterEqualityMatch:
		if len(p.Children) != 2 {
			return false
		}
		attr := attrString(p.Children[0])
		val := attrString(p.Children[1])
		return hasValue(entry, attr, val, strings.EqualFold)
	case ldap.FilterGreaterOrEqual:
		if len(p.Children) != 2 {
			return false
		}
		attr := attrString(p.Children[0])
		val := attrString(p.Children[1])
		return hasValue(entry, attr, val, func(a, b string) bool { return a >= b })
	case ldap.FilterLessOrEqual:
		if len(p.Children) != 2 {
			return false
		}
		attr := attrString(p.Children[0])
		val := attrString(p.Children[1])
		return hasValue(entry, attr, val, func(a, b string) bool { return a <= b })
	case ldap.FilterApproxMatch:
		if len(p.Children) != 2 {
			return false
		}
		attr := attrString(p.Children[0])
		val := attrString(p.Children[1])
		return hasValue(entry, attr, val, strings.EqualFold)
	case ldap.FilterPresent:
		attr := strings.ToLower(fmt.Sprintf("%v", p.Value))
		values, ok := entry.Attributes[attr]
		return ok && len(values) > 0
	case ldap.FilterSubstrings:
		return matchSubstrings(p, entry)
	default:
		return false
	}
}

func attrString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return string(p.Data.Bytes())
}

func hasValue(entry *Entry, attr, val string, cmp func(a, b string) bool) bool {
	for _, v := range entry.Attributes[strings.ToLower(attr)] {
		if cmp(v, val) {
			return true
		}
	}
	return false
}

func matchSubstrings(p *ber.Packet, entry *Entry) bool {
	if len(p.Children) != 2 {
		return false
	}
	attr := strings.ToLower(attrString(p.Children[0]))
	values := entry.Attributes[attr]
	if len(values) == 0 {
		return false
	}
	var initial, final string
	var any []string
	for _, part := range p.Children[1].Children {
		s := attrString(part)
		switch part.Tag {
		case 0:
			initial = s
		case 1:
			any = append(any, s)
		case 2:
			final = s
		}
	}
	for _, v := range values {
		rest := v
		if initial != "" {
			if !strings.HasPrefix(rest, initial) {
				continue
			}
			rest = rest[len(initial):]
		}
		ok := true
		for _, a := range any {
			idx := strings.Index(rest, a)
			if idx < 0 {
				ok = false
				break
			}
			rest = rest[idx+len(a):]
		}
		if !ok {
			continue
		}
		if final != "" && !strings.HasSuffix(rest, final) {
			continue
		}
		return true
	}
	return false
}
