package ldaperr

import (
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		ok   bool
	}{
		{"nil", nil, Unknown, false},
		{"plain error", errors.New("boom"), Unknown, false},
		{"already exists", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("x")), EntryAlreadyExists, true},
		{"constraint violation", ldap.NewError(ldap.LDAPResultConstraintViolation, errors.New("x")), ConstraintViolation, true},
		{"no such object", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("x")), NoSuchObject, true},
		{"not allowed on non leaf", ldap.NewError(ldap.LDAPResultNotAllowedOnNonLeaf, errors.New("x")), NotAllowedOnNonLeaf, true},
		{"unavailable", ldap.NewError(ldap.LDAPResultUnavailable, errors.New("x")), Unavailable, true},
		{"busy", ldap.NewError(ldap.LDAPResultBusy, errors.New("x")), Busy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := Classify(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestIs(t *testing.T) {
	err := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("gone"))
	assert.True(t, Is(err, NoSuchObject))
	assert.False(t, Is(err, Busy))
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(ConstraintViolation))
	assert.True(t, Permanent(NotAllowedOnNonLeaf))
	assert.False(t, Permanent(NoSuchObject))
	assert.False(t, Permanent(Unknown))
}
