package checkpoint

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/ldapconn"
	"github.com/block/ldapreplicator/pkg/remote"
)

// fakeClient is a minimal ldapconn.Client double recording Add calls and
// replaying a scripted Search result, so Init/Add can be exercised without a
// live directory.
type fakeClient struct {
	searchResult []*ldap.Entry
	searchErr    error
	added        map[string]map[string][]string
}

func newFakeClient() *fakeClient { return &fakeClient{added: map[string]map[string][]string{}} }

func (f *fakeClient) Add(ctx context.Context, dn string, attrs map[string][]string, controls []ldap.Control) error {
	f.added[dn] = attrs
	return nil
}
func (f *fakeClient) Modify(context.Context, string, []changelog.Mod, []ldap.Control) error { return nil }
func (f *fakeClient) Delete(context.Context, string, []ldap.Control) error                   { return nil }
func (f *fakeClient) Search(ctx context.Context, base string, scope ldapconn.SearchScope, filter string) ([]*ldap.Entry, error) {
	return f.searchResult, f.searchErr
}
func (f *fakeClient) Connected() bool { return true }
func (f *fakeClient) Version() int    { return 5 }

func testConfig() Config {
	return Config{Base: "o=smartdc", Objectclass: "sdcreplcheckpoint"}
}

func TestStoreDNUUIDVsHash(t *testing.T) {
	s := New(newFakeClient(), testConfig())
	assert.Equal(t, "uuid=abc, o=smartdc", s.DN(remote.Identity{URL: "ldaps://r1", UUID: "abc"}))
	assert.Equal(t, "uid="+md5Hex("ldaps://r1")+", o=smartdc", s.DN(remote.Identity{URL: "ldaps://r1"}))
}

func TestInitCreatesWhenNotFound(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, testConfig())
	identity := remote.Identity{URL: "ldaps://r1", UUID: "abc"}

	dn, cn, err := s.Init(context.Background(), identity, []string{"(objectclass=sdcperson)"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), cn)
	assert.Equal(t, "uuid=abc, o=smartdc", dn)

	attrs, ok := fc.added[dn]
	require.True(t, ok, "expected Add to have been called")
	assert.Equal(t, []string{"ldaps://r1"}, attrs["url"])
	assert.Equal(t, []string{"0"}, attrs["changenumber"])
	assert.Equal(t, []string{"sdcreplcheckpoint"}, attrs["objectclass"])
}

func TestInitReturnsExistingRecord(t *testing.T) {
	fc := newFakeClient()
	fc.searchResult = []*ldap.Entry{
		ldap.NewEntry("uuid=abc, o=smartdc", map[string][]string{"changenumber": {"42"}}),
	}
	s := New(fc, testConfig())
	dn, cn, err := s.Init(context.Background(), remote.Identity{URL: "ldaps://r1", UUID: "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "uuid=abc, o=smartdc", dn)
	assert.Equal(t, int64(42), cn)
	assert.Empty(t, fc.added, "Add must not be called when a record already exists")
}

func TestInitFatalsOnMultipleMatches(t *testing.T) {
	fc := newFakeClient()
	fc.searchResult = []*ldap.Entry{
		ldap.NewEntry("uuid=abc, o=smartdc", map[string][]string{"changenumber": {"1"}}),
		ldap.NewEntry("uid=dead, o=smartdc", map[string][]string{"changenumber": {"2"}}),
	}
	s := New(fc, testConfig())
	_, _, err := s.Init(context.Background(), remote.Identity{URL: "ldaps://r1", UUID: "abc"}, nil)
	assert.Error(t, err)
}

func TestLookupFilterIncludesBothDisjunctsWhenUUIDPresent(t *testing.T) {
	s := New(newFakeClient(), testConfig())
	filter := s.lookupFilter(remote.Identity{URL: "ldaps://r1", UUID: "abc"})
	assert.Contains(t, filter, "(objectclass=sdcreplcheckpoint)(url=ldaps://r1)")
	assert.Contains(t, filter, "(objectclass=sdcreplcheckpoint)(uuid=abc)")
}
