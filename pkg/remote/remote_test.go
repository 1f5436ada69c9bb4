package remote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/ldapconn"
)

// fakeConn is a minimal ldapconn.Conn double driven entirely in memory, so
// pkg/remote's poll/onDone dispatch can be exercised without a live
// directory server.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	version   int
	entries   []*ldap.Entry
	searchErr error
	onConnect func()
	onClose   func()
	onFatal   func(error)
}

func (f *fakeConn) Add(context.Context, string, map[string][]string, []ldap.Control) error { return nil }
func (f *fakeConn) Modify(context.Context, string, []changelog.Mod, []ldap.Control) error   { return nil }
func (f *fakeConn) Delete(context.Context, string, []ldap.Control) error                    { return nil }

func (f *fakeConn) Search(ctx context.Context, base string, scope ldapconn.SearchScope, filter string) ([]*ldap.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.entries, nil
}

func (f *fakeConn) Connected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeConn) Version() int    { f.mu.Lock(); defer f.mu.Unlock(); return f.version }

func (f *fakeConn) EnsureConnected() {
	f.mu.Lock()
	f.connected = true
	cb := f.onConnect
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}
func (f *fakeConn) Close() error   { f.mu.Lock(); f.connected = false; f.mu.Unlock(); return nil }
func (f *fakeConn) Destroy() error { return f.Close() }

func (f *fakeConn) OnConnect(fn func())    { f.onConnect = fn }
func (f *fakeConn) OnClose(fn func())      { f.onClose = fn }
func (f *fakeConn) OnFatal(fn func(error)) { f.onFatal = fn }

func changeEntry(cn int64, changetype, targetdn string) *ldap.Entry {
	return ldap.NewEntry(fmt.Sprintf("changenumber=%d,cn=changelog", cn), map[string][]string{
		"changenumber": {fmt.Sprintf("%d", cn)},
		"changetype":   {changetype},
		"targetdn":     {targetdn},
		"changes":      {"cn: x"},
	})
}

func TestDirectoryIdentity(t *testing.T) {
	id := Identity{URL: "ldaps://r1", UUID: "abc"}
	assert.True(t, id.HasUUID())
	assert.False(t, Identity{URL: "ldaps://r2"}.HasUUID())
}

func TestDirectoryPollOrdersAndReportsLast(t *testing.T) {
	fc := &fakeConn{entries: []*ldap.Entry{
		changeEntry(3, "add", "uid=c,o=smartdc"),
		changeEntry(1, "add", "uid=a,o=smartdc"),
		changeEntry(2, "add", "uid=b,o=smartdc"),
	}}
	dir, err := New(Identity{URL: "ldaps://r1"}, fc, []string{"(objectclass=*)"}, "cn=changelog", nil)
	require.NoError(t, err)

	var seen []int64
	var mu sync.Mutex
	done := make(chan *int64, 1)
	dir.Poll(context.Background(), 1, 51, func(c *changelog.Change) {
		mu.Lock()
		seen = append(seen, c.ChangeNumber)
		mu.Unlock()
	}, func(last *int64) {
		done <- last
	})

	select {
	case last := <-done:
		require.NotNil(t, last)
		assert.Equal(t, int64(3), *last)
	case <-time.After(2 * time.Second):
		t.Fatal("poll never completed")
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestDirectoryPollRejectsConcurrentCall(t *testing.T) {
	block := make(chan struct{})
	fc := &fakeConnBlocking{block: block}
	dir, err := New(Identity{URL: "ldaps://r1"}, fc, nil, "cn=changelog", nil)
	require.NoError(t, err)

	firstDone := make(chan *int64, 1)
	dir.Poll(context.Background(), 1, 51, func(*changelog.Change) {}, func(last *int64) { firstDone <- last })

	secondDone := make(chan *int64, 1)
	dir.Poll(context.Background(), 1, 51, func(*changelog.Change) {}, func(last *int64) { secondDone <- last })

	select {
	case last := <-secondDone:
		assert.Nil(t, last, "second concurrent poll must signal undefined via nil")
	case <-time.After(2 * time.Second):
		t.Fatal("second poll never returned")
	}
	close(block)
	<-firstDone
}

// fakeConnBlocking blocks Search until the block channel is closed, so
// tests can assert the at-most-one-poll-in-flight rule (spec §4.4/§4.7/§8
// property 4).
type fakeConnBlocking struct {
	fakeConn
	block chan struct{}
}

func (f *fakeConnBlocking) Search(ctx context.Context, base string, scope ldapconn.SearchScope, filter string) ([]*ldap.Entry, error) {
	<-f.block
	return nil, nil
}
