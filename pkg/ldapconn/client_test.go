package ldapconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	version string
	closed  bool
	bindErr error
}

func (f *fakeConn) Bind(string, string) error { return f.bindErr }

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{
		Entries: []*ldap.Entry{
			ldap.NewEntry("", map[string][]string{MorayVersionAttribute: {f.version}}),
		},
	}, nil
}

func (f *fakeConn) Add(*ldap.AddRequest) error    { return nil }
func (f *fakeConn) Modify(*ldap.ModifyRequest) error { return nil }
func (f *fakeConn) Del(*ldap.DelRequest) error     { return nil }
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestManagedClientConnectSuccess(t *testing.T) {
	fc := &fakeConn{version: "5"}
	mc := New(Config{URL: "ldap://local"}, func(ctx context.Context, url string) (conn, error) {
		return fc, nil
	})
	var connected int32
	mc.OnConnect(func() { connected = 1 })
	mc.EnsureConnected()
	waitFor(t, func() bool { return mc.Connected() })
	assert.Equal(t, int32(1), connected)
	assert.Equal(t, 5, mc.Version())
}

func TestManagedClientFatalVersionTooOld(t *testing.T) {
	fc := &fakeConn{version: "0"}
	mc := New(Config{URL: "ldap://local"}, func(ctx context.Context, url string) (conn, error) {
		return fc, nil
	})
	fatalCh := make(chan error, 1)
	mc.OnFatal(func(err error) { fatalCh <- err })
	mc.EnsureConnected()
	select {
	case err := <-fatalCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal callback")
	}
	assert.False(t, mc.Connected())
}

func TestManagedClientRetriesOnDialError(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	mc := New(Config{URL: "ldap://local"}, func(ctx context.Context, url string) (conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{version: "5"}, nil
	})
	mc.EnsureConnected()
	waitFor(t, func() bool { return mc.Connected() })
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestManagedClientDestroyStopsReconnect(t *testing.T) {
	fc := &fakeConn{version: "5"}
	mc := New(Config{URL: "ldap://local"}, func(ctx context.Context, url string) (conn, error) {
		return fc, nil
	})
	mc.EnsureConnected()
	waitFor(t, func() bool { return mc.Connected() })
	require.NoError(t, mc.Destroy())
	assert.False(t, mc.Connected())
	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.True(t, fc.closed)
}
