package subscribe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	failFor map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte), failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(handle string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[handle] {
		return fmt.Errorf("connection closed")
	}
	f.sent[handle] = append(f.sent[handle], frame)
	return nil
}

func testAccount(b byte) account.Pubkey {
	raw := make([]byte, account.MainnetLen)
	raw[0] = account.DefaultNetID
	raw[1] = b
	return account.Pubkey(raw)
}

func TestRegisterThenNotifyDeliversMatchingNamespace(t *testing.T) {
	sender := newFakeSender()
	r := New(sender)
	acct := testAccount(0x01)

	r.Register(Subscription{
		Account:          acct,
		ConnectionHandle: "conn1",
		Namespaces:       map[message.Namespace]bool{0: true, 1: true},
		WantData:         true,
	})

	m, err := message.New(acct, 0, []byte("payload"), time.Now().UnixMilli(), 60*time.Second, time.Now())
	require.NoError(t, err)

	delivered, evicted := r.Notify(m)
	require.Equal(t, 1, delivered)
	require.Equal(t, 0, evicted)
	require.Len(t, sender.sent["conn1"], 1)
}

func TestNotifySkipsNonMatchingNamespace(t *testing.T) {
	sender := newFakeSender()
	r := New(sender)
	acct := testAccount(0x02)

	r.Register(Subscription{
		Account:          acct,
		ConnectionHandle: "conn1",
		Namespaces:       map[message.Namespace]bool{5: true},
	})

	m, err := message.New(acct, 0, []byte("payload"), time.Now().UnixMilli(), 60*time.Second, time.Now())
	require.NoError(t, err)

	delivered, _ := r.Notify(m)
	require.Equal(t, 0, delivered)
}

func TestNotifyEvictsOnSendFailure(t *testing.T) {
	sender := newFakeSender()
	sender.failFor["deadconn"] = true
	r := New(sender)
	acct := testAccount(0x03)

	r.Register(Subscription{
		Account:          acct,
		ConnectionHandle: "deadconn",
		Namespaces:       map[message.Namespace]bool{0: true},
	})

	m, err := message.New(acct, 0, []byte("payload"), time.Now().UnixMilli(), 60*time.Second, time.Now())
	require.NoError(t, err)

	delivered, evicted := r.Notify(m)
	require.Equal(t, 0, delivered)
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, r.Count())
}

func TestRegisterReplacesSameKey(t *testing.T) {
	sender := newFakeSender()
	r := New(sender)
	acct := testAccount(0x04)
	sub := Subscription{
		Account:          acct,
		ConnectionHandle: "conn1",
		Namespaces:       map[message.Namespace]bool{0: true},
	}
	r.Register(sub)
	r.Register(sub)
	require.Equal(t, 1, r.Count())
}

func TestSweepRemovesExpiredSubscriptions(t *testing.T) {
	sender := newFakeSender()
	r := New(sender)
	r.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	r.Register(Subscription{
		Account:          testAccount(0x05),
		ConnectionHandle: "conn1",
		Namespaces:       map[message.Namespace]bool{0: true},
	})
	r.now = time.Now

	swept := r.Sweep()
	require.Equal(t, 1, swept)
	require.Equal(t, 0, r.Count())
}

func TestEvictConnectionRemovesAllItsSubscriptions(t *testing.T) {
	sender := newFakeSender()
	r := New(sender)
	acct := testAccount(0x06)
	r.Register(Subscription{Account: acct, ConnectionHandle: "conn1", Namespaces: map[message.Namespace]bool{0: true}})
	r.Register(Subscription{Account: acct, ConnectionHandle: "conn1", Namespaces: map[message.Namespace]bool{1: true}})
	r.Register(Subscription{Account: acct, ConnectionHandle: "conn2", Namespaces: map[message.Namespace]bool{0: true}})

	evicted := r.EvictConnection("conn1")
	require.Equal(t, 2, evicted)
	require.Equal(t, 1, r.Count())
}
