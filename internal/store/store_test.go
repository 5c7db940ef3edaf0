package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.sqlite3"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(b byte) account.Pubkey {
	raw := make([]byte, account.MainnetLen)
	raw[0] = account.DefaultNetID
	raw[1] = b
	return account.Pubkey(raw)
}

func mustMessage(t *testing.T, acct account.Pubkey, ns message.Namespace, data string, ts int64, ttl time.Duration) message.Message {
	t.Helper()
	m, err := message.New(acct, ns, []byte(data), ts, ttl, time.UnixMilli(ts))
	require.NoError(t, err)
	return m
}

func TestStoreThenRetrieveByHash(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(0x01)
	now := time.Now().UnixMilli()
	m := mustMessage(t, acct, 0, "hi", now, 60*time.Second)

	res, err := s.Store(m, Ignore)
	require.NoError(t, err)
	require.Equal(t, Stored, res.Outcome)

	got, ok, err := s.RetrieveByHash(m.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", string(got.Data))
}

func TestDuplicateStoreIgnoreVsFail(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(0x02)
	now := time.Now().UnixMilli()
	m := mustMessage(t, acct, 0, "hi", now, 60*time.Second)

	res, err := s.Store(m, Ignore)
	require.NoError(t, err)
	require.Equal(t, Stored, res.Outcome)

	res, err = s.Store(m, Ignore)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)

	res, err = s.Store(m, Fail)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)
	require.NotEmpty(t, res.Reason)
}

func TestRetrievePaginationOrderingAndLastHash(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(0x03)
	base := time.Now().UnixMilli()

	var hashes []string
	for i := 0; i < 5; i++ {
		m := mustMessage(t, acct, 0, "msg", base+int64(i), 60*time.Second)
		res, err := s.Store(m, Ignore)
		require.NoError(t, err)
		require.Equal(t, Stored, res.Outcome)
		hashes = append(hashes, m.Hash)
	}

	first, err := s.Retrieve(acct, RetrieveOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.Retrieve(acct, RetrieveOptions{LastHash: first[len(first)-1].Hash, Limit: 3})
	require.NoError(t, err)
	require.Len(t, second, 3)

	all, err := s.Retrieve(acct, RetrieveOptions{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 5)

	combined := append(append([]message.Message{}, first...), second...)
	for i := range combined {
		require.Equal(t, all[i].Hash, combined[i].Hash)
	}
}

func TestCleanExpiredRemovesOnlyPastExpiry(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(0x04)
	now := time.Now()

	expiring := mustMessage(t, acct, 0, "soon", now.UnixMilli(), 10*time.Second)
	lasting := mustMessage(t, acct, 0, "later", now.UnixMilli(), 14*24*time.Hour)

	_, err := s.Store(expiring, Ignore)
	require.NoError(t, err)
	_, err = s.Store(lasting, Ignore)
	require.NoError(t, err)

	n, err := s.CleanExpired(now.Add(11 * time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, ok, err := s.RetrieveByHash(expiring.Hash)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.RetrieveByHash(lasting.Hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreRejectsAtCapacity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "capped.sqlite3"), PageSize) // cap = 1 page
	require.NoError(t, err)
	defer s.Close()

	acct := testAccount(0x05)
	now := time.Now().UnixMilli()
	var lastResult Result
	for i := 0; i < 200; i++ {
		m := mustMessage(t, acct, 0, "filler data to consume pages", now+int64(i), 60*time.Second)
		lastResult, err = s.Store(m, Ignore)
		require.NoError(t, err)
		if lastResult.Outcome == Rejected {
			break
		}
	}
	require.Equal(t, Rejected, lastResult.Outcome)
	require.Equal(t, ErrStorageFull.Error(), lastResult.Reason)
}

func TestDeleteByHashOnlyAffectsOwningAccount(t *testing.T) {
	s := openTestStore(t)
	acctA := testAccount(0x06)
	acctB := testAccount(0x07)
	now := time.Now().UnixMilli()
	m := mustMessage(t, acctA, 0, "mine", now, 60*time.Second)
	_, err := s.Store(m, Ignore)
	require.NoError(t, err)

	deleted, err := s.DeleteByHash(acctB, []string{m.Hash})
	require.NoError(t, err)
	require.Empty(t, deleted)

	deleted, err = s.DeleteByHash(acctA, []string{m.Hash})
	require.NoError(t, err)
	require.Equal(t, []string{m.Hash}, deleted)
}

func TestUpdateExpiryAndGetExpiries(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(0x08)
	now := time.Now().UnixMilli()
	m := mustMessage(t, acct, 0, "ttl-bump", now, 60*time.Second)
	_, err := s.Store(m, Ignore)
	require.NoError(t, err)

	newExpiry := now + int64(time.Hour/time.Millisecond)
	updated, err := s.UpdateExpiry(acct, []string{m.Hash}, newExpiry)
	require.NoError(t, err)
	require.Equal(t, []string{m.Hash}, updated)

	expiries, err := s.GetExpiries(acct, []string{m.Hash})
	require.NoError(t, err)
	require.Equal(t, newExpiry, expiries[m.Hash])
}
