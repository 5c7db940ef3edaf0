// Package subscribe implements the per-account push registration table:
// register(sub) and notify(message), sharing a many-readers/one-writer
// discipline between the notify path and register/sweep.
package subscribe

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/message"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

const DefaultTTL = 65 * time.Minute

// Sender delivers a notify.message frame on a live connection; it
// returns an error if the connection is gone, at which point the
// subscription owning it is evicted.
type Sender interface {
	Send(connectionHandle string, frame []byte) error
}

// Subscription is one registered push target.
type Subscription struct {
	Account          account.Pubkey
	ConnectionHandle string
	Namespaces       map[message.Namespace]bool
	WantData         bool
	ExpirySteady     time.Time
}

// key builds a stable dedup key for a (account, connection_handle,
// namespaces, want_data) tuple. map[message.Namespace]bool iterates in
// randomized order, so the namespace set must be sorted numerically
// before formatting, or the same logical subscription would hash to a
// different key on every Register/Notify call.
func key(acct account.Pubkey, handle string, namespaces map[message.Namespace]bool, wantData bool) string {
	ns := make([]int, 0, len(namespaces))
	for n := range namespaces {
		ns = append(ns, int(n))
	}
	sort.Ints(ns)
	nsKey := ""
	for _, n := range ns {
		nsKey += strconv.Itoa(n) + ","
	}
	return acct.String() + "|" + handle + "|" + nsKey + "|" + boolStr(wantData)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Registry holds the account -> set<Subscription> mapping.
type Registry struct {
	mu    sync.RWMutex
	byAcc map[string]map[string]*Subscription
	sender Sender
	now   func() time.Time
}

func New(sender Sender) *Registry {
	return &Registry{
		byAcc:  make(map[string]map[string]*Subscription),
		sender: sender,
		now:    time.Now,
	}
}

// Register inserts sub, replacing any existing subscription sharing its
// (account, connection_handle, namespaces, want_data) key, and stamps a
// fresh 65-minute expiry.
func (r *Registry) Register(sub Subscription) {
	sub.ExpirySteady = r.now().Add(DefaultTTL)
	k := key(sub.Account, sub.ConnectionHandle, sub.Namespaces, sub.WantData)

	r.mu.Lock()
	defer r.mu.Unlock()
	accKey := sub.Account.String()
	set, ok := r.byAcc[accKey]
	if !ok {
		set = make(map[string]*Subscription)
		r.byAcc[accKey] = set
	}
	set[k] = &sub
}

// notifyFrame is the bencoded push payload per the wire contract:
// @=account, h=hash, n=namespace, t=timestamp_ms, z=expiry_ms, ~d=data.
type notifyFrame struct {
	Account   []byte `bencode:"@"`
	Hash      string `bencode:"h"`
	Namespace int64  `bencode:"n"`
	Timestamp int64  `bencode:"t"`
	Expiry    int64  `bencode:"z"`
	Data      []byte `bencode:"~d,omitempty"`
}

// Notify fans m out to every live subscription matching its account and
// namespace. Delivery is best-effort: a send failure evicts the
// subscription rather than being retried or surfaced to the caller.
func (r *Registry) Notify(m message.Message) (delivered int, evicted int) {
	now := r.now()

	r.mu.RLock()
	set, ok := r.byAcc[m.Account.String()]
	if !ok {
		r.mu.RUnlock()
		return 0, 0
	}
	var matched []*Subscription
	for _, sub := range set {
		if sub.ExpirySteady.After(now) && sub.Namespaces[m.Namespace] {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	var dead []*Subscription
	for _, sub := range matched {
		frame := notifyFrame{
			Account:   []byte(m.Account),
			Hash:      m.Hash,
			Namespace: int64(m.Namespace),
			Timestamp: m.TimestampMS,
			Expiry:    m.ExpiryMS,
		}
		if sub.WantData {
			frame.Data = m.Data
		}
		payload, err := bencode.Marshal(frame)
		if err != nil {
			dead = append(dead, sub)
			continue
		}
		if err := r.sender.Send(sub.ConnectionHandle, payload); err != nil {
			dead = append(dead, sub)
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, sub := range dead {
			accKey := sub.Account.String()
			if set, ok := r.byAcc[accKey]; ok {
				k := key(sub.Account, sub.ConnectionHandle, sub.Namespaces, sub.WantData)
				delete(set, k)
				if len(set) == 0 {
					delete(r.byAcc, accKey)
				}
			}
		}
		r.mu.Unlock()
		evicted = len(dead)
	}
	return delivered, evicted
}

// Sweep removes every subscription whose expiry_steady has passed,
// called from the expiry scheduler's tick.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for accKey, set := range r.byAcc {
		for k, sub := range set {
			if !sub.ExpirySteady.After(now) {
				delete(set, k)
				swept++
			}
		}
		if len(set) == 0 {
			delete(r.byAcc, accKey)
		}
	}
	return swept
}

// EvictConnection drops every subscription bound to handle, called when
// the underlying transport reports the connection closed.
func (r *Registry) EvictConnection(handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for accKey, set := range r.byAcc {
		for k, sub := range set {
			if sub.ConnectionHandle == handle {
				delete(set, k)
				evicted++
			}
		}
		if len(set) == 0 {
			delete(r.byAcc, accKey)
		}
	}
	return evicted
}

// Count returns the total number of live subscriptions, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.byAcc {
		n += len(set)
	}
	return n
}
