// Package onion implements the layered-decryption relay: peel one hop,
// either forward the remainder to the next peer or dispatch the
// terminal payload inward to the request handler, and carry the reply
// back encrypted under the same per-hop shared secret.
//
// The peel/forward/reply sequence is modeled explicitly as a state
// machine (awaitPeel -> relayOrDispatch -> awaitReply -> reencrypt ->
// reply) rather than as nested callbacks.
package onion

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oxen-io/storagesvc/internal/crypto"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

func randomNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Suite selects the per-hop AEAD. Selection is per onion-protocol
// version and is itself part of the wire contract.
type Suite int

const (
	SuiteChaCha20Poly1305 Suite = iota // v0
	SuiteXChaCha20Poly1305             // v1+
)

// Header is the decoded per-hop control block: exactly one of NextHop
// or Terminal is set.
type Header struct {
	NextHop  []byte          // peer Ed25519 pubkey, when relaying
	Terminal *TerminalHeader // present on the last hop
}

// TerminalHeader carries the synthesized inward request.
type TerminalHeader struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

type wireHeader struct {
	NextHop  []byte        `bencode:"next_hop,omitempty"`
	Terminal *wireTerminal `bencode:"terminal,omitempty"`
	Remaining []byte       `bencode:"r,omitempty"`
}

type wireTerminal struct {
	Method  string            `bencode:"method"`
	Headers map[string]string `bencode:"headers,omitempty"`
	Body    []byte            `bencode:"body,omitempty"`
}

// EncodeHeader is the sender-side counterpart to decodeHeaderBencode,
// used by tests and by any client-facing onion builder this node
// exposes (e.g. a local test-harness client).
func EncodeHeader(h Header, remaining []byte, asJSON bool) ([]byte, error) {
	if asJSON {
		out := struct {
			NextHop   []byte        `json:"next_hop,omitempty"`
			Terminal  *wireTerminal `json:"terminal,omitempty"`
			Remaining []byte        `json:"r,omitempty"`
		}{NextHop: h.NextHop, Remaining: remaining}
		if h.Terminal != nil {
			out.Terminal = &wireTerminal{Method: h.Terminal.Method, Headers: h.Terminal.Headers, Body: h.Terminal.Body}
		}
		return json.Marshal(out)
	}
	wh := wireHeader{NextHop: h.NextHop, Remaining: remaining}
	if h.Terminal != nil {
		wh.Terminal = &wireTerminal{Method: h.Terminal.Method, Headers: h.Terminal.Headers, Body: h.Terminal.Body}
	}
	return bencode.Marshal(wh)
}

// Layer is one hop's wire frame: an ephemeral X25519 pubkey, the
// header (bencoded, or JSON when the JSON flag is set), and the
// AEAD-sealed body carrying the remaining onion.
type Layer struct {
	EphemeralPub []byte
	Suite        Suite
	Header       []byte // encoded per the JSON flag
	JSON         bool
	Sealed       []byte // AEAD(header || inner) - see Peel
	Nonce        []byte // present for XChaCha hops; ChaCha hops carry their fixed-size nonce as the prefix of Sealed
}

var (
	ErrOpaque = errors.New("onion: relay failed")
)

// Dispatcher synthesizes and executes the terminal inward request,
// returning the wire-ready reply body to be re-encrypted back up the
// chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, headers map[string]string, body []byte) ([]byte, error)
}

// Forwarder hands the remaining onion bytes to the next hop and
// returns its (still-encrypted) reply.
type Forwarder interface {
	Forward(ctx context.Context, nextHopPub []byte, remaining []byte) ([]byte, error)
}

// PeelResult is everything Peel recovers from one hop's layer: the
// decoded header, whatever ciphertext remains for the next hop (empty
// on a terminal layer), the directional session keys derived for this
// hop's symmetric reply channel, and the AAD those keys were bound
// under (reused unchanged by Reencrypt for the return trip).
type PeelResult struct {
	Header    Header
	Remaining []byte
	Session   crypto.SessionKeys
	AAD       []byte
}

// hopAAD binds a hop's AEAD frames to this specific ephemeral key and
// local identity, via the project's structured AAD construction
// (§9 "subscription fan-out under a lock" sibling note on AAD): the
// sender has no stable identity to bind (that's the point of onion
// routing), so fromID is the hop's own ephemeral pubkey rather than a
// long-term key.
func hopAAD(ephemeralPub, localXPub []byte, suite Suite) ([]byte, error) {
	if len(ephemeralPub) != 32 || len(localXPub) != 32 {
		return nil, fmt.Errorf("%w: bad key length for AAD", ErrOpaque)
	}
	var fromID, toID [32]byte
	copy(fromID[:], ephemeralPub)
	copy(toID[:], localXPub)
	return crypto.BuildAAD("onion", 0, fromID, toID, fmt.Sprintf("onion:v%d", suite)), nil
}

// Peel derives the shared secret for this hop from localPriv and
// layer.EphemeralPub, verifies and decrypts the sealed body, and
// returns the decoded header plus whatever ciphertext remains for the
// next hop (empty on a terminal layer).
func Peel(localPriv []byte, layer Layer) (PeelResult, error) {
	shared, err := crypto.X25519Shared(localPriv, layer.EphemeralPub)
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w: shared secret: %v", ErrOpaque, err)
	}
	localXPub, err := crypto.X25519Public(localPriv)
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w: local pub: %v", ErrOpaque, err)
	}
	aad, err := hopAAD(layer.EphemeralPub, localXPub, layer.Suite)
	if err != nil {
		return PeelResult{}, err
	}
	sess, err := crypto.DeriveSessionKeys(shared, layer.EphemeralPub)
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w: session keys: %v", ErrOpaque, err)
	}

	var plaintext []byte
	switch layer.Suite {
	case SuiteChaCha20Poly1305:
		if len(layer.Sealed) < crypto.NonceSize {
			return PeelResult{}, fmt.Errorf("%w: short frame", ErrOpaque)
		}
		nonce := layer.Sealed[:crypto.NonceSize]
		ct := layer.Sealed[crypto.NonceSize:]
		plaintext, err = crypto.Open(sess.RecvKey, nonce, ct, aad)
	case SuiteXChaCha20Poly1305:
		plaintext, err = crypto.XOpen(sess.RecvKey, layer.Nonce, layer.Sealed, aad)
	default:
		return PeelResult{}, fmt.Errorf("%w: unknown suite", ErrOpaque)
	}
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w: %v", ErrOpaque, err)
	}

	header, remaining, err := decodeHeaderAndBody(plaintext, layer.JSON)
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w: %v", ErrOpaque, err)
	}
	return PeelResult{Header: header, Remaining: remaining, Session: sess, AAD: aad}, nil
}

func decodeHeaderAndBody(plaintext []byte, isJSON bool) (Header, []byte, error) {
	if isJSON {
		return decodeHeaderJSON(plaintext)
	}
	return decodeHeaderBencode(plaintext)
}

func decodeHeaderBencode(plaintext []byte) (Header, []byte, error) {
	d, err := bencode.DecodeDict(plaintext)
	if err != nil {
		return Header{}, nil, err
	}
	remaining, _ := d.Bytes("r")
	if next, ok := d.Bytes("next_hop"); ok {
		return Header{NextHop: next}, remaining, nil
	}
	termRaw, ok := d["terminal"]
	if !ok {
		return Header{}, nil, errors.New("header has neither next_hop nor terminal")
	}
	termDict, ok := termRaw.(map[string]any)
	if !ok {
		return Header{}, nil, errors.New("malformed terminal header")
	}
	dd := bencode.Dict(termDict)
	method, _ := dd.String("method")
	body, _ := dd.Bytes("body")
	headers := map[string]string{}
	if hRaw, ok := dd["headers"]; ok {
		if hMap, ok := hRaw.(map[string]any); ok {
			for k, v := range hMap {
				if s, ok := v.(string); ok {
					headers[k] = s
				} else if b, ok := v.([]byte); ok {
					headers[k] = string(b)
				}
			}
		}
	}
	return Header{Terminal: &TerminalHeader{Method: method, Headers: headers, Body: body}}, nil, nil
}

func decodeHeaderJSON(plaintext []byte) (Header, []byte, error) {
	var wh struct {
		NextHop  []byte `json:"next_hop,omitempty"`
		Terminal *struct {
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers,omitempty"`
			Body    []byte            `json:"body,omitempty"`
		} `json:"terminal,omitempty"`
		Remaining []byte `json:"r,omitempty"`
	}
	if err := json.Unmarshal(plaintext, &wh); err != nil {
		return Header{}, nil, err
	}
	if len(wh.NextHop) > 0 {
		return Header{NextHop: wh.NextHop}, wh.Remaining, nil
	}
	if wh.Terminal != nil {
		return Header{Terminal: &TerminalHeader{
			Method:  wh.Terminal.Method,
			Headers: wh.Terminal.Headers,
			Body:    wh.Terminal.Body,
		}}, nil, nil
	}
	return Header{}, nil, errors.New("header has neither next_hop nor terminal")
}

// Reencrypt seals reply under the send-direction key of the session
// derived during Peel, for the return trip one hop back, under the
// same AAD the inbound layer was opened with. Suite selects the same
// AEAD used on the way in.
func Reencrypt(sess crypto.SessionKeys, suite Suite, reply []byte, aad []byte) (Layer, error) {
	switch suite {
	case SuiteChaCha20Poly1305:
		nonce, err := randomNonce(crypto.NonceSize)
		if err != nil {
			return Layer{}, err
		}
		ct, err := crypto.Seal(sess.SendKey, nonce, reply, aad)
		if err != nil {
			return Layer{}, err
		}
		return Layer{Suite: suite, Sealed: append(nonce, ct...)}, nil
	case SuiteXChaCha20Poly1305:
		// XChaCha's extended nonce matches NonceBaseSend's width, so the
		// single reply on this one-shot channel gets a deterministic
		// nonce (counter 0) instead of a fresh random draw.
		nonce, err := crypto.NonceFromBase(sess.NonceBaseSend, 0)
		if err != nil {
			return Layer{}, err
		}
		ct, err := crypto.XSealWithNonce(sess.SendKey, nonce, reply, aad)
		if err != nil {
			return Layer{}, err
		}
		return Layer{Suite: suite, Sealed: ct, Nonce: nonce}, nil
	default:
		return Layer{}, fmt.Errorf("unknown suite")
	}
}

// Relay runs the full peel -> (relay|dispatch) -> reply sequence for
// one inbound onion request arriving at this node, returning the
// reply layer ready to send one hop back (Sealed, and Nonce when the
// suite carries one out-of-band).
//
// State machine: awaitPeel (this function's entry) -> relayOrDispatch
// -> awaitReply -> reencrypt -> reply. A forward or dispatch failure
// after a successful peel still yields an encrypted (empty) reply. A
// failure to peel the layer, a header with neither next hop nor
// terminal, or a re-encryption failure returns an error wrapping
// ErrOpaque and no reply layer; no encrypted error is produced in those
// cases.
func Relay(ctx context.Context, localPriv []byte, layer Layer, fwd Forwarder, dispatch Dispatcher) (Layer, error) {
	peeled, err := Peel(localPriv, layer)
	if err != nil {
		return Layer{}, err
	}

	var reply []byte
	switch {
	case peeled.Header.NextHop != nil:
		reply, err = fwd.Forward(ctx, peeled.Header.NextHop, peeled.Remaining)
		if err != nil {
			reply = nil // opaque failure, still produce an encrypted reply below
		}
	case peeled.Header.Terminal != nil:
		reply, err = dispatch.Dispatch(ctx, peeled.Header.Terminal.Method, peeled.Header.Terminal.Headers, peeled.Header.Terminal.Body)
		if err != nil {
			reply = nil
		}
	default:
		return Layer{}, fmt.Errorf("%w: empty header", ErrOpaque)
	}

	out, rerr := Reencrypt(peeled.Session, layer.Suite, reply, peeled.AAD)
	if rerr != nil {
		return Layer{}, fmt.Errorf("%w: %v", ErrOpaque, rerr)
	}
	return out, nil
}
