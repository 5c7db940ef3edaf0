package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/oxen-io/storagesvc/internal/debuglog"
	"github.com/oxen-io/storagesvc/internal/handler"
	"github.com/oxen-io/storagesvc/internal/onion"
	"github.com/oxen-io/storagesvc/internal/transport"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// peerDispatcher builds the transport.Handler closure that routes every
// decoded peer RPC call to the right subsystem: storage.<method> goes
// through the same request handler the HTTP surface uses, sn.* calls
// are transport-native and terminate here.
type peerDispatcher struct {
	handler   *handler.Handler
	onionPriv []byte
	forwarder onion.Forwarder
}

// Dispatch has the shape of transport.Handler; assigned directly as a
// server's Handler field.
func (d *peerDispatcher) Dispatch(ctx context.Context, fromNodeID [32]byte, fromPub ed25519.PublicKey, method string, args bencode.Dict) ([]byte, error) {
	switch {
	case method == "sn.ping":
		return bencode.Marshal(bencode.Dict{"pong": int64(1)})

	case method == "sn.storage_test":
		hash, _ := args.String("hash")
		chunk, hErr := d.handler.StorageTest(hash, fromPub)
		if hErr != nil {
			return bencode.Marshal(bencode.Dict{"error": hErr.Message})
		}
		return bencode.Marshal(bencode.Dict{"data": chunk})

	case method == "sn.replicate":
		if err := d.handler.ReceiveReplicated(args); err != nil {
			debuglog.Logf("dispatch: sn.replicate: %v", err)
		}
		return nil, nil // fire-and-forget, no reply

	case method == "sn.onion_req":
		layer, err := decodeOnionLayer(args)
		if err != nil {
			return nil, err
		}
		reply, err := onion.Relay(ctx, d.onionPriv, layer, d.forwarder, onionInward{d.handler})
		if err != nil {
			return nil, err
		}
		return encodeOnionReply(reply)

	case method == "get_stats", method == "get_logs":
		resp := d.handler.Handle(ctx, handler.Envelope{Method: method, CallerPub: fromPub})
		return encodeResponse(resp)

	case method == "monitor.messages":
		resp := d.handler.Handle(ctx, handler.Envelope{
			Method:           method,
			Args:             args,
			ConnectionHandle: transport.ConnectionHandle(fromNodeID),
			CallerPub:        fromPub,
		})
		return encodeResponse(resp)

	case strings.HasPrefix(method, "storage."):
		resp := d.handler.Handle(ctx, handler.Envelope{
			Method:    strings.TrimPrefix(method, "storage."),
			Args:      args,
			Forwarded: true,
			CallerPub: fromPub,
		})
		return encodeResponse(resp)

	default:
		return nil, fmt.Errorf("dispatch: unrecognized method %q", method)
	}
}

// onionInward satisfies onion.Dispatcher: the decrypted terminal
// payload of an onion request is itself a storage.<method>/get_stats
// style call, synthesized through the same request handler a
// directly-addressed peer RPC uses.
type onionInward struct {
	h *handler.Handler
}

func (o onionInward) Dispatch(ctx context.Context, method string, headers map[string]string, body []byte) ([]byte, error) {
	args, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, fmt.Errorf("onion: malformed terminal body: %w", err)
	}
	resp := o.h.Handle(ctx, handler.Envelope{Method: strings.TrimPrefix(method, "storage."), Args: args, Forwarded: true})
	return encodeResponse(resp)
}

func encodeResponse(resp handler.Response) ([]byte, error) {
	if resp.Err != nil {
		return bencode.Marshal(bencode.Dict{
			"error":  resp.Err.Message,
			"status": int64(resp.Err.Kind.HTTPStatus()),
		})
	}
	return bencode.Marshal(resp.Result)
}

// encodeOnionReply wraps a peeled layer's reencrypted reply for the
// return hop: "sealed" always, "nonce" only for suites that carry one
// out-of-band (the prior hop already knows which suite was used, since
// it chose it on the way in).
func encodeOnionReply(reply onion.Layer) ([]byte, error) {
	dict := bencode.Dict{"sealed": reply.Sealed}
	if len(reply.Nonce) > 0 {
		dict["nonce"] = reply.Nonce
	}
	return bencode.Marshal(dict)
}

func decodeOnionLayer(args bencode.Dict) (onion.Layer, error) {
	eph, _ := args.Bytes("ephemeral_pub")
	suiteInt, _ := args.Int("suite")
	headerBytes, _ := args.Bytes("header")
	isJSON, _ := args.Bool("json")
	sealed, _ := args.Bytes("sealed")
	nonce, _ := args.Bytes("nonce")
	if len(eph) == 0 || len(sealed) == 0 {
		return onion.Layer{}, fmt.Errorf("onion: missing ephemeral_pub or sealed body")
	}
	return onion.Layer{
		EphemeralPub: eph,
		Suite:        onion.Suite(suiteInt),
		Header:       headerBytes,
		JSON:         isJSON,
		Sealed:       sealed,
		Nonce:        nonce,
	}, nil
}
