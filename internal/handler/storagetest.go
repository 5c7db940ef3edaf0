package handler

import (
	"encoding/binary"

	"github.com/oxen-io/storagesvc/internal/crypto"
)

// storageTestChunk bounds how much of a stored blob a reachability
// proof discloses.
const storageTestChunk = 32

// StorageTest answers a co-swarm peer's reachability proof (§3's
// sn.storage_test): it must return a slice of the stored blob at an
// offset keyed by the requester's own pubkey, so the response cannot be
// precomputed by a peer that never actually holds the data.
func (h *Handler) StorageTest(hash string, requesterPub []byte) ([]byte, *Error) {
	msg, found, err := h.Store.RetrieveByHash(hash)
	if err != nil {
		return nil, newErr(Internal, "storage_test: %v", err)
	}
	if !found {
		return nil, newErr(NotFound, "no such hash")
	}
	if len(msg.Data) == 0 {
		return []byte{}, nil
	}
	offset := storageTestOffset(requesterPub, hash, len(msg.Data))
	end := offset + storageTestChunk
	if end > len(msg.Data) {
		end = len(msg.Data)
	}
	return msg.Data[offset:end], nil
}

func storageTestOffset(requesterPub []byte, hash string, dataLen int) int {
	digest := crypto.SHA3_256(requesterPub, []byte(hash))
	n := binary.BigEndian.Uint64(digest[:8])
	return int(n % uint64(dataLen))
}
