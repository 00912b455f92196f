package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// ContentAddress returns the CIDv1 (raw codec, BLAKE2b-256) of data.
func ContentAddress(data []byte) (string, error) {
	digest := blake2b.Sum256(data)
	mh, err := multihash.Encode(digest[:], multihash.BLAKE2B_MIN+31)
	if err != nil {
		return "", fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// ParseContentAddress validates an address produced by ContentAddress.
func ParseContentAddress(address string) (cid.Cid, error) {
	c, err := cid.Decode(address)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid content address %q: %w", address, err)
	}
	if c.Prefix().MhType != multihash.BLAKE2B_MIN+31 {
		return cid.Undef, fmt.Errorf("content address %q is not blake2b-256", address)
	}
	return c, nil
}
