// Package cipher defines the pluggable batch-decryption primitive used by
// the decryptor core, and a reference BISS-style implementation for testing
// and for operators who don't need real DVB-CSA. The real ciphers (DVB-CSA
// via libdvbcsa/FFdecsa in the original) are treated as an external,
// swappable dependency: this package only defines the contract they must
// satisfy and groups scrambled packets into per-parity batches for them.
package cipher

import "fmt"

// Region is one scrambled span within a packet buffer that a BatchCipher
// must decrypt in place: the payload bytes following the header and any
// adaptation field, rounded down to whole 8-byte blocks (a trailing partial
// block is left out of the region).
type Region struct {
	Data []byte
}

// BatchCipher decrypts same-parity regions as a single batch call. Real
// ciphers (DVB-CSA bitslice implementations) amortize setup cost across a
// batch; this interface preserves that shape instead of a naive
// one-packet-at-a-time call.
type BatchCipher interface {
	// SetKeys installs the even and odd control words. Key length is
	// cipher-specific (8 bytes for BISS-style XOR, 8-byte control words
	// for DVB-CSA).
	SetKeys(even, odd []byte) error

	// DecryptEven decrypts all regions under the current even key.
	DecryptEven(regions []Region)

	// DecryptOdd decrypts all regions under the current odd key.
	DecryptOdd(regions []Region)
}

// ErrKeyLength is returned by SetKeys implementations given a key of the
// wrong length.
func ErrKeyLength(cipherName string, got, want int) error {
	return fmt.Errorf("cipher: %s key length %d, want %d", cipherName, got, want)
}
