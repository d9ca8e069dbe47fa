package cipher

// XORReference is a minimal BatchCipher for BISS-style 8-byte control
// words: each region is decrypted by XORing its bytes with the key,
// repeating the key over the region. It is not a real scrambling
// algorithm — DVB-CSA and production BISS ciphers are expected to be
// supplied by the operator as a BatchCipher implementation — but it
// reproduces the literal worked example of a BISS fast path: the plain
// control word (with its two checksum bytes already folded in) decrypts
// the payload by straight XOR.
type XORReference struct {
	even [8]byte
	odd  [8]byte
}

// NewXORReference returns a reference cipher with zeroed keys.
func NewXORReference() *XORReference {
	return &XORReference{}
}

// SetKeys installs 8-byte even and odd control words.
func (x *XORReference) SetKeys(even, odd []byte) error {
	if len(even) != 8 {
		return ErrKeyLength("xor-reference", len(even), 8)
	}
	if len(odd) != 8 {
		return ErrKeyLength("xor-reference", len(odd), 8)
	}
	copy(x.even[:], even)
	copy(x.odd[:], odd)
	return nil
}

// DecryptEven XORs every region with the even key, repeating over length.
func (x *XORReference) DecryptEven(regions []Region) {
	decryptXOR(regions, &x.even)
}

// DecryptOdd XORs every region with the odd key, repeating over length.
func (x *XORReference) DecryptOdd(regions []Region) {
	decryptXOR(regions, &x.odd)
}

func decryptXOR(regions []Region, key *[8]byte) {
	for _, r := range regions {
		for i := range r.Data {
			r.Data[i] ^= key[i%8]
		}
	}
}
