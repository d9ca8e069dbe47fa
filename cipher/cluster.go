package cipher

import "github.com/zsiec/castun/mpegts"

// Cluster groups a batch of scrambled TS packets by parity so they can be
// handed to a BatchCipher in two calls instead of one call per packet,
// adapted from astra's libdvbcsa_decrypt_packets: each packet's scrambling
// bits select even/odd, the scrambling bits are cleared immediately (the
// packet is considered decrypted once enqueued), and adaptation-field
// length is taken into account to skip non-payload bytes and to round the
// residual payload down to whole 8-byte cipher blocks.
type Cluster struct {
	even []Region
	odd  []Region
}

// NewCluster returns an empty cluster ready to accept packets.
func NewCluster() *Cluster {
	return &Cluster{}
}

// Reset discards accumulated regions for reuse across clusters.
func (c *Cluster) Reset() {
	c.even = c.even[:0]
	c.odd = c.odd[:0]
}

// Add inspects pkt's scrambling_control bits and, if scrambled, clears them
// and appends the decryptable payload region to the even or odd batch. A
// clear or reserved packet is left untouched and not added to any batch.
func (c *Cluster) Add(pkt []byte) {
	sc := mpegts.Scrambling(pkt)
	if sc == mpegts.ScramblingClear || sc == mpegts.ScramblingReserved {
		return
	}

	offset := mpegts.PayloadOffset(pkt)
	length := len(pkt) - offset
	// DVB-CSA and BISS operate on whole 8-byte blocks; a residual shorter
	// than one block is already "decrypted" (nothing to do).
	blocks := length / 8
	if blocks == 0 {
		mpegts.SetScrambling(pkt, mpegts.ScramblingClear)
		return
	}
	length = blocks * 8

	mpegts.SetScrambling(pkt, mpegts.ScramblingClear)

	region := Region{Data: pkt[offset : offset+length]}
	if sc == mpegts.ScramblingEven {
		c.even = append(c.even, region)
	} else {
		c.odd = append(c.odd, region)
	}
}

// Decrypt runs bc over both the even and odd batches accumulated so far.
func (c *Cluster) Decrypt(bc BatchCipher) {
	if len(c.even) > 0 {
		bc.DecryptEven(c.even)
	}
	if len(c.odd) > 0 {
		bc.DecryptOdd(c.odd)
	}
}
