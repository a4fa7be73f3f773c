package pdu

import (
	"encoding/binary"
	"errors"
	"io"
)

// Checksum accumulates the CFDP modular checksum: the 32-bit sum of
// big-endian words at 4-octet aligned file offsets, a trailing partial word
// zero-padded on the right. Segments may be added in any order and size.
type Checksum struct {
	sum uint32
}

// Add folds data located at the given file offset into the sum.
func (c *Checksum) Add(offset uint64, data []byte) {
	for len(data) > 0 && offset%4 != 0 {
		c.sum += uint32(data[0]) << (8 * (3 - offset%4))
		data = data[1:]
		offset++
	}
	for len(data) >= 4 {
		c.sum += binary.BigEndian.Uint32(data)
		data = data[4:]
	}
	for i, b := range data {
		c.sum += uint32(b) << (8 * (3 - uint(i)))
	}
}

// Sum32 returns the accumulated checksum.
func (c *Checksum) Sum32() uint32 {
	return c.sum
}

// Reset clears the accumulator.
func (c *Checksum) Reset() {
	c.sum = 0
}

// FileChecksum reads r to EOF and returns its CFDP checksum and length.
func FileChecksum(r io.Reader) (uint32, uint64, error) {
	var (
		c   Checksum
		off uint64
		buf = make([]byte, 64*1024)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.Add(off, buf[:n])
			off += uint64(n)
		}
		if errors.Is(err, io.EOF) {
			return c.Sum32(), off, nil
		}
		if err != nil {
			return 0, off, err
		}
	}
}
