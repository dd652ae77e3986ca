package checksum

import "hash"

// CRC-16 as used by ARC and LHA: reflected, polynomial 0x8005 (0xa001 reversed), zero initial value.
var crctab [256]uint16

func init() {
	for i := range uint16(256) {
		k := i
		for range 8 {
			if k&1 != 0 {
				k = (k >> 1) ^ 0xa001
			} else {
				k >>= 1
			}
		}
		crctab[i] = k
	}
}

// UpdateCRC16 continues crc over buf.
func UpdateCRC16(crc uint16, buf []byte) uint16 {
	for _, ch := range buf {
		crc = crctab[byte(crc)^ch] ^ crc>>8
	}
	return crc
}

func CRC16Of(buf []byte) uint16 { return UpdateCRC16(0, buf) }

type crc16 struct{ crc uint16 }

func NewCRC16() hash.Hash { return new(crc16) }

func (c *crc16) Write(p []byte) (int, error) {
	c.crc = UpdateCRC16(c.crc, p)
	return len(p), nil
}

func (c *crc16) Sum(b []byte) []byte { return append(b, byte(c.crc>>8), byte(c.crc)) }
func (c *crc16) Reset()              { c.crc = 0 }
func (c *crc16) Size() int           { return 2 }
func (c *crc16) BlockSize() int      { return 1 }
