package checksum

import "hash"

// running sums and xors over bytes, truncated to the accumulator width
type sum struct {
	acc   uint32
	width int // bytes
	xor   bool
}

func NewSum8() hash.Hash  { return &sum{width: 1} }
func NewSum16() hash.Hash { return &sum{width: 2} }
func NewSum32() hash.Hash { return &sum{width: 4} }
func NewXor8() hash.Hash  { return &sum{width: 1, xor: true} }

func (s *sum) Write(p []byte) (int, error) {
	acc := s.acc
	if s.xor {
		for _, b := range p {
			acc ^= uint32(b)
		}
	} else {
		for _, b := range p {
			acc += uint32(b)
		}
	}
	s.acc = acc & s.mask()
	return len(p), nil
}

func (s *sum) mask() uint32 { return uint32(uint64(1)<<(8*s.width) - 1) }

func (s *sum) Sum(b []byte) []byte {
	for i := s.width - 1; i >= 0; i-- {
		b = append(b, byte(s.acc>>(8*i)))
	}
	return b
}

func (s *sum) Reset()         { s.acc = 0 }
func (s *sum) Size() int      { return s.width }
func (s *sum) BlockSize() int { return 1 }
