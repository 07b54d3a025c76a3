// SPDX-License-Identifier: GPL-3.0-or-later

package quota

// Buffer is the spec's slice buffer (§3): an ordered sequence of
// [Slice] values with a running byte count, supporting append and
// prefix-consume. Ownership of a Buffer is external to the engine: a
// caller hands a mutable *Buffer to [Endpoint.Read]/[Endpoint.Write]
// and retains it across calls.
type Buffer struct {
	slices []Slice
	n      int
}

// NewBuffer returns an empty [*Buffer].
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Len returns the total number of bytes currently held across all slices.
func (b *Buffer) Len() int {
	return b.n
}

// Append adds s to the end of the buffer.
func (b *Buffer) Append(s Slice) {
	if s.Len() == 0 {
		return
	}
	b.slices = append(b.slices, s)
	b.n += s.Len()
}

// Slices returns the buffer's current slices in order. The returned
// slice of [Slice] must not be retained past the next mutating call.
func (b *Buffer) Slices() []Slice {
	return b.slices
}

// Consume removes up to n bytes from the front of the buffer and
// returns them concatenated into a freshly-allocated []byte (the
// caller owns the returned bytes; they are independent of any
// [*Quota] accounting). Every slice consumed in full is released back
// to its owning [*Quota]; a partially consumed slice stays charged
// for its whole reservation until it is consumed in full or released
// by [*Buffer.ReleaseAll]. Consume returns fewer than n bytes only
// when the buffer holds fewer than n bytes in total.
func (b *Buffer) Consume(n int) []byte {
	if n > b.n {
		n = b.n
	}
	out := make([]byte, 0, n)
	remaining := n
	consumedWhole := 0
	for _, s := range b.slices {
		if remaining <= 0 {
			break
		}
		data := s.Bytes()
		if len(data) <= remaining {
			out = append(out, data...)
			remaining -= len(data)
			consumedWhole++
			if s.owner != nil {
				s.owner.Release(s)
			}
			continue
		}
		out = append(out, data[:remaining]...)
		b.slices[consumedWhole] = Slice{bytes: data[remaining:], owner: s.owner, reserved: s.reserved}
		remaining = 0
	}
	b.slices = b.slices[consumedWhole:]
	b.n -= len(out)
	return out
}

// ReleaseAll releases every slice still held by the buffer back to its
// owning [*Quota] and empties the buffer. Nothing in the engine calls
// it: [Endpoint.Close] leaves caller-owned buffers untouched.
func (b *Buffer) ReleaseAll() {
	for _, s := range b.slices {
		if s.owner != nil {
			s.owner.Release(s)
		}
	}
	b.slices = nil
	b.n = 0
}
