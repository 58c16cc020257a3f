package rtp

// halfSpace is half of the 16-bit sequence space.
const halfSpace = 1 << 15

// IsBefore reports whether sequence number a precedes b, using serial
// number arithmetic over the 16-bit space: a is before b iff
// (b - a) mod 65536 lies in (0, 32768).
//
// When a and b are exactly 32768 apart neither IsBefore(a, b) nor
// IsBefore(b, a) holds. Resolving that case needs an outside tie-break
// (arrival order, RTP timestamp) and is deliberately left undefined here;
// the jitter buffer refuses such packets instead of guessing.
func IsBefore(a, b uint16) bool {
	d := b - a
	return d != 0 && d < halfSpace
}

// Distance returns how far b is ahead of a, modulo 65536.
func Distance(a, b uint16) uint16 {
	return b - a
}
