package canvas

// Checksum is the rolling hash over a tile's user plane: XOR each byte into
// the accumulator, then multiply by 31, in 32-bit arithmetic. It only has to
// answer "did anything change since last time" against this monitor's own
// previous value, so collisions are tolerated; do not swap in a stronger hash,
// the order-dependence is the point (a swap of two bytes must usually show).
func Checksum(b []byte) uint32 {
	var acc uint32
	for _, v := range b {
		acc = (acc ^ uint32(v)) * 31
	}
	return acc
}
