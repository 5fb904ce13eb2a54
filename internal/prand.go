package internal

// Prand32 generates a pseudo random number from a seed.
// Used by the impairment-injecting transport so that lossy runs are
// reproducible from a single seed value.
func Prand32[T ~uint32](seed T) T {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}
