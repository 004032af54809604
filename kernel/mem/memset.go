package mem

// Memset sets every byte of target to value using log2(len(target)) copy
// calls instead of a per-byte loop.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}
