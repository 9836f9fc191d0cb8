package yenc

import "golang.org/x/sys/cpu"

var hasNEON = cpu.ARM64.HasASIMD

//go:noescape
func subtract42NEON(dst, src *byte, n int)

func decodeFastImpl(dst, src []byte) {
	if !hasNEON || len(src) < 16 {
		decodeScalar(dst, src)
		return
	}
	subtract42NEON(&dst[0], &src[0], len(src))
}
