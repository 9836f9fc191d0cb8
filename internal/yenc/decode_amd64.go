package yenc

import "golang.org/x/sys/cpu"

var hasSSE2 = cpu.X86.HasSSE2

//go:noescape
func subtract42SSE2(dst, src *byte, n int)

func decodeFastImpl(dst, src []byte) {
	if !hasSSE2 || len(src) < 16 {
		decodeScalar(dst, src)
		return
	}
	subtract42SSE2(&dst[0], &src[0], len(src))
}
