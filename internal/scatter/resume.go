package scatter

import (
	"io"
	"os"
)

// sampleWindow is how many bytes are read at each sample point when
// deciding whether an existing file is a genuine completed download
// rather than a stub left by a prior crash.
const sampleWindow = 1024

// CheckResumable reports whether the file at path already looks like a
// complete download of expectedSize bytes: the size must match exactly,
// and at least one sampled window (start, middle, near the end) must
// contain a non-zero byte. An all-zero file is what a pre-allocated-but-
// never-written file looks like, so it is treated as not resumable.
func CheckResumable(path string, expectedSize int64) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if fi.Size() != expectedSize {
		return false, nil
	}
	if expectedSize == 0 {
		return true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	for _, offset := range sampleOffsets(expectedSize) {
		ok, err := hasNonZeroByte(f, offset)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func sampleOffsets(size int64) []int64 {
	offsets := []int64{0, size / 2}
	tail := size - sampleWindow
	if tail < 0 {
		tail = 0
	}
	return append(offsets, tail)
}

func hasNonZeroByte(f *os.File, offset int64) (bool, error) {
	buf := make([]byte, sampleWindow)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return false, err
	}
	for _, b := range buf[:n] {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}
