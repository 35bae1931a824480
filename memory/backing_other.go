//go:build !linux

package memory

func mapBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBacking([]byte) error {
	return nil
}
