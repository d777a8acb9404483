package hosted

import (
	"golang.org/x/sys/unix"
)

// The RAM image is an anonymous mapping rather than a Go slice so that large
// machine sizes stay outside the Go heap and pages are only committed when
// touched.
func mapRAM(size uint64) (ram, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return ram{}, err
	}
	return ram{data: data}, nil
}

func (r ram) unmap() error {
	if r.data == nil {
		return nil
	}
	return unix.Munmap(r.data)
}
