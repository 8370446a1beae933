//go:build !linux

package affinity

import "errors"

var errUnsupported = errors.New("cpu affinity not supported on this platform")

func Supported() bool { return false }

func Set(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	return errUnsupported
}

func Get() ([]int, error) { return nil, errUnsupported }
