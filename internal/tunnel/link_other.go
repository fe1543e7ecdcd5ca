//go:build !linux && !darwin

package tunnel

import (
	"fmt"
	"runtime"
)

func configureLink(ifName string, _, _ LinkConfig) error {
	return fmt.Errorf("configuring %s: interface addressing is not supported on %s", ifName, runtime.GOOS)
}
