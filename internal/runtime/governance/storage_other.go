//go:build !linux && !darwin

package governance

import errspkg "github.com/drblury/unitkernel/internal/runtime/errors"

func statfs(string) (uint64, uint64, error) {
	return 0, 0, errspkg.ErrStorageUnavailable
}
