package vcow

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"syscall"

	"github.com/vorteil/vcow/pkg/chain"
)

// mapError converts an engine error bitset into the user-visible errno
// form. The highest-severity bit wins.
func mapError(e chain.Error) error {
	if e == 0 {
		return nil
	}
	return fmt.Errorf("%v: %w", e, Errno(e))
}

// Errno maps engine error bits to their user-visible errno.
func Errno(e chain.Error) syscall.Errno {

	switch {
	case e.Has(chain.ErrIO | chain.ErrBadBref):
		return syscall.EIO
	case e.Has(chain.ErrCheck):
		return syscall.EDOM
	case e.Has(chain.ErrAborted):
		return syscall.EINTR
	case e.Has(chain.ErrNoSpace):
		return syscall.ENOSPC
	case e.Has(chain.ErrNoEntry):
		return syscall.ENOENT
	case e.Has(chain.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case e.Has(chain.ErrAgain | chain.ErrInProgress):
		return syscall.EAGAIN
	case e.Has(chain.ErrNotDir):
		return syscall.ENOTDIR
	case e.Has(chain.ErrIsDir):
		return syscall.EISDIR
	case e.Has(chain.ErrExists):
		return syscall.EEXIST
	case e.Has(chain.ErrDeadlk):
		return syscall.EDEADLK
	case e.Has(chain.ErrSrch):
		return syscall.ESRCH
	case e.Has(chain.ErrTimeout):
		return syscall.ETIMEDOUT
	case e.Has(chain.ErrReadOnly):
		return syscall.EROFS
	case e.Has(chain.ErrIncomplete):
		return syscall.EAGAIN
	default:
		return syscall.EINVAL
	}
}
