package dmapi

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrNoMem  error = unix.ENOMEM
	ErrTooBig error = unix.E2BIG
	ErrFault  error = unix.EFAULT
	ErrInval  error = unix.EINVAL
	ErrNoData error = unix.ENODATA
)

// Status converts the result of an event call to the status code seen by the filesystem:
// 0 to proceed with unchanged rights, a negative errno if the rights are gone.
func Status(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// ErrorFromStatus is the inverse of Status.
func ErrorFromStatus(status int) error {
	if status == 0 {
		return nil
	} else if status < 0 {
		status = -status
	}
	return unix.Errno(status)
}
