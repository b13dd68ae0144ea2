//go:build unix

package main

import "golang.org/x/sys/unix"

// storageChecker checks access to dir with access(2).
func storageChecker(dir string) PermissionChecker {
	return func(p Permission) bool {
		var mode uint32
		switch p {
		case PermissionReadStorage:
			mode = unix.R_OK | unix.X_OK
		case PermissionWriteStorage:
			mode = unix.W_OK | unix.X_OK
		default:
			return false
		}
		return unix.Access(dir, mode) == nil
	}
}
