//go:build !unix

package main

import "os"

// storageChecker probes dir by listing it and creating a scratch file.
func storageChecker(dir string) PermissionChecker {
	return func(p Permission) bool {
		switch p {
		case PermissionReadStorage:
			_, err := os.ReadDir(dir)
			return err == nil
		case PermissionWriteStorage:
			f, err := os.CreateTemp(dir, ".perm-*")
			if err != nil {
				return false
			}
			f.Close()
			os.Remove(f.Name())
			return true
		default:
			return false
		}
	}
}
