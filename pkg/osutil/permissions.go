package osutil

import "os"

const (
	PermissionOwnerReadWriteOthersRead   os.FileMode = 0644
	PermissionOnlyOwnerReadWrite         os.FileMode = 0600
	PermissionOnlyOwnerReadWriteTraverse os.FileMode = 0700 // For directories
	PermissionOwnerAllOthersReadTraverse os.FileMode = 0755 // For directories
)
