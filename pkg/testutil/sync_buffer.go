// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"bytes"
	"sync"
)

// SyncBuffer is a bytes.Buffer that can be written by background goroutines
// while the test goroutine inspects it.
type SyncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (sb *SyncBuffer) Write(p []byte) (int, error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.buf.Write(p)
}

func (sb *SyncBuffer) String() string {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.buf.String()
}

func (sb *SyncBuffer) Len() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.buf.Len()
}
