/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package io

import (
	"context"
	"io"
	"sync"
)

// ContextReader is a reader that stops reading from an inner reader when the context is cancelled.
// A Read blocked on the inner reader returns ctx.Err() as soon as the context is done;
// the abandoned inner read completes in the background and its data is discarded.
type ContextReader struct {
	inner           io.Reader
	ctx             context.Context
	requests        chan []byte
	results         chan readResult
	startWorkerOnce func()
}

type readResult struct {
	n   int
	err error
}

// Creates a new ContextReader instance.
// If closeOnCancel is true and the reader is an io.ReadCloser, the reader is closed when the context is cancelled,
// which unblocks the pending read without an extra worker goroutine.
// The caller must not close the reader by other means in that mode.
func NewContextReader(ctx context.Context, r io.Reader, closeOnCancel bool) *ContextReader {
	cr := &ContextReader{
		inner: r,
		ctx:   ctx,
	}

	if rc, isReadCloser := r.(io.ReadCloser); isReadCloser && closeOnCancel {
		context.AfterFunc(ctx, func() { _ = rc.Close() })
		return cr
	}

	cr.requests = make(chan []byte)
	cr.results = make(chan readResult)
	cr.startWorkerOnce = sync.OnceFunc(func() {
		go cr.readLoop()
	})
	return cr
}

func (cr *ContextReader) readLoop() {
	for {
		select {
		case buf := <-cr.requests:
			n, err := cr.inner.Read(buf)

			select {
			case cr.results <- readResult{n: n, err: err}:
			case <-cr.ctx.Done():
				return
			}

		case <-cr.ctx.Done():
			return
		}
	}
}

func (cr *ContextReader) Read(p []byte) (int, error) {
	if cr.ctx.Err() != nil {
		return 0, cr.ctx.Err()
	}

	if cr.startWorkerOnce == nil {
		n, err := cr.inner.Read(p)
		if err != nil && cr.ctx.Err() != nil {
			// The reader was closed because of cancellation
			return n, cr.ctx.Err()
		}
		return n, err
	}

	cr.startWorkerOnce()

	// The worker reads into its own buffer so that an abandoned read never touches p after we return.
	buf := make([]byte, len(p))
	select {
	case cr.requests <- buf:
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	}

	select {
	case res := <-cr.results:
		copy(p, buf[:res.n])
		return res.n, res.err
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	}
}

var _ io.Reader = (*ContextReader)(nil)
