// Copyright (c) Microsoft Corporation. All rights reserved.

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"

	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

// Essentially the same as ps.ErrorProcessNotRunning, but we do not want to
// expose the ps package outside of this package.
var ErrorProcessNotFound = errors.New("process does not exist")

// Returns the list of IDs for a given process and its children.
// The list is ordered starting with the root of the hierarchy, then the children, then the grandchildren etc.
func GetProcessTree(rootPid int) ([]int, error) {
	root, err := ps.NewProcess(int32(rootPid))
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return nil, ErrorProcessNotFound
		}
		return nil, fmt.Errorf("could not inspect process %d: %w", rootPid, err)
	}

	tree := []int{}
	next := []*ps.Process{root}

	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		tree = append(tree, int(current.Pid))

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// If we fail to get the children, assume there are no children.
			children = []*ps.Process{}
		}

		next = append(next, children...)
	}

	return tree, nil
}

// Asks the process tree rooted at rootPid to terminate, and kills whatever is still alive
// when the root does not exit within the timeout. The exited channel must be closed when the root exits.
func stopProcessTree(rootPid int, exited <-chan struct{}, timeout time.Duration) error {
	tree, treeErr := GetProcessTree(rootPid)
	if errors.Is(treeErr, ErrorProcessNotFound) {
		return nil
	}
	if treeErr != nil {
		tree = []int{rootPid}
	}

	signalAll := func(signal func(ctx context.Context, p *ps.Process) error) error {
		var errs []error
		for _, pid := range tree {
			p, err := ps.NewProcess(int32(pid))
			if err != nil {
				continue // Already gone
			}
			if sigErr := signal(context.Background(), p); sigErr != nil && !isProcessGone(sigErr) {
				errs = append(errs, fmt.Errorf("could not signal process %d: %w", pid, sigErr))
			}
		}
		return errors.Join(errs...)
	}

	termErr := signalAll(func(ctx context.Context, p *ps.Process) error { return p.TerminateWithContext(ctx) })
	if termErr == nil && resiliency.WaitWithTimeout(exited, timeout) {
		return nil
	}

	killErr := signalAll(func(ctx context.Context, p *ps.Process) error { return p.KillWithContext(ctx) })
	if !resiliency.WaitWithTimeout(exited, timeout) {
		return errors.Join(killErr, fmt.Errorf("process %d did not exit after it was killed", rootPid))
	}
	return nil
}

func isProcessGone(err error) bool {
	return errors.Is(err, ps.ErrorProcessNotRunning) || errors.Is(err, ErrorProcessNotFound) || errors.Is(err, os.ErrProcessDone)
}
