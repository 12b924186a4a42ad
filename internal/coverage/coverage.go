/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package coverage post-processes serial console logs of test images built with coverage
// instrumentation. Such images print their coverage data after the test output, as pairs
// of lines: ">>>" followed by a file name, then the file contents in hexadecimal.
package coverage

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/n7space/Remote-Target-Runner/pkg/osutil"
)

const (
	BeginMarker    = ">> COVERAGE RESULT - BEGIN <<"
	FileNamePrefix = ">>>"
)

// ErrUnsafeName is returned for coverage file names that would be written outside the output folder.
var ErrUnsafeName = errors.New("coverage file name leaves the output folder")

// Reads the log as lines, each including its line terminator.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if errors.Is(readErr, io.EOF) {
			return lines, nil
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// StripCoverage copies the log at src to dst without the coverage data.
// The copy ends before the line that precedes the coverage begin marker (the images print an empty line there).
// A log without the marker is copied unchanged.
func StripCoverage(src, dst string) error {
	lines, err := readLines(src)
	if err != nil {
		return fmt.Errorf("could not read log '%s': %w", src, err)
	}

	for i, line := range lines {
		if trimEOL(line) == BeginMarker {
			lines = lines[:max(i-1, 0)]
			break
		}
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, osutil.PermissionOwnerReadWriteOthersRead)
	if err != nil {
		return fmt.Errorf("could not create '%s': %w", dst, err)
	}
	w := bufio.NewWriter(out)
	for _, line := range lines {
		if _, err = w.WriteString(line); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	return errors.Join(err, out.Close())
}

// ExtractCoverage writes every coverage file found in the log at path into dir and returns the written paths.
// File names are taken relative to dir; an empty dir means the current directory.
// Absolute names are placed under dir as well. Names that climb out of dir are rejected with ErrUnsafeName.
func ExtractCoverage(path, dir string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("could not read log '%s': %w", path, err)
	}

	var written []string
	name := ""
	for lineNo, line := range lines {
		text := trimEOL(line)
		if strings.HasPrefix(text, FileNamePrefix) {
			name = strings.TrimPrefix(text, FileNamePrefix)
			continue
		}
		if name == "" {
			continue
		}

		data, decodeErr := hex.DecodeString(strings.TrimSpace(text))
		if decodeErr != nil {
			return written, fmt.Errorf("coverage data for '%s' (line %d) is not valid hexadecimal: %w", name, lineNo+1, decodeErr)
		}

		rel, isLocal := localName(name)
		if !isLocal {
			return written, fmt.Errorf("%w: '%s' (line %d)", ErrUnsafeName, name, lineNo)
		}
		target := filepath.Join(dir, rel)
		if mkErr := os.MkdirAll(filepath.Dir(target), osutil.PermissionOwnerAllOthersReadTraverse); mkErr != nil {
			return written, fmt.Errorf("could not create folder for '%s': %w", target, mkErr)
		}
		if writeErr := os.WriteFile(target, data, osutil.PermissionOwnerReadWriteOthersRead); writeErr != nil {
			return written, fmt.Errorf("could not write '%s': %w", target, writeErr)
		}
		written = append(written, target)
		name = ""
	}

	return written, nil
}

// Returns the name as a path relative to the output folder. Absolute names lose their root.
func localName(name string) (string, bool) {
	rel := filepath.Clean(strings.TrimSpace(name))
	if filepath.IsAbs(rel) {
		rel = strings.TrimLeft(rel[len(filepath.VolumeName(rel)):], `/\`)
	}
	return rel, filepath.IsLocal(rel)
}
