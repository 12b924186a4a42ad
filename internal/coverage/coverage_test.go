/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package coverage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const coverageLog = "Test started\r\n" +
	"All 12 tests passed\r\n" +
	"\r\n" +
	">> COVERAGE RESULT - BEGIN <<\r\n" +
	">>>build/src/main.gcda\r\n" +
	"6164636704\r\n" +
	">>>build/src/driver.gcda\r\n" +
	"00ff10\r\n" +
	">> COVERAGE RESULT - END <<\r\n"

func writeLog(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "console.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestStripCoverage(t *testing.T) {
	t.Parallel()

	src := writeLog(t, coverageLog)
	dst := filepath.Join(t.TempDir(), "stripped.log")
	require.NoError(t, StripCoverage(src, dst))

	stripped, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "Test started\r\nAll 12 tests passed\r\n", string(stripped))
}

func TestStripCoverageWithoutMarkerCopiesLog(t *testing.T) {
	t.Parallel()

	const plain = "line one\nline two without terminator"
	src := writeLog(t, plain)
	dst := filepath.Join(t.TempDir(), "copy.log")
	require.NoError(t, StripCoverage(src, dst))

	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, plain, string(copied))
}

func TestStripCoverageMarkerOnFirstLine(t *testing.T) {
	t.Parallel()

	src := writeLog(t, BeginMarker+"\n>>>a.gcda\n00\n")
	dst := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, StripCoverage(src, dst))

	stripped, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Empty(t, stripped)
}

func TestExtractCoverage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	written, err := ExtractCoverage(writeLog(t, coverageLog), dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "build", "src", "main.gcda"),
		filepath.Join(dir, "build", "src", "driver.gcda"),
	}, written)

	main, err := os.ReadFile(written[0])
	require.NoError(t, err)
	if diff := cmp.Diff([]byte("adcg\x04"), main); diff != "" {
		t.Errorf("unexpected main.gcda contents (-want +got):\n%s", diff)
	}

	driver, err := os.ReadFile(written[1])
	require.NoError(t, err)
	if diff := cmp.Diff([]byte{0x00, 0xff, 0x10}, driver); diff != "" {
		t.Errorf("unexpected driver.gcda contents (-want +got):\n%s", diff)
	}
}

func TestExtractCoverageRejectsBadHex(t *testing.T) {
	t.Parallel()

	_, err := ExtractCoverage(writeLog(t, ">>>bad.gcda\nzz\n"), t.TempDir())
	require.ErrorContains(t, err, "bad.gcda")
	require.ErrorContains(t, err, "line 2")
}

func TestExtractCoverageStaysInOutputFolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "out")

	for _, name := range []string{"../escape.gcda", "build/../../escape.gcda", ".."} {
		_, err := ExtractCoverage(writeLog(t, ">>>"+name+"\n00ff\n"), dir)
		require.ErrorIs(t, err, ErrUnsafeName, "name %q", name)
	}
	_, statErr := os.Stat(filepath.Join(root, "escape.gcda"))
	require.ErrorIs(t, statErr, os.ErrNotExist)

	abs := filepath.Join(root, "build", "abs.gcda")
	written, err := ExtractCoverage(writeLog(t, ">>>"+abs+"\n00ff\n"), dir)
	require.NoError(t, err)
	require.Len(t, written, 1)
	rel, relErr := filepath.Rel(dir, written[0])
	require.NoError(t, relErr)
	require.True(t, filepath.IsLocal(rel), "absolute names must be placed under the output folder, got %s", written[0])
	_, statErr = os.Stat(abs)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestExtractCoverageMissingLog(t *testing.T) {
	t.Parallel()

	_, err := ExtractCoverage(filepath.Join(t.TempDir(), "missing.log"), t.TempDir())
	require.Error(t, err)
}
