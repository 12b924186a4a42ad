/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	level, err := StringToLevel("debug", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)

	level, err = StringToLevel("WARN", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, level)

	level, err = StringToLevel("3", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.Level(-3), level)

	level, err = StringToLevel("-1", zapcore.ErrorLevel)
	require.Error(t, err)
	require.Equal(t, zapcore.ErrorLevel, level)

	_, err = StringToLevel("loud", zapcore.InfoLevel)
	require.Error(t, err)
}

func TestLevelFlagSetsLevel(t *testing.T) {
	t.Parallel()

	var got zapcore.Level = zapcore.InfoLevel
	val := NewLevelFlagValue(func(l zapcore.Level) { got = l })

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.VarP(&val, verbosityFlagName, verbosityFlagShortName, "")

	require.NoError(t, fs.Parse([]string{"-v=debug"}))
	require.Equal(t, zapcore.DebugLevel, got)
	require.Equal(t, "debug", val.String())

	require.Error(t, fs.Parse([]string{"--verbosity=nope"}))
}
