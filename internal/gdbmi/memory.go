// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
)

// Parses the console output of an "x/<n>ub" command, for example
//
//	0x20000000 <buffer>:	1	2	3	4	5	6	7	8
//	0x20000008 <buffer+8>:	9	10
//
// The first tab-separated field of each line is the address label; the remaining fields are decimal byte values.
func parseMemoryDump(text string) ([]byte, error) {
	data := []byte{}

	for _, line := range strings.Split(text, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}

		for _, field := range fields[1:] {
			for _, token := range strings.Fields(field) {
				v, err := strconv.ParseUint(token, 10, 8)
				if err != nil {
					return nil, fmt.Errorf("%w: unexpected memory dump value '%s': %w", hilerr.ErrProtocol, token, err)
				}
				data = append(data, byte(v))
			}
		}
	}

	return data, nil
}
