/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package uart

import (
	"fmt"
	"strings"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
)

type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// ParseParity accepts "none", "odd" and "even" (case-insensitive). An empty string means no parity.
func ParseParity(s string) (Parity, error) {
	p := Parity(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		p = ParityNone
	}
	if _, err := p.sttyFlags(); err != nil {
		return "", err
	}
	return p, nil
}

// Returns the stty settings for the parity.
func (p Parity) sttyFlags() (string, error) {
	switch p {
	case ParityNone:
		return "-parenb", nil
	case ParityOdd:
		return "parenb parodd", nil
	case ParityEven:
		return "parenb -parodd", nil
	default:
		return "", fmt.Errorf("%w: invalid parity '%s' (expected none, odd or even)", hilerr.ErrProtocol, string(p))
	}
}
