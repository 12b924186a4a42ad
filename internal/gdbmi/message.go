// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi

import (
	"errors"
	"strconv"
	"strings"
)

// Message is a decoded MI output record. The set of implementations is closed.
type Message interface {
	isMessage()
}

// Console carries console stream output, already unescaped.
type Console struct {
	Text string
}

// Done is a successful result record.
type Done struct{}

// Error is a failed result record.
type Error struct {
	Msg string
}

// Stopped reports that the target stopped executing.
type Stopped struct {
	// Reason as reported by the front end, for example "exited-normally" or "signal-received".
	// Empty if the record did not carry one.
	Reason string
}

func (Console) isMessage() {}
func (Done) isMessage()    {}
func (Error) isMessage()   {}
func (Stopped) isMessage() {}

const promptRecord = "(gdb)"

var errMalformedCString = errors.New("malformed C string")

// Decode converts a single line of MI output into a Message.
// Returns false for records that are not of interest, and for malformed lines.
func Decode(line string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")

	// Records may be prefixed with a numeric command token.
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	record := line[i:]

	if record == "" || strings.HasPrefix(record, promptRecord) {
		return nil, false
	}

	switch record[0] {
	case '~':
		text, _, err := scanCString(record[1:])
		if err != nil {
			return nil, false
		}
		return Console{Text: text}, true

	case '^':
		class, results, _ := strings.Cut(record[1:], ",")
		switch class {
		case "done", "connected", "exit":
			return Done{}, true
		case "error":
			msg, _ := resultValue(results, "msg")
			return Error{Msg: msg}, true
		default:
			return nil, false
		}

	case '*':
		class, results, _ := strings.Cut(record[1:], ",")
		if class != "stopped" {
			return nil, false
		}
		reason, _ := resultValue(results, "reason")
		return Stopped{Reason: reason}, true

	default:
		return nil, false
	}
}

// Finds the string value of a top-level result (name="value") in a comma-separated result list.
func resultValue(results, name string) (string, bool) {
	rest := results
	for rest != "" {
		key, after, found := strings.Cut(rest, "=")
		if !found {
			return "", false
		}

		if after == "" || after[0] != '"' {
			// Tuple or list value, we do not need those.
			return "", false
		}

		value, remaining, err := scanCString(after)
		if err != nil {
			return "", false
		}
		if key == name {
			return value, true
		}

		rest = strings.TrimPrefix(remaining, ",")
	}
	return "", false
}

// Scans a double-quoted, C-escaped string at the start of s.
// Returns the unescaped value and the remainder of s after the closing quote.
func scanCString(s string) (string, string, error) {
	if s == "" || s[0] != '"' {
		return "", s, errMalformedCString
	}

	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return sb.String(), s[i+1:], nil

		case '\\':
			i++
			if i >= len(s) {
				return "", s, errMalformedCString
			}
			switch esc := s[i]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'a':
				sb.WriteByte('\a')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case 'v':
				sb.WriteByte('\v')
			case 'e':
				sb.WriteByte(0x1b)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				end := i
				for end < len(s) && end < i+3 && s[end] >= '0' && s[end] <= '7' {
					end++
				}
				v, err := strconv.ParseUint(s[i:end], 8, 8)
				if err != nil {
					return "", s, errMalformedCString
				}
				sb.WriteByte(byte(v))
				i = end - 1
			default:
				// \" \\ \' and anything else stand for themselves
				sb.WriteByte(esc)
			}

		default:
			sb.WriteByte(c)
		}
	}

	return "", s, errMalformedCString
}
