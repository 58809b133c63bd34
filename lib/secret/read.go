// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a password or key from path, or the first line of
// stdin when path is "-". Surrounding whitespace is trimmed and every
// intermediate copy is zeroed.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return readLine(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return fromTrimmed(data)
}

func readLine(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("secret: reading stdin: %w", err)
		}
		return nil, fmt.Errorf("secret: stdin is empty")
	}
	return fromTrimmed(scanner.Bytes())
}

func fromTrimmed(data []byte) (*Buffer, error) {
	defer Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: value is empty")
	}
	return NewFromBytes(trimmed)
}
