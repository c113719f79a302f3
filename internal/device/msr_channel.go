// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the msr driver path template, formatted with the core index
const DefaultDevicePath = "/dev/cpu/%d/msr"

// registerSize is the width of a model specific register in bytes
const registerSize = 8

var (
	// ErrNoSuchCore is returned when the core index does not exist
	ErrNoSuchCore = errors.New("no such cpu core")
	// ErrRegistersUnsupported is returned when the core has no MSR access path
	ErrRegistersUnsupported = errors.New("cpu does not support model specific registers")
	// ErrRegisterAccess covers every other failure to open the register space
	ErrRegisterAccess = errors.New("model specific registers not accessible")
)

// TornReadError reports a register read that returned fewer than 8 bytes.
// It is not recoverable; see RAPLMeter.
type TornReadError struct {
	Core   int
	Offset uint32
	Read   int
	Err    error
}

func (e *TornReadError) Error() string {
	msg := fmt.Sprintf("short read of MSR 0x%x on cpu %d: %d of %d bytes", e.Offset, e.Core, e.Read, registerSize)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TornReadError) Unwrap() error {
	return e.Err
}

// RegisterReader reads 64-bit model specific registers by offset
type RegisterReader interface {
	ReadRegister(offset uint32) (uint64, error)
}

// RegisterChannel is an open, read-only handle to one core's register space
type RegisterChannel interface {
	RegisterReader
	Path() string
	Close() error
}

type registerFile interface {
	io.ReaderAt
	io.Closer
}

// Channel implements RegisterChannel on top of the msr device file
type Channel struct {
	core int
	path string
	file registerFile
}

var _ RegisterChannel = (*Channel)(nil)

// OpenChannel opens the register space of a single core read-only.
// pathTemplate is formatted with the core index (see DefaultDevicePath).
func OpenChannel(pathTemplate string, core int) (RegisterChannel, error) {
	path := fmt.Sprintf(pathTemplate, core)
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, classifyOpenError(path, core, err)
	}
	return &Channel{core: core, path: path, file: file}, nil
}

func classifyOpenError(path string, core int, err error) error {
	switch {
	case errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: cpu %d", ErrNoSuchCore, core)
	case errors.Is(err, unix.EIO):
		return fmt.Errorf("%w: cpu %d", ErrRegistersUnsupported, core)
	default:
		return fmt.Errorf("%w: %s: %w", ErrRegisterAccess, path, err)
	}
}

// ReadRegister reads the 64-bit little-endian register at offset.
// Anything short of a full 8 byte read is reported as a *TornReadError.
func (c *Channel) ReadRegister(offset uint32) (uint64, error) {
	var buf [registerSize]byte
	n, err := c.file.ReadAt(buf[:], int64(offset))
	if n != registerSize {
		return 0, &TornReadError{Core: c.core, Offset: offset, Read: n, Err: err}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Path returns the device file backing the channel
func (c *Channel) Path() string {
	return c.path
}

func (c *Channel) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
