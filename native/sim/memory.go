package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Memory is a flat byte arena standing in for a native address space.
// It implements ffimarshal.Memory and ffimarshal.MemorySizer.
type Memory struct {
	buf []byte
	mu  sync.RWMutex
}

func newMemory(size uint32) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the arena size in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.buf))
}

func (m *Memory) inBounds(offset, length uint32) bool {
	end := uint64(offset) + uint64(length)
	return end <= uint64(len(m.buf))
}

// Read returns a view of the arena. The view aliases the arena.
func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inBounds(offset, length) {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return m.buf[offset : offset+length : offset+length], nil
}

func (m *Memory) Write(offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inBounds(offset, uint32(len(data))) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	data, err := m.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	data, err := m.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	data, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	data, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (m *Memory) WriteU8(offset uint32, value uint8) error {
	return m.Write(offset, []byte{value})
}

func (m *Memory) WriteU16(offset uint32, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return m.Write(offset, b[:])
}

func (m *Memory) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.Write(offset, b[:])
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.Write(offset, b[:])
}

// CString reads the NUL-terminated string at addr. It is the native side's
// strlen and is meant for symbol implementations, not for hosts.
func (m *Memory) CString(addr uint32) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if addr == 0 {
		return "", fmt.Errorf("null string pointer")
	}
	for i := addr; i < uint32(len(m.buf)); i++ {
		if m.buf[i] == 0 {
			return string(m.buf[addr:i]), nil
		}
	}
	return "", fmt.Errorf("string at 0x%x is not terminated", addr)
}
