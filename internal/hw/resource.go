// Package hw holds the collaborators the encoder core drives: resource
// management, command buffers, the command emitter and the GPU scheduler.
//
// Each collaborator is an interface. The package also provides in-process
// implementations (Memory, Recorder, Sim) so the core can run and be tested
// without a GPU.
package hw

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	// ErrNullResource is returned when a resource is missing or a lock
	// yields no memory.
	ErrNullResource = errors.New("hw: null resource")
	// ErrLocked is returned when a resource is locked twice.
	ErrLocked = errors.New("hw: resource already locked")
	// ErrNoSpace is returned when a command does not fit its buffer.
	ErrNoSpace = errors.New("hw: command buffer out of space")
	// ErrNotLocked is returned when unlocking a resource that is not locked.
	ErrNotLocked = errors.New("hw: resource not locked")
)

// Resource is a GPU-visible linear allocation.
type Resource struct {
	ID   uuid.UUID
	Name string
	Size int
}

func (r *Resource) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.Name
}

// Surface is a 2D resource bound as a picture.
type Surface struct {
	*Resource
	Width  uint32
	Height uint32
}

// LockMode selects the access a lock grants.
type LockMode uint8

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

// ResourceManager allocates, locks and frees resources. A lock grants
// exclusive access until the matching Unlock.
type ResourceManager interface {
	Allocate(name string, size int) (*Resource, error)
	Lock(res *Resource, mode LockMode) ([]byte, error)
	Unlock(res *Resource) error
	Free(res *Resource) error
}

// WithLock locks res, runs fn on its memory and unlocks it. Errors from fn
// and from the unlock are combined.
func WithLock(rm ResourceManager, res *Resource, mode LockMode, fn func(data []byte) error) (err error) {
	data, err := rm.Lock(res, mode)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rm.Unlock(res))
	}()
	return fn(data)
}

// Zero clears the whole of res.
func Zero(rm ResourceManager, res *Resource) error {
	return WithLock(rm, res, LockWrite, func(data []byte) error {
		clear(data)
		return nil
	})
}

// ReadDword reads the little-endian dword at offset in res.
func ReadDword(rm ResourceManager, res *Resource, offset int) (uint32, error) {
	var v uint32
	err := WithLock(rm, res, LockRead, func(data []byte) error {
		if offset < 0 || offset+4 > len(data) {
			return errors.Errorf("hw: dword at %d outside %s (%d bytes)", offset, res, len(data))
		}
		v = binary.LittleEndian.Uint32(data[offset:])
		return nil
	})
	return v, err
}

// WriteDword writes v as a little-endian dword at offset in res.
func WriteDword(rm ResourceManager, res *Resource, offset int, v uint32) error {
	return WithLock(rm, res, LockWrite, func(data []byte) error {
		if offset < 0 || offset+4 > len(data) {
			return errors.Errorf("hw: dword at %d outside %s (%d bytes)", offset, res, len(data))
		}
		binary.LittleEndian.PutUint32(data[offset:], v)
		return nil
	})
}

type block struct {
	res    *Resource
	data   []byte
	locked bool
}

// Memory is an in-process ResourceManager backed by Go byte slices.
type Memory struct {
	mu     sync.Mutex
	blocks map[uuid.UUID]*block

	// Fault, when set, is consulted before every operation. A non-nil
	// return is reported as the operation's error.
	Fault func(op string, res *Resource) error
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[uuid.UUID]*block)}
}

func (m *Memory) fault(op string, res *Resource) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, res)
}

// Allocate returns a zero-filled resource of size bytes.
func (m *Memory) Allocate(name string, size int) (*Resource, error) {
	if size <= 0 {
		return nil, errors.Errorf("hw: allocate %s: size %d", name, size)
	}
	res := &Resource{ID: uuid.New(), Name: name, Size: size}
	if err := m.fault("allocate", res); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[res.ID] = &block{res: res, data: make([]byte, size)}
	return res, nil
}

func (m *Memory) lookup(res *Resource) (*block, error) {
	if res == nil {
		return nil, ErrNullResource
	}
	b, ok := m.blocks[res.ID]
	if !ok {
		return nil, errors.Wrap(ErrNullResource, res.Name)
	}
	return b, nil
}

// Lock returns the memory of res. The mode is advisory; the lock itself is
// exclusive.
func (m *Memory) Lock(res *Resource, mode LockMode) ([]byte, error) {
	if err := m.fault("lock", res); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookup(res)
	if err != nil {
		return nil, err
	}
	if b.locked {
		return nil, errors.Wrapf(ErrLocked, "%s (%s)", res.Name, mode)
	}
	b.locked = true
	return b.data, nil
}

// Unlock releases a lock taken with Lock.
func (m *Memory) Unlock(res *Resource) error {
	if err := m.fault("unlock", res); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookup(res)
	if err != nil {
		return err
	}
	if !b.locked {
		return errors.Wrap(ErrNotLocked, res.Name)
	}
	b.locked = false
	return nil
}

// Free releases res. Freeing a nil resource is a no-op.
func (m *Memory) Free(res *Resource) error {
	if res == nil {
		return nil
	}
	if err := m.fault("free", res); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(res); err != nil {
		return err
	}
	delete(m.blocks, res.ID)
	return nil
}

// Live returns the number of allocated resources.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// FreeAll frees every non-nil resource and combines the errors.
func FreeAll(rm ResourceManager, resources ...*Resource) error {
	var err error
	for _, res := range resources {
		if res != nil {
			err = multierr.Append(err, rm.Free(res))
		}
	}
	return err
}
