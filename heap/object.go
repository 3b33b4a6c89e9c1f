package heap

import (
	"fmt"

	"github.com/chazu/kiln/model"
)

// Descriptor describes the heap shape of one allocatable type: an
// array type or a class. JIT code refers to descriptors by ID in
// allocation calls; the collector uses them to find reference slots.
type Descriptor struct {
	ID   uint32
	Name string

	// Array distinguishes array descriptors from class descriptors.
	Array bool

	// ElemIsRef reports, for arrays, whether elements are references.
	ElemIsRef bool

	// FieldRefs marks, for classes, which field slots hold references.
	FieldRefs []bool
}

// payloadSize returns the payload byte size of an object with this
// descriptor. Arrays need the instance's length.
func (d *Descriptor) payloadSize(arrayLength int32) uintptr {
	if d.Array {
		return ArrayLengthSize + uintptr(arrayLength)*SlotSize
	}
	// A field-less class still gets one pad slot. Otherwise its object
	// pointer would sit at header+16 with nothing behind it, landing
	// exactly on the bump pointer when it is the newest allocation and
	// failing the heap containment check.
	if len(d.FieldRefs) == 0 {
		return SlotSize
	}
	return uintptr(len(d.FieldRefs)) * SlotSize
}

// Manager owns the heap, the descriptor registry, and the collector.
// It is the single entry point for allocation: when the bump allocator
// runs dry it triggers a collection via the registered root provider
// and retries once before giving up.
type Manager struct {
	heap        *Heap
	descriptors []*Descriptor
	byName      map[string]*Descriptor

	collector *Collector

	// Roots is set by the execution engine before any native code
	// runs. It returns the addresses of every live reference slot.
	Roots func() []uintptr

	// Stats accumulates over the life of the manager.
	Stats Stats
}

// Stats aggregates collector activity.
type Stats struct {
	Collections    int
	ObjectsScanned int
	BytesReclaimed int
	LastLive       int
}

func NewManager(heapSize int) *Manager {
	m := &Manager{
		heap:   NewHeap(heapSize),
		byName: make(map[string]*Descriptor),
	}
	m.collector = newCollector(m)
	return m
}

// Heap exposes the underlying region for the stack walker's
// contains-checks and for tests.
func (m *Manager) Heap() *Heap { return m.heap }

// ArrayDescriptor interns the descriptor for arrays with the given
// element type.
func (m *Manager) ArrayDescriptor(elem *model.Type) *Descriptor {
	name := model.ArrayOf(elem).String()
	if d, ok := m.byName[name]; ok {
		return d
	}
	d := &Descriptor{
		ID:        uint32(len(m.descriptors)),
		Name:      name,
		Array:     true,
		ElemIsRef: elem.IsReference(),
	}
	m.register(d)
	return d
}

// ClassDescriptor interns the descriptor for instances of the class.
func (m *Manager) ClassDescriptor(c *model.Class) *Descriptor {
	name := model.ClassOf(c.Name).String()
	if d, ok := m.byName[name]; ok {
		return d
	}
	refs := make([]bool, len(c.Fields))
	for i, f := range c.Fields {
		refs[i] = f.Type.IsReference()
	}
	d := &Descriptor{
		ID:        uint32(len(m.descriptors)),
		Name:      name,
		FieldRefs: refs,
	}
	m.register(d)
	return d
}

func (m *Manager) register(d *Descriptor) {
	m.descriptors = append(m.descriptors, d)
	m.byName[d.Name] = d
}

// Descriptor resolves a descriptor ID coming in from JIT code. An
// unknown ID means generated code and registry disagree, which is an
// internal fault.
func (m *Manager) Descriptor(id uint32) *Descriptor {
	if int(id) >= len(m.descriptors) {
		panic(fmt.Sprintf("heap: unknown descriptor id %d", id))
	}
	return m.descriptors[id]
}

// NewArray allocates an array of length elements. The payload is
// zeroed, so fresh elements read as 0 / null.
func (m *Manager) NewArray(descID uint32, length int32) (uintptr, error) {
	if length < 0 {
		return 0, fmt.Errorf("negative array length %d", length)
	}
	d := m.Descriptor(descID)
	if !d.Array {
		panic(fmt.Sprintf("heap: descriptor %s is not an array", d.Name))
	}
	addr, err := m.allocate(HeaderSize + d.payloadSize(length))
	if err != nil {
		return 0, err
	}
	store64(addr, uint64(d.ID))
	store64(addr+8, 0)
	obj := addr + HeaderSize
	store32(obj, length)
	return obj, nil
}

// NewObject allocates a zeroed instance of the class descriptor.
func (m *Manager) NewObject(descID uint32) (uintptr, error) {
	d := m.Descriptor(descID)
	if d.Array {
		panic(fmt.Sprintf("heap: descriptor %s is not a class", d.Name))
	}
	addr, err := m.allocate(HeaderSize + d.payloadSize(0))
	if err != nil {
		return 0, err
	}
	store64(addr, uint64(d.ID))
	store64(addr+8, 0)
	return addr + HeaderSize, nil
}

func (m *Manager) allocate(size uintptr) (uintptr, error) {
	if addr := m.heap.Allocate(size); addr != 0 {
		return addr, nil
	}
	m.Collect()
	if addr := m.heap.Allocate(size); addr != 0 {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use after collection",
		ErrHeapFull, size, m.heap.Used(), m.heap.Size())
}

// Collect runs a full collection cycle using the registered root
// provider.
func (m *Manager) Collect() {
	var roots []uintptr
	if m.Roots != nil {
		roots = m.Roots()
	}
	m.collector.collect(roots)
}

// descriptorOf reads the descriptor of the object at obj.
func (m *Manager) descriptorOf(obj uintptr) *Descriptor {
	return m.Descriptor(uint32(load64(obj - HeaderSize)))
}

// objectSize returns the total size (header included) of the object
// whose header starts at hdr.
func (m *Manager) objectSize(hdr uintptr) uintptr {
	d := m.Descriptor(uint32(load64(hdr)))
	var length int32
	if d.Array {
		length = load32(hdr + HeaderSize)
	}
	size := HeaderSize + d.payloadSize(length)
	return (size + SlotSize - 1) &^ (SlotSize - 1)
}

// Accessors used by the VM bridge and by tests to inspect objects from
// the Go side.

// ArrayLength reads the length word of the array at obj.
func ArrayLength(obj uintptr) int32 { return load32(obj) }

// ElemAddr returns the address of element i of the array at obj.
func ElemAddr(obj uintptr, i int32) uintptr {
	return obj + ArrayLengthSize + uintptr(i)*SlotSize
}

// FieldAddr returns the address of the field slot at byte offset off.
func FieldAddr(obj uintptr, off int) uintptr {
	return obj + uintptr(off)
}

// LoadSlot and StoreSlot read and write one 8-byte heap slot.
func LoadSlot(addr uintptr) uint64     { return load64(addr) }
func StoreSlot(addr uintptr, v uint64) { store64(addr, v) }
