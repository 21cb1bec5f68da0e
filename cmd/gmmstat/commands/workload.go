package commands

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/gmm"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

type workload struct {
	manager *gmm.MemoryManager
	logger  *slog.Logger

	allocations []*gmm.Allocation
	hostBuffer  []byte
}

var placements = []struct {
	name  string
	info  gmm.AllocationCreateInfo
	local bool
}{
	{name: "buffer", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeBuffer}},
	{name: "buffer-64kb", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeBuffer, Flags: gmm.AllocationCreate64KBPages}},
	{name: "isa", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeKernelISA, Flags: gmm.AllocationCreate32BitAddressing | gmm.AllocationCreateReadOnly}},
	{name: "image", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeImage, Flags: gmm.AllocationCreateCpuInaccessible}},
	{name: "shared", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeSharedBuffer, Shareable: true}},
	{name: "local", info: gmm.AllocationCreateInfo{Type: gmm.AllocationTypeBuffer, Flags: gmm.AllocationCreateLocalMemory}, local: true},
}

func (w *workload) allocate(config workloadConfig) error {
	for _, placement := range placements {
		if placement.local && !config.LocalMemory {
			continue
		}

		for i := 0; i < config.Count; i++ {
			info := placement.info
			info.Size = config.Size
			info.Name = placement.name

			alloc, err := w.manager.AllocateGraphicsMemory(info)
			if err != nil {
				return errors.Wrapf(err, "failed to allocate %s #%d", placement.name, i)
			}
			w.allocations = append(w.allocations, alloc)

			if info.Shareable {
				err = w.roundTrip(alloc)
				if err != nil {
					return err
				}
			}
		}
	}

	if config.HostPtrSize > 0 {
		return w.wrapHostBuffer(config.HostPtrSize, config.PageSize)
	}

	return nil
}

// roundTrip exports a shareable allocation and imports it again, which resolves to the same
// buffer object. The exported fd is closed once the import holds the buffer object.
func (w *workload) roundTrip(alloc *gmm.Allocation) (err error) {
	handle, err := w.manager.ExportSharedHandle(alloc)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := unix.Close(int(handle))
		if closeErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(closeErr, "failed to close shared handle %d", handle))
		}
	}()

	imported, err := w.manager.CreateGraphicsAllocationFromSharedHandle(handle, false)
	if err != nil {
		return err
	}
	w.allocations = append(w.allocations, imported)

	w.logger.Info("shared handle round trip",
		slog.Int64("handle", int64(handle)),
		slog.Uint64("exportedBufferObject", uint64(alloc.BackingBufferObject())),
		slog.Uint64("importedBufferObject", uint64(imported.BackingBufferObject())),
	)
	return nil
}

// wrapHostBuffer maps a host buffer and creates two overlapping host pointer allocations in it,
// the second sharing the first one's trailing page
func (w *workload) wrapHostBuffer(size, pageSize int) error {
	buffer, err := unix.Mmap(-1, 0, size+2*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return errors.Wrap(err, "failed to map host buffer")
	}
	w.hostBuffer = buffer

	base := uintptr(unsafe.Pointer(&buffer[0]))
	half := size / 2

	first, err := w.manager.AllocateGraphicsMemoryForHostPtr(base+uintptr(pageSize/2), half)
	if err != nil {
		return err
	}
	w.allocations = append(w.allocations, first)

	second, err := w.manager.AllocateGraphicsMemoryForHostPtr(base+uintptr(pageSize/2+half), half)
	if err != nil {
		return err
	}
	w.allocations = append(w.allocations, second)

	return nil
}

func (w *workload) release(ctx context.Context) error {
	var err error
	for i := len(w.allocations) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, w.manager.FreeGraphicsMemory(ctx, w.allocations[i]))
	}
	w.allocations = nil

	if w.hostBuffer != nil {
		err = errors.CombineErrors(err, unix.Munmap(w.hostBuffer))
		w.hostBuffer = nil
	}

	return err
}
