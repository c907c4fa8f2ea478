package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// shmHeader is the fixed header at offset zero of a region. Every field is
// read and written atomically because both processes touch it.
type shmHeader struct {
	magic            uint32
	version          uint32
	slots            uint32
	slotSize         uint32
	head             uint32 // producer cursor; futex word for "slot became full"
	tail             uint32 // consumer cursor; futex word for "slot became empty"
	consumerPID      uint32
	producerAttached uint32 // futex word, set once by the producer
	producerState    uint32
	consumerState    uint32
}

// shmSlotHeader precedes each slot's payload.
type shmSlotHeader struct {
	state  uint32
	length uint32
}

// SlotState is the handoff state of one ring slot.
type SlotState uint32

const (
	SlotEmpty SlotState = iota
	SlotFull
	SlotEndOfStream
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotFull:
		return "full"
	case SlotEndOfStream:
		return "end-of-stream"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(s))
	}
}

const (
	shmMagic             = 0x49504342 // "IPCB"
	shmVersion           = 1
	shmFilePrefix        = "ipcbench-"
	shmHeaderSize        = 64
	shmSlotHeaderSize    = int(unsafe.Sizeof(shmSlotHeader{}))
	shmWaitSlice         = 50 * time.Millisecond
	peerActive    uint32 = 0
	peerClosed    uint32 = 1

	DefaultShmDir      = "/dev/shm"
	DefaultShmSlotSize = 4096
	DefaultShmSlots    = 16

	maxShmSlots = 1 << 20
)

var _ = [shmHeaderSize - int(unsafe.Sizeof(shmHeader{}))]struct{}{}

// errShmNotReady marks a region that a producer cannot attach to yet.
var errShmNotReady = errors.New("region not ready")

// ShmOptions configures a shared memory region.
type ShmOptions struct {
	Options
	// Dir is where the region file lives; a tmpfs such as /dev/shm.
	Dir string
	// SlotSize is the payload capacity of one slot; it bounds message size.
	SlotSize int
	// Slots is the ring length, a power of two. One slot gives a strict
	// single-slot handoff.
	Slots int
}

func (o ShmOptions) withDefaults() ShmOptions {
	if o.Dir == "" {
		o.Dir = DefaultShmDir
	}
	if o.SlotSize <= 0 {
		o.SlotSize = DefaultShmSlotSize
	}
	if o.Slots <= 0 {
		o.Slots = DefaultShmSlots
	}
	return o
}

// ShmPath returns the file backing the region called name in dir.
func ShmPath(dir, name string) string {
	if dir == "" {
		dir = DefaultShmDir
	}
	return filepath.Join(dir, shmFilePrefix+name)
}

func slotStride(slotSize int) int {
	return (shmSlotHeaderSize + slotSize + 7) &^ 7
}

func regionSize(slots, slotSize int) int {
	return shmHeaderSize + slots*slotStride(slotSize)
}

// ShmEndpoint is one side of a ring of slots in a shared file mapping.
//
// The producer waits on the tail word until a slot is free, fills it, marks it
// full and advances head. The consumer waits on the head word until a slot is
// published, copies it out, marks it empty and advances tail. A process that
// dies mid-handoff leaves its peer waiting until its wait budget runs out;
// there is no death detection beyond that.
type ShmEndpoint struct {
	role      Role
	name      string
	file      *os.File
	data      []byte
	header    *shmHeader
	owned     *ownedPath
	slots     uint32
	slotSize  int
	stride    int
	cursor    uint32
	ioTimeout time.Duration

	finished bool
	eos      bool
	closed   bool
}

// ValidShmSlots reports whether n can be used as a ring length. The cursors
// are free-running uint32 counters, so n must divide 2^32 for slot indexes
// to stay in step when they wrap.
func ValidShmSlots(n int) error {
	if n <= 0 || n > maxShmSlots || n&(n-1) != 0 {
		return fmt.Errorf("shm slots must be a power of two between 1 and %d, got %d", maxShmSlots, n)
	}
	return nil
}

func validShmName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return fmt.Errorf("invalid shared memory name %q", name)
	}
	return nil
}

// CreateShm creates the region called name, replacing a stale region left by
// a crashed run, and returns the consumer endpoint. The region is unlinked
// when the endpoint is closed.
func CreateShm(name string, opts ShmOptions) (*ShmEndpoint, error) {
	opts = opts.withDefaults()
	if err := validShmName(name); err != nil {
		return nil, wrapErr(KindShm, PhaseSetup, err)
	}
	if err := ValidShmSlots(opts.Slots); err != nil {
		return nil, wrapErr(KindShm, PhaseSetup, err)
	}
	path := ShmPath(opts.Dir, name)
	size := regionSize(opts.Slots, opts.SlotSize)

	if err := removeStale(path); err != nil {
		return nil, wrapErr(KindShm, PhaseSetup, err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o660)
	if err != nil {
		return nil, wrapErr(KindShm, PhaseSetup, fmt.Errorf("failed to create file: %w", err))
	}
	owned, err := claimPath(path)
	if err == nil {
		err = file.Truncate(int64(size))
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, wrapErr(KindShm, PhaseSetup, fmt.Errorf("failed to size region: %w", err))
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		_ = owned.release()
		return nil, wrapErr(KindShm, PhaseSetup, fmt.Errorf("failed to memory map file: %w", err))
	}

	e := &ShmEndpoint{
		role:      RoleConsumer,
		name:      name,
		file:      file,
		data:      data,
		header:    (*shmHeader)(unsafe.Pointer(&data[0])),
		owned:     owned,
		slots:     uint32(opts.Slots),
		slotSize:  opts.SlotSize,
		stride:    slotStride(opts.SlotSize),
		ioTimeout: opts.IOTimeout,
	}
	h := e.header
	atomic.StoreUint32(&h.version, shmVersion)
	atomic.StoreUint32(&h.slots, uint32(opts.Slots))
	atomic.StoreUint32(&h.slotSize, uint32(opts.SlotSize))
	atomic.StoreUint32(&h.consumerPID, uint32(os.Getpid()))
	// The magic goes last: a producer treats a region without it as not ready.
	atomic.StoreUint32(&h.magic, shmMagic)

	logger.Log().Named("shm").Debug("created region",
		zap.String("path", path), zap.Int("slots", opts.Slots), zap.Int("slotSize", opts.SlotSize))
	return e, nil
}

// AttachShm maps an existing region as its producer, retrying under
// opts.Retry until the consumer has created and initialised it.
func AttachShm(ctx context.Context, name string, opts ShmOptions) (*ShmEndpoint, error) {
	opts = opts.withDefaults()
	if err := validShmName(name); err != nil {
		return nil, wrapErr(KindShm, PhaseSetup, err)
	}
	path := ShmPath(opts.Dir, name)

	var e *ShmEndpoint
	err := opts.Retry.run(ctx, KindShm, shmNotReady, func() error {
		var err error
		e, err = attachOnce(name, path, opts)
		return err
	})
	if err != nil {
		return nil, wrapErr(KindShm, PhaseConnect, err)
	}
	return e, nil
}

func shmNotReady(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, errShmNotReady)
}

func attachOnce(name, path string, opts ShmOptions) (*ShmEndpoint, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size() < shmHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %d bytes", errShmNotReady, info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to memory map file: %w", err)
	}
	fail := func(err error) (*ShmEndpoint, error) {
		_ = unix.Munmap(data)
		_ = file.Close()
		return nil, err
	}

	h := (*shmHeader)(unsafe.Pointer(&data[0]))
	if atomic.LoadUint32(&h.magic) != shmMagic {
		return fail(fmt.Errorf("%w: not initialised", errShmNotReady))
	}
	if v := atomic.LoadUint32(&h.version); v != shmVersion {
		return fail(fmt.Errorf("region version %d, want %d", v, shmVersion))
	}
	slots := int(atomic.LoadUint32(&h.slots))
	slotSize := int(atomic.LoadUint32(&h.slotSize))
	if err := ValidShmSlots(slots); err != nil {
		return fail(err)
	}
	if want := regionSize(slots, slotSize); int64(want) != info.Size() {
		return fail(fmt.Errorf("region is %d bytes, layout needs %d", info.Size(), want))
	}
	if pid := int(atomic.LoadUint32(&h.consumerPID)); !processAlive(pid) {
		return fail(fmt.Errorf("%w: consumer pid %d is gone", errShmNotReady, pid))
	}
	if atomic.LoadUint32(&h.consumerState) != peerActive {
		return fail(fmt.Errorf("%w: consumer already closed", errShmNotReady))
	}
	if !atomic.CompareAndSwapUint32(&h.producerAttached, 0, 1) {
		return fail(ErrAlreadyAttached)
	}
	if err := futexWake(&h.producerAttached); err != nil {
		logger.Warn("couldn't wake consumer", zap.Error(err))
	}

	return &ShmEndpoint{
		role:      RoleProducer,
		name:      name,
		file:      file,
		data:      data,
		header:    h,
		slots:     uint32(slots),
		slotSize:  slotSize,
		stride:    slotStride(slotSize),
		cursor:    atomic.LoadUint32(&h.head),
		ioTimeout: opts.IOTimeout,
	}, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (e *ShmEndpoint) Kind() Kind { return KindShm }
func (e *ShmEndpoint) Role() Role { return e.role }

// Name returns the region name.
func (e *ShmEndpoint) Name() string { return e.name }

// SlotSize returns the largest message the region can carry.
func (e *ShmEndpoint) SlotSize() int { return e.slotSize }

// WaitForProducer blocks until a producer has attached or ctx is done.
func (e *ShmEndpoint) WaitForProducer(ctx context.Context) error {
	if err := e.check(RoleConsumer, PhaseConnect); err != nil {
		return err
	}
	err := e.wait(ctx, 0, &e.header.producerAttached, func(v uint32) bool { return v != 0 }, nil)
	if err != nil {
		return wrapErr(KindShm, PhaseConnect, fmt.Errorf("waiting for producer: %w", err))
	}
	return nil
}

func (e *ShmEndpoint) Send(ctx context.Context, msg []byte) error {
	if err := e.check(RoleProducer, PhaseSend); err != nil {
		return err
	}
	if e.finished {
		return wrapErr(KindShm, PhaseSend, fmt.Errorf("send after end of stream: %w", ErrClosed))
	}
	if len(msg) > e.slotSize {
		return wrapErr(KindShm, PhaseSend, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(msg), e.slotSize))
	}
	return wrapErr(KindShm, PhaseSend, e.publish(ctx, SlotFull, msg))
}

func (e *ShmEndpoint) Finish(ctx context.Context) error {
	if err := e.check(RoleProducer, PhaseSend); err != nil {
		return err
	}
	if e.finished {
		return nil
	}
	if err := e.publish(ctx, SlotEndOfStream, nil); err != nil {
		return wrapErr(KindShm, PhaseSend, err)
	}
	e.finished = true
	return nil
}

// publish waits for the slot under the producer cursor to be free, fills it
// and hands it to the consumer.
func (e *ShmEndpoint) publish(ctx context.Context, state SlotState, msg []byte) error {
	h := e.header
	if atomic.LoadUint32(&h.consumerState) == peerClosed {
		return ErrPeerClosed
	}
	err := e.wait(ctx, e.ioTimeout, &h.tail, func(tail uint32) bool { return e.cursor-tail < e.slots }, &h.consumerState)
	if err != nil {
		return err
	}

	slot, payload := e.slot(e.cursor)
	if s := SlotState(atomic.LoadUint32(&slot.state)); s != SlotEmpty {
		return fmt.Errorf("%w: slot %d is %s before write", ErrSlotState, e.cursor%e.slots, s)
	}
	copy(payload, msg)
	atomic.StoreUint32(&slot.length, uint32(len(msg)))
	atomic.StoreUint32(&slot.state, uint32(state))

	e.cursor++
	atomic.StoreUint32(&h.head, e.cursor)
	return futexWake(&h.head)
}

func (e *ShmEndpoint) Recv(ctx context.Context) ([]byte, error) {
	if err := e.check(RoleConsumer, PhaseRecv); err != nil {
		return nil, err
	}
	if e.eos {
		return nil, io.EOF
	}
	h := e.header
	err := e.wait(ctx, e.ioTimeout, &h.head, func(head uint32) bool { return head != e.cursor }, &h.producerState)
	if err != nil {
		return nil, wrapErr(KindShm, PhaseRecv, err)
	}

	slot, payload := e.slot(e.cursor)
	var msg []byte
	switch state := SlotState(atomic.LoadUint32(&slot.state)); state {
	case SlotFull:
		n := atomic.LoadUint32(&slot.length)
		if int(n) > e.slotSize {
			return nil, wrapErr(KindShm, PhaseRecv, fmt.Errorf("%w: slot length %d exceeds %d", ErrFraming, n, e.slotSize))
		}
		msg = make([]byte, n)
		copy(msg, payload[:n])
	case SlotEndOfStream:
		e.eos = true
	default:
		return nil, wrapErr(KindShm, PhaseRecv, fmt.Errorf("%w: slot %d is %s after publish", ErrSlotState, e.cursor%e.slots, state))
	}
	atomic.StoreUint32(&slot.state, uint32(SlotEmpty))

	e.cursor++
	atomic.StoreUint32(&h.tail, e.cursor)
	if err := futexWake(&h.tail); err != nil {
		return nil, wrapErr(KindShm, PhaseRecv, err)
	}
	if e.eos {
		return nil, io.EOF
	}
	return msg, nil
}

func (e *ShmEndpoint) slot(cursor uint32) (*shmSlotHeader, []byte) {
	off := shmHeaderSize + int(cursor%e.slots)*e.stride
	hdr := (*shmSlotHeader)(unsafe.Pointer(&e.data[off]))
	start := off + shmSlotHeaderSize
	return hdr, e.data[start : start+e.slotSize]
}

// wait sleeps on word until ready accepts its value. It fails with
// ErrPeerClosed once peer reads closed, and with ErrTimeout when the earlier of
// ctx's deadline and budget passes.
func (e *ShmEndpoint) wait(ctx context.Context, budget time.Duration, word *uint32, ready func(uint32) bool, peer *uint32) error {
	deadline := waitDeadline(ctx, budget)
	for {
		v := atomic.LoadUint32(word)
		if ready(v) {
			return nil
		}
		if peer != nil && atomic.LoadUint32(peer) == peerClosed {
			return ErrPeerClosed
		}
		if err := ctx.Err(); err != nil {
			return timeoutErr(err)
		}
		slice := shmWaitSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: no progress on region %q", ErrTimeout, e.name)
			}
			slice = min(slice, remaining)
		}
		if err := futexWait(word, v, slice); err != nil {
			return err
		}
	}
}

func (e *ShmEndpoint) check(role Role, phase Phase) error {
	if e.closed {
		return wrapErr(KindShm, phase, ErrClosed)
	}
	if e.role != role {
		return wrapErr(KindShm, phase, fmt.Errorf("%w: %s on %s", ErrWrongRole, phase, e.role))
	}
	return nil
}

// Close marks this side closed in the header, unmaps the region and, for the
// consumer, unlinks it. The producer only detaches.
func (e *ShmEndpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.header != nil {
		if e.role == RoleProducer {
			atomic.StoreUint32(&e.header.producerState, peerClosed)
			errs = append(errs, futexWake(&e.header.head))
		} else {
			atomic.StoreUint32(&e.header.consumerState, peerClosed)
			errs = append(errs, futexWake(&e.header.tail))
		}
		e.header = nil
	}
	if e.data != nil {
		if err := unix.Munmap(e.data); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap memory: %w", err))
		}
		e.data = nil
	}
	if e.file != nil {
		if err := e.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file: %w", err))
		}
		e.file = nil
	}
	if e.role == RoleConsumer {
		errs = append(errs, e.owned.release())
	}
	return wrapErr(KindShm, PhaseClose, errors.Join(errs...))
}

// ShmStatus is a point-in-time view of a region, read without taking part in
// the handoff protocol.
type ShmStatus struct {
	Path             string
	Slots            int
	SlotSize         int
	Head             uint32
	Tail             uint32
	ConsumerPID      int
	ConsumerAlive    bool
	ConsumerClosed   bool
	ProducerAttached bool
	ProducerClosed   bool
	States           []SlotState
}

// InFlight reports how many published slots the consumer has not taken yet.
func (s ShmStatus) InFlight() int { return int(s.Head - s.Tail) }

// InspectShm maps the region called name read-only and snapshots its header
// and slot states.
func InspectShm(dir, name string) (ShmStatus, error) {
	if err := validShmName(name); err != nil {
		return ShmStatus{}, err
	}
	path := ShmPath(dir, name)
	file, err := os.Open(path)
	if err != nil {
		return ShmStatus{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ShmStatus{}, err
	}
	if info.Size() < shmHeaderSize {
		return ShmStatus{}, fmt.Errorf("%w: %d bytes", errShmNotReady, info.Size())
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return ShmStatus{}, fmt.Errorf("failed to memory map file: %w", err)
	}
	defer unix.Munmap(data)

	h := (*shmHeader)(unsafe.Pointer(&data[0]))
	if atomic.LoadUint32(&h.magic) != shmMagic {
		return ShmStatus{}, fmt.Errorf("%w: not initialised", errShmNotReady)
	}
	status := ShmStatus{
		Path:             path,
		Slots:            int(atomic.LoadUint32(&h.slots)),
		SlotSize:         int(atomic.LoadUint32(&h.slotSize)),
		Head:             atomic.LoadUint32(&h.head),
		Tail:             atomic.LoadUint32(&h.tail),
		ConsumerPID:      int(atomic.LoadUint32(&h.consumerPID)),
		ConsumerClosed:   atomic.LoadUint32(&h.consumerState) == peerClosed,
		ProducerAttached: atomic.LoadUint32(&h.producerAttached) != 0,
		ProducerClosed:   atomic.LoadUint32(&h.producerState) == peerClosed,
	}
	status.ConsumerAlive = processAlive(status.ConsumerPID)
	if int64(regionSize(status.Slots, status.SlotSize)) != info.Size() {
		return status, fmt.Errorf("region is %d bytes, layout needs %d", info.Size(), regionSize(status.Slots, status.SlotSize))
	}
	stride := slotStride(status.SlotSize)
	status.States = make([]SlotState, status.Slots)
	for i := range status.States {
		slot := (*shmSlotHeader)(unsafe.Pointer(&data[shmHeaderSize+i*stride]))
		status.States[i] = SlotState(atomic.LoadUint32(&slot.state))
	}
	return status, nil
}
