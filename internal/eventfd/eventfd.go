// Package eventfd provides the host-side notification primitive a
// virtio-mmio transport hangs its InterruptRaiser and QueueKicker seams
// off of. On Linux this is a real eventfd(2); on every other GOOS it
// falls back to a mutex-and-condition-variable counter with the same
// blocking-counter semantics, so
// the rest of the module never branches on platform.
package eventfd

// Notifier is a counting semaphore: Signal increments it (coalescing
// concurrent signals the way eventfd coalesces writes), and Wait blocks
// until the counter is nonzero and returns its accumulated value, the
// way vhost-user's KickFD/CallFD pair is read and written.
type Notifier interface {
	Signal() error
	Wait() (uint64, error)
	Close() error
}

// KickRouter implements virtio.QueueKicker by fanning out to one
// Notifier per queue index, mirroring vhost-user's per-virtqueue KickFD:
// a real deployment would register each Notifier's file descriptor with
// the hypervisor as an ioeventfd and never call Bind's Signal path
// directly, but the seam is the same either way.
type KickRouter struct {
	notifiers map[int]Notifier
}

// NewKickRouter returns an empty router; queues are attached with Bind.
func NewKickRouter() *KickRouter {
	return &KickRouter{notifiers: make(map[int]Notifier)}
}

// Bind attaches n as the notifier signaled when the guest kicks
// queueIndex. A nil n un-binds the queue.
func (r *KickRouter) Bind(queueIndex int, n Notifier) {
	if n == nil {
		delete(r.notifiers, queueIndex)
		return
	}
	r.notifiers[queueIndex] = n
}

// QueueNotify implements virtio.QueueKicker.
func (r *KickRouter) QueueNotify(queueIndex int) error {
	n, ok := r.notifiers[queueIndex]
	if !ok {
		return nil
	}
	return n.Signal()
}

// IRQSignaler implements virtio.InterruptRaiser over a single Notifier,
// the way an irqfd registered with KVM_IRQFD would be signaled by a
// write to its eventfd; the actual injection into the guest's vCPU is a
// hypervisor concern this framework deliberately stops short of.
type IRQSignaler struct {
	n Notifier
}

// NewIRQSignaler wraps n as an InterruptRaiser.
func NewIRQSignaler(n Notifier) *IRQSignaler {
	return &IRQSignaler{n: n}
}

// RaiseIRQ implements virtio.InterruptRaiser. line is unused: one
// IRQSignaler backs exactly one IRQ line, fixed at wiring time.
func (s *IRQSignaler) RaiseIRQ(line uint32) error {
	return s.n.Signal()
}
