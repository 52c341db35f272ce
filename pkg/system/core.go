package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// Handle names a dispatcher in a Core's handle table
type Handle uint32

// HandleInvalid is never assigned to a dispatcher
const HandleInvalid Handle = 0

// CoreStats describes the handle table
type CoreStats struct {
	Handles int            `json:"handles"`
	ByType  map[string]int `json:"by_type"`
}

// String returns a string representation of the stats
func (s CoreStats) String() string {
	return fmt.Sprintf("CoreStats{Handles: %d, ByType: %v}", s.Handles, s.ByType)
}

// Core is the handle table of a process and the entry point for every
// operation on message pipes, data pipes and wrapped platform handles.
type Core struct {
	mu      sync.Mutex
	cfg     *config.Config
	logger  *logger.Logger
	handles map[Handle]Dispatcher
	next    Handle
	closed  bool
}

// NewCore creates an empty handle table. A nil cfg uses the defaults.
func NewCore(cfg *config.Config, log *logger.Logger) (*Core, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Core{
		cfg:     cfg,
		logger:  log.With("component", "core"),
		handles: make(map[Handle]Dispatcher),
		next:    HandleInvalid + 1,
	}
	c.logger.Debug("Core initialized",
		"max_message_bytes", cfg.MessagePipe.MaxMessageBytes,
		"max_handles", cfg.MessagePipe.MaxHandles,
		"data_pipe_default_capacity", cfg.DataPipe.DefaultCapacity)
	return c, nil
}

// AddDispatcher puts d in the table and returns its handle
func (c *Core) AddDispatcher(d Dispatcher) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return HandleInvalid, types.NewError(types.ErrCodeUnavailable, "core is shut down")
	}
	return c.addLocked(d), nil
}

func (c *Core) addLocked(d Dispatcher) Handle {
	for {
		h := c.next
		c.next++
		if h == HandleInvalid {
			continue
		}
		if _, taken := c.handles[h]; taken {
			continue
		}
		c.handles[h] = d
		openHandles.Inc()
		return h
	}
}

func (c *Core) removeLocked(h Handle) {
	if _, ok := c.handles[h]; ok {
		delete(c.handles, h)
		openHandles.Dec()
	}
}

// GetDispatcher returns the dispatcher behind h
func (c *Core) GetDispatcher(h Handle) (Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(h)
}

func (c *Core) getLocked(h Handle) (Dispatcher, error) {
	d, ok := c.handles[h]
	if !ok {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid handle %d", h))
	}
	return d, nil
}

// Close closes h. A handle that is being sent on a message pipe fails with
// ErrCodeBusy and stays valid.
func (c *Core) Close(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.getLocked(h)
	if err != nil {
		return err
	}
	if err := d.Close(); err != nil {
		if types.IsErrCode(err, types.ErrCodeBusy) {
			return err
		}
		c.logger.Warn("Error closing handle", "handle", h, "type", d.Type(), "error", err)
	}
	c.removeLocked(h)
	return nil
}

// CreateMessagePipe creates a local message pipe and returns its two ports
func (c *Core) CreateMessagePipe() (Handle, Handle, error) {
	pipe := NewLocalMessagePipe(c.logger)
	d0 := NewMessagePipeDispatcher(pipe, 0, c.cfg.MessagePipe)
	d1 := NewMessagePipeDispatcher(pipe, 1, c.cfg.MessagePipe)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return HandleInvalid, HandleInvalid, types.NewError(types.ErrCodeUnavailable, "core is shut down")
	}
	return c.addLocked(d0), c.addLocked(d1), nil
}

// CreateBootstrapMessagePipe creates a message pipe whose far port is the
// returned endpoint. Attaching the endpoint to a channel connects the
// handle to whatever the other process attached there; messages written
// before that wait in the endpoint.
func (c *Core) CreateBootstrapMessagePipe() (Handle, *channel.ChannelEndpoint, error) {
	pipe, ep := NewLocalProxyMessagePipe(c.logger)
	h, err := c.AddDispatcher(NewMessagePipeDispatcher(pipe, 0, c.cfg.MessagePipe))
	if err != nil {
		pipe.Close(0)
		return HandleInvalid, nil, err
	}
	return h, ep, nil
}

// WriteMessage writes payload on h and moves the dispatchers behind
// handles into the message. On success the sent handles are no longer
// valid; on failure they are untouched.
func (c *Core) WriteMessage(h Handle, payload []byte, handles []Handle, flags WriteMessageFlags) error {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return err
	}

	transports, err := c.startTransports(h, handles)
	if err != nil {
		return err
	}
	err = d.WriteMessage(payload, transports, flags)
	for _, t := range transports {
		t.End()
	}
	if err != nil {
		return err
	}

	if len(handles) > 0 {
		c.mu.Lock()
		for _, sent := range handles {
			c.removeLocked(sent)
		}
		c.mu.Unlock()
	}
	return nil
}

// startTransports takes the transport token of every handle to be sent.
// The table lock is held throughout so none of them can be closed halfway.
func (c *Core) startTransports(h Handle, handles []Handle) ([]*DispatcherTransport, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	transports := make([]*DispatcherTransport, 0, len(handles))
	fail := func(err error) ([]*DispatcherTransport, error) {
		for _, t := range transports {
			t.End()
		}
		return nil, err
	}
	for _, sent := range handles {
		if sent == h {
			return fail(types.NewError(types.ErrCodeInvalidArgument, "a handle cannot be sent over itself"))
		}
		d, err := c.getLocked(sent)
		if err != nil {
			return fail(err)
		}
		t, err := d.StartTransport()
		if err != nil {
			return fail(types.WrapError(types.GetErrorCode(err), fmt.Sprintf("handle %d cannot be sent", sent), err))
		}
		transports = append(transports, t)
	}
	return transports, nil
}

// ReadMessage reads the next message on h. Dispatchers that came with it
// are added to the table. Negative limits mean no limit.
func (c *Core) ReadMessage(h Handle, maxBytes, maxHandles int, flags ReadMessageFlags) ([]byte, []Handle, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return nil, nil, err
	}
	payload, dispatchers, err := d.ReadMessage(maxBytes, maxHandles, flags)
	if err != nil {
		return nil, nil, err
	}
	if len(dispatchers) == 0 {
		return payload, nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		for _, rd := range dispatchers {
			rd.Close()
		}
		return nil, nil, types.NewError(types.ErrCodeUnavailable, "core is shut down")
	}
	received := make([]Handle, len(dispatchers))
	for i, rd := range dispatchers {
		received[i] = c.addLocked(rd)
	}
	return payload, received, nil
}

// CreateDataPipe creates a local data pipe and returns its producer and
// consumer handles
func (c *Core) CreateDataPipe(opts DataPipeOptions) (Handle, Handle, error) {
	dp, err := NewDataPipe(opts, c.cfg.DataPipe, c.logger)
	if err != nil {
		return HandleInvalid, HandleInvalid, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return HandleInvalid, HandleInvalid, types.NewError(types.ErrCodeUnavailable, "core is shut down")
	}
	return c.addLocked(NewDataPipeProducerDispatcher(dp)), c.addLocked(NewDataPipeConsumerDispatcher(dp)), nil
}

// WriteData writes to the producer h
func (c *Core) WriteData(h Handle, data []byte, flags DataFlags) (int, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return 0, err
	}
	return d.WriteData(data, flags)
}

// ReadData reads from the consumer h into buf
func (c *Core) ReadData(h Handle, buf []byte, flags DataFlags) (int, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return 0, err
	}
	return d.ReadData(buf, flags)
}

// QueryData returns the bytes readable on the consumer h
func (c *Core) QueryData(h Handle) (int, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return 0, err
	}
	return d.QueryData()
}

// DiscardData drops up to numBytes from the consumer h
func (c *Core) DiscardData(h Handle, numBytes int, flags DataFlags) (int, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return 0, err
	}
	return d.DiscardData(numBytes, flags)
}

// SignalsState returns the current signal state of h
func (c *Core) SignalsState(h Handle) (waiter.HandleSignalsState, error) {
	d, err := c.GetDispatcher(h)
	if err != nil {
		return waiter.HandleSignalsState{}, err
	}
	return d.SignalsState(), nil
}

// Wait blocks until signals are satisfied on h, can never be satisfied,
// the deadline passes or ctx is done. A nil error means satisfied.
func (c *Core) Wait(ctx context.Context, h Handle, signals waiter.HandleSignals, deadline time.Duration) (waiter.HandleSignalsState, error) {
	_, states, err := c.WaitMany(ctx, []Handle{h}, []waiter.HandleSignals{signals}, deadline)
	var state waiter.HandleSignalsState
	if len(states) > 0 {
		state = states[0]
	}
	return state, err
}

// WaitMany waits on several handles at once and returns the index of the
// handle that ended the wait, or -1 on timeout or cancellation. states
// holds the signal state of every handle the wait got to register on.
//
// The result is nil if that handle's signals are satisfied,
// ErrCodeFailedPrecondition if they never can be, ErrCodeCanceled if the
// handle was closed or ctx was done and ErrCodeTimeout when the deadline
// passed.
func (c *Core) WaitMany(ctx context.Context, handles []Handle, signals []waiter.HandleSignals, deadline time.Duration) (int, []waiter.HandleSignalsState, error) {
	if len(handles) != len(signals) {
		return -1, nil, types.NewError(types.ErrCodeInvalidArgument, "handles and signals differ in length")
	}
	if len(handles) == 0 {
		return -1, nil, types.NewError(types.ErrCodeInvalidArgument, "no handles to wait on")
	}

	dispatchers := make([]Dispatcher, len(handles))
	c.mu.Lock()
	for i, h := range handles {
		d, err := c.getLocked(h)
		if err != nil {
			c.mu.Unlock()
			return i, nil, err
		}
		dispatchers[i] = d
	}
	c.mu.Unlock()

	w := waiter.New()
	states := make([]waiter.HandleSignalsState, len(handles))
	index := -1
	var result error
	added := 0
	for i, d := range dispatchers {
		state, err := d.AddAwakable(w, signals[i], uint64(i))
		if err != nil {
			index = i
			states[i] = state
			if !types.IsErrCode(err, types.ErrCodeAlreadyExists) {
				result = err
			}
			break
		}
		added++
	}

	if index < 0 {
		ctxValue, err := w.WaitContext(ctx, deadline)
		switch {
		case err == nil:
			index = int(ctxValue)
		case types.IsErrCode(err, types.ErrCodeTimeout), types.IsErrCode(err, types.ErrCodeCanceled) && ctx.Err() != nil:
			result = err
		default:
			index = int(ctxValue)
			result = err
		}
	}

	for i := 0; i < added; i++ {
		states[i] = dispatchers[i].RemoveAwakable(w)
	}
	return index, states, result
}

// WrapPlatformHandle puts ph in the table so it can be sent on message pipes
func (c *Core) WrapPlatformHandle(ph embedder.PlatformHandle) (Handle, error) {
	if !ph.IsValid() {
		return HandleInvalid, types.NewError(types.ErrCodeInvalidArgument, "invalid platform handle")
	}
	return c.AddDispatcher(NewPlatformHandleDispatcher(ph))
}

// UnwrapPlatformHandle removes h from the table and returns the OS handle
// it wrapped. The handle may be invalid if it crossed a transport that
// cannot carry OS handles.
func (c *Core) UnwrapPlatformHandle(h Handle) (embedder.PlatformHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.getLocked(h)
	if err != nil {
		return embedder.PlatformHandle{}, err
	}
	phd, ok := d.(*PlatformHandleDispatcher)
	if !ok {
		return embedder.PlatformHandle{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("handle %d is a %s, not a platform handle", h, d.Type()))
	}
	ph, err := phd.PassPlatformHandle()
	if err != nil {
		return embedder.PlatformHandle{}, err
	}
	c.removeLocked(h)
	return ph, nil
}

// AttachmentDeserializer returns the hook that channels of this process
// use to rebuild transferred dispatchers
func (c *Core) AttachmentDeserializer() channel.AttachmentDeserializer {
	return NewAttachmentDeserializer(c.cfg, c.logger)
}

// Config returns the configuration the core was created with
func (c *Core) Config() *config.Config {
	return c.cfg
}

// Stats returns handle table statistics
func (c *Core) Stats() CoreStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CoreStats{Handles: len(c.handles), ByType: make(map[string]int)}
	for _, d := range c.handles {
		stats.ByType[d.Type().String()]++
	}
	return stats
}

// CloseAll closes every handle and refuses new ones
func (c *Core) CloseAll() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := c.handles
	c.handles = make(map[Handle]Dispatcher)
	openHandles.Sub(float64(len(handles)))
	c.mu.Unlock()

	var errs error
	for h, d := range handles {
		if err := d.Close(); err != nil {
			errs = multierr.Append(errs, types.WrapError(types.GetErrorCode(err), fmt.Sprintf("close handle %d", h), err))
		}
	}
	c.logger.Debug("Core closed all handles", "count", len(handles))
	return errs
}
