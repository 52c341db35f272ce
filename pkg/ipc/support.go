package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/iothread"
	"github.com/billm/baaaht/ipcore/pkg/system"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

// ProcessType is the role of this process in the connection graph
type ProcessType int

const (
	ProcessTypeMaster ProcessType = iota + 1
	ProcessTypeSlave
)

func (p ProcessType) String() string {
	switch p {
	case ProcessTypeMaster:
		return "master"
	case ProcessTypeSlave:
		return "slave"
	default:
		return fmt.Sprintf("ProcessType(%d)", int(p))
	}
}

// ProcessIdentifier names a process connected to the master
type ProcessIdentifier uint64

const (
	ProcessIdentifierInvalid ProcessIdentifier = 0
	ProcessIdentifierMaster  ProcessIdentifier = 1
)

// ConnectionIdentifier pairs a ConnectToSlave call with the matching
// ConnectToMaster call in the slave
type ConnectionIdentifier string

// GenerateConnectionIdentifier returns a fresh random connection identifier
func GenerateConnectionIdentifier() ConnectionIdentifier {
	return ConnectionIdentifier(uuid.NewString())
}

// MasterProcessDelegate is notified about slaves going away. Calls happen on
// the I/O loop.
type MasterProcessDelegate interface {
	OnSlaveDisconnect(slaveInfo any)
}

// SlaveProcessDelegate is notified when the master goes away. Calls happen
// on the I/O loop.
type SlaveProcessDelegate interface {
	OnMasterDisconnect()
}

// SlaveConnection is the result of ConnectToSlave
type SlaveConnection struct {
	ProcessID ProcessIdentifier
	// MessagePipe is the master's end of the bootstrap message pipe
	MessagePipe system.Handle
	// PlatformHandle is valid only when the pre-existing connection could
	// not carry the channel end; the embedder then hands it over itself.
	PlatformHandle embedder.PlatformHandle
}

type slaveRecord struct {
	info any
	ch   *channel.Channel
}

// Stats describes a Support instance
type Stats struct {
	ProcessType       string `json:"process_type"`
	ProcessID         uint64 `json:"process_id"`
	Slaves            int    `json:"slaves"`
	Channels          int    `json:"channels"`
	PendingHandshakes int    `json:"pending_handshakes"`
	Handles           int    `json:"handles"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Type: %s, ID: %d, Slaves: %d, Channels: %d, PendingHandshakes: %d, Handles: %d}",
		s.ProcessType, s.ProcessID, s.Slaves, s.Channels, s.PendingHandshakes, s.Handles)
}

// Support owns the process-wide IPC state: the I/O loop, the handle table
// and every channel to other processes.
type Support struct {
	mu          sync.Mutex
	cfg         *config.Config
	logger      *logger.Logger
	clock       clock.Clock
	processType ProcessType
	processID   ProcessIdentifier
	loop        *iothread.Loop
	core        *system.Core

	masterDelegate MasterProcessDelegate
	nextProcessID  ProcessIdentifier
	slaves         map[ProcessIdentifier]*slaveRecord

	slaveDelegate   SlaveProcessDelegate
	masterTransport embedder.Transport
	handshakes      map[ConnectionIdentifier]handshake
	received        int
	arrived         chan struct{}
	masterErr       error
	masterLost      bool

	channels []*channel.Channel
	readers  errgroup.Group
	shutdown bool
}

func newSupport(cfg *config.Config, pt ProcessType, log *logger.Logger) (*Support, error) {
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
	log = log.With("component", "ipc_support", "process_type", pt.String())

	loop, err := iothread.New(log, cfg.IPC.IOQueueSize)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to start I/O loop", err)
	}
	core, err := system.NewCore(cfg, log)
	if err != nil {
		loop.Stop()
		return nil, err
	}

	return &Support{
		cfg:         cfg,
		logger:      log,
		clock:       clock.New(),
		processType: pt,
		loop:        loop,
		core:        core,
		slaves:      make(map[ProcessIdentifier]*slaveRecord),
		handshakes:  make(map[ConnectionIdentifier]handshake),
		arrived:     make(chan struct{}),
	}, nil
}

// NewMaster initializes IPC support for the master process
func NewMaster(cfg *config.Config, delegate MasterProcessDelegate, log *logger.Logger) (*Support, error) {
	if delegate == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "master delegate cannot be nil")
	}
	s, err := newSupport(cfg, ProcessTypeMaster, log)
	if err != nil {
		return nil, err
	}
	s.masterDelegate = delegate
	s.processID = ProcessIdentifierMaster
	s.nextProcessID = ProcessIdentifierMaster + 1

	s.logger.Info("IPC support initialized")
	return s, nil
}

// NewSlave initializes IPC support for a slave process. masterConn is the
// pre-existing unix socket to the master; handshakes arrive on it and the
// Support takes ownership of it.
func NewSlave(cfg *config.Config, delegate SlaveProcessDelegate, masterConn embedder.PlatformHandle, log *logger.Logger) (*Support, error) {
	if delegate == nil {
		masterConn.Close()
		return nil, types.NewError(types.ErrCodeInvalidArgument, "slave delegate cannot be nil")
	}
	transport, err := embedder.NewUnixTransport(masterConn)
	if err != nil {
		masterConn.Close()
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid master connection", err)
	}
	s, err := newSupport(cfg, ProcessTypeSlave, log)
	if err != nil {
		transport.Close()
		return nil, err
	}
	s.slaveDelegate = delegate
	s.masterTransport = transport
	s.readers.Go(func() error {
		return s.readHandshakes(transport)
	})

	s.logger.Info("IPC support initialized")
	return s, nil
}

// Core returns the handle table shared by every channel of this process
func (s *Support) Core() *system.Core {
	return s.core
}

// ProcessType returns the role this Support was created with
func (s *Support) ProcessType() ProcessType {
	return s.processType
}

// ProcessID returns this process's identifier. A slave learns it from its
// first handshake.
func (s *Support) ProcessID() ProcessIdentifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processID
}

// ConnectToSlave creates a channel to a slave and writes the handshake for
// connID on conn, the pre-existing connection to that slave. The Support
// takes ownership of conn and closes it once the handshake is written.
// A slave that dies before it picks up the handshake is reported through
// OnSlaveDisconnect with slaveInfo.
func (s *Support) ConnectToSlave(ctx context.Context, connID ConnectionIdentifier, slaveInfo any, conn embedder.PlatformHandle) (*SlaveConnection, error) {
	if s.processType != ProcessTypeMaster {
		conn.Close()
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "ConnectToSlave requires a master process")
	}
	if connID == "" {
		conn.Close()
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection identifier cannot be empty")
	}
	bootstrap, err := embedder.NewUnixTransport(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer bootstrap.Close()

	pair, err := embedder.NewPlatformChannelPair()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create channel pair", err)
	}
	transport, err := embedder.NewUnixTransport(pair.PassServerHandle())
	if err != nil {
		pair.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		transport.Close()
		pair.Close()
		return nil, types.NewError(types.ErrCodeUnavailable, "IPC support is shut down")
	}
	pid := s.nextProcessID
	s.nextProcessID++
	s.mu.Unlock()

	log := s.logger.With("process_id", uint64(pid), "connection_id", string(connID))
	h, ch, err := s.createChannel(ctx, transport, func(err error) {
		s.onSlaveDisconnect(pid, err)
	})
	if err != nil {
		pair.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown {
		// ShutdownOnIOThread already took the channel down
		s.mu.Unlock()
		pair.Close()
		return nil, types.NewError(types.ErrCodeUnavailable, "IPC support is shut down")
	}
	s.slaves[pid] = &slaveRecord{info: slaveInfo, ch: ch}
	s.mu.Unlock()
	connectedProcesses.Inc()

	result := &SlaveConnection{ProcessID: pid, MessagePipe: h}
	client := pair.PassClientHandle()
	hs := handshake{connID: connID, processID: pid, hasHandle: bootstrap.SupportsHandles()}
	var handles []embedder.PlatformHandle
	if hs.hasHandle {
		handles = []embedder.PlatformHandle{client}
	} else {
		result.PlatformHandle = client
	}

	// A failed write closes the client end, so the channel reports the
	// slave as disconnected on its own.
	if err := bootstrap.Write(encodeHandshake(hs), handles); err != nil {
		handshakesTotal.WithLabelValues("sent", "error").Inc()
		log.Warn("Failed to write handshake to slave", "error", err)
		return result, nil
	}
	handshakesTotal.WithLabelValues("sent", "ok").Inc()
	log.Info("Connected to slave")
	return result, nil
}

// ConnectToMaster waits for the handshake carrying connID and returns the
// channel end the master created for it. It gives up after the configured
// handshake timeout.
func (s *Support) ConnectToMaster(ctx context.Context, connID ConnectionIdentifier) (embedder.PlatformHandle, error) {
	if s.processType != ProcessTypeSlave {
		return embedder.PlatformHandle{}, types.NewError(types.ErrCodeFailedPrecondition, "ConnectToMaster requires a slave process")
	}
	if connID == "" {
		return embedder.PlatformHandle{}, types.NewError(types.ErrCodeInvalidArgument, "connection identifier cannot be empty")
	}

	timer := s.clock.Timer(s.cfg.IPC.HandshakeTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if hs, ok := s.handshakes[connID]; ok {
			delete(s.handshakes, connID)
			s.mu.Unlock()
			if !hs.handle.IsValid() {
				return embedder.PlatformHandle{}, types.NewError(types.ErrCodeUnimplemented,
					"master did not pass the channel end over the bootstrap connection")
			}
			s.logger.Info("Connected to master", "connection_id", string(connID), "process_id", uint64(hs.processID))
			return hs.handle, nil
		}
		switch {
		case s.shutdown:
			s.mu.Unlock()
			return embedder.PlatformHandle{}, types.NewError(types.ErrCodeUnavailable, "IPC support is shut down")
		case s.masterErr != nil:
			err := s.masterErr
			s.mu.Unlock()
			return embedder.PlatformHandle{}, types.WrapError(types.ErrCodeUnavailable, "master connection closed before handshake", err)
		}
		arrived := s.arrived
		s.mu.Unlock()

		select {
		case <-arrived:
		case <-timer.C:
			return embedder.PlatformHandle{}, types.NewError(types.ErrCodeTimeout, "timed out waiting for handshake")
		case <-ctx.Done():
			return embedder.PlatformHandle{}, types.WrapError(types.ErrCodeCanceled, "wait for handshake canceled", ctx.Err())
		}
	}
}

// CreateChannel runs a channel over h, the end returned by ConnectToMaster,
// and returns the slave's end of the bootstrap message pipe
func (s *Support) CreateChannel(ctx context.Context, h embedder.PlatformHandle) (system.Handle, error) {
	transport, err := embedder.NewUnixTransport(h)
	if err != nil {
		h.Close()
		return system.HandleInvalid, err
	}
	handle, _, err := s.createChannel(ctx, transport, s.onChannelError)
	return handle, err
}

// createChannel builds a channel on the I/O loop with a fresh bootstrap
// message pipe. It owns transport from here on.
func (s *Support) createChannel(ctx context.Context, transport embedder.Transport, onError func(error)) (system.Handle, *channel.Channel, error) {
	var (
		h   system.Handle
		ch  *channel.Channel
		err error
	)
	perr := s.loop.PostAndWait(ctx, func() {
		s.mu.Lock()
		shutdown := s.shutdown
		s.mu.Unlock()
		if shutdown {
			transport.Close()
			err = types.NewError(types.ErrCodeUnavailable, "IPC support is shut down")
			return
		}

		ch, err = channel.New(s.cfg.Channel, s.loop, s.core.AttachmentDeserializer(), s.logger)
		if err != nil {
			transport.Close()
			return
		}
		ch.SetErrorHandler(onError)
		ch.Init(transport)

		var ep *channel.ChannelEndpoint
		h, ep, err = s.core.CreateBootstrapMessagePipe()
		if err != nil {
			ch.Shutdown()
			return
		}
		ch.SetBootstrapEndpoint(ep)

		s.mu.Lock()
		s.channels = append(s.channels, ch)
		s.mu.Unlock()
	})
	if perr != nil {
		// The task may still run; it then owns transport.
		return system.HandleInvalid, nil, perr
	}
	if err != nil {
		return system.HandleInvalid, nil, err
	}
	return h, ch, nil
}

// onSlaveDisconnect runs on the I/O loop when a slave's channel fails
func (s *Support) onSlaveDisconnect(pid ProcessIdentifier, err error) {
	s.mu.Lock()
	rec, ok := s.slaves[pid]
	delete(s.slaves, pid)
	shutdown := s.shutdown
	if ok {
		s.removeChannelLocked(rec.ch)
	}
	s.mu.Unlock()
	if !ok || shutdown {
		return
	}

	connectedProcesses.Dec()
	disconnectsTotal.WithLabelValues("slave").Inc()
	s.logger.Info("Slave disconnected", "process_id", uint64(pid), "error", err)
	if serr := rec.ch.Shutdown(); serr != nil {
		s.logger.Debug("Slave channel shutdown error", "process_id", uint64(pid), "error", serr)
	}
	s.masterDelegate.OnSlaveDisconnect(rec.info)
}

// onChannelError runs on the I/O loop when a channel made by CreateChannel
// fails
func (s *Support) onChannelError(err error) {
	if s.processType != ProcessTypeSlave {
		s.logger.Info("Channel disconnected", "error", err)
		return
	}
	s.notifyMasterLost(err)
}

func (s *Support) notifyMasterLost(err error) {
	s.mu.Lock()
	if s.shutdown || s.masterLost {
		s.mu.Unlock()
		return
	}
	s.masterLost = true
	s.mu.Unlock()

	disconnectsTotal.WithLabelValues("master").Inc()
	s.logger.Warn("Master disconnected", "error", err)
	s.slaveDelegate.OnMasterDisconnect()
}

func (s *Support) removeChannelLocked(ch *channel.Channel) {
	for i, c := range s.channels {
		if c == ch {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

// readHandshakes decodes handshakes from the master until the bootstrap
// connection closes
func (s *Support) readHandshakes(t embedder.Transport) error {
	var (
		buf     []byte
		handles []embedder.PlatformHandle
	)
	chunk := make([]byte, 1024)
	for {
		n, hs, err := t.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		handles = append(handles, hs...)

		for err == nil {
			var msg handshake
			var used int
			msg, used, err = nextHandshake(buf)
			if err != nil || used == 0 {
				break
			}
			buf = buf[used:]
			if msg.hasHandle {
				if len(handles) == 0 {
					err = types.NewError(types.ErrCodeInvalid, "handshake arrived without its channel end")
					break
				}
				msg.handle = handles[0]
				handles = handles[1:]
			}
			s.deliverHandshake(msg)
		}

		if err != nil {
			embedder.CloseHandles(handles)
			s.masterConnectionLost(err)
			return err
		}
	}
}

func (s *Support) deliverHandshake(hs handshake) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		hs.handle.Close()
		return
	}
	if _, dup := s.handshakes[hs.connID]; dup {
		s.mu.Unlock()
		handshakesTotal.WithLabelValues("received", "duplicate").Inc()
		s.logger.Warn("Dropping duplicate handshake", "connection_id", string(hs.connID))
		hs.handle.Close()
		return
	}
	s.handshakes[hs.connID] = hs
	s.received++
	if s.processID == ProcessIdentifierInvalid {
		s.processID = hs.processID
	}
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.mu.Unlock()

	handshakesTotal.WithLabelValues("received", "ok").Inc()
	s.logger.Debug("Handshake received", "connection_id", string(hs.connID), "process_id", uint64(hs.processID))
}

// masterConnectionLost wakes ConnectToMaster callers. The master closes the
// bootstrap connection after writing its handshakes, so only a connection
// that dies before delivering any is a disconnect.
func (s *Support) masterConnectionLost(err error) {
	s.mu.Lock()
	s.masterErr = err
	received := s.received
	shutdown := s.shutdown
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.mu.Unlock()

	if shutdown {
		return
	}
	if received > 0 {
		s.logger.Debug("Master bootstrap connection closed", "handshakes", received)
		return
	}
	handshakesTotal.WithLabelValues("received", "error").Inc()
	if perr := s.loop.Post(func() { s.notifyMasterLost(err) }); perr != nil {
		s.logger.Warn("Master disconnected after I/O loop stopped", "error", err)
	}
}

// ShutdownOnIOThread closes every handle and channel. It must run on the I/O
// loop and succeeds only once.
func (s *Support) ShutdownOnIOThread() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "IPC support is already shut down")
	}
	s.shutdown = true
	channels := s.channels
	s.channels = nil
	slaves := len(s.slaves)
	s.slaves = make(map[ProcessIdentifier]*slaveRecord)
	pending := s.handshakes
	s.handshakes = make(map[ConnectionIdentifier]handshake)
	transport := s.masterTransport
	s.mu.Unlock()

	connectedProcesses.Sub(float64(slaves))

	err := s.core.CloseAll()
	for _, ch := range channels {
		err = multierr.Append(err, ch.Shutdown())
	}
	for _, hs := range pending {
		hs.handle.Close()
	}
	if transport != nil {
		if cerr := transport.Close(); cerr != nil && !embedder.IsClosedError(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	s.logger.Info("IPC support shut down", "channels", len(channels), "slaves", slaves)
	return err
}

// Shutdown runs ShutdownOnIOThread on the I/O loop, unless the embedder
// already did, and stops the loop. Later calls return UNAVAILABLE.
func (s *Support) Shutdown(ctx context.Context) error {
	var err error
	perr := s.loop.PostAndWait(ctx, func() {
		s.mu.Lock()
		done := s.shutdown
		s.mu.Unlock()
		if !done {
			err = s.ShutdownOnIOThread()
		}
	})
	if perr != nil {
		return perr
	}
	if rerr := s.readers.Wait(); rerr != nil && !embedder.IsClosedError(rerr) {
		s.logger.Debug("Handshake reader exited with error", "error", rerr)
	}
	s.loop.Stop()
	return err
}

// Stats returns a snapshot of the support state
func (s *Support) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ProcessType:       s.processType.String(),
		ProcessID:         uint64(s.processID),
		Slaves:            len(s.slaves),
		Channels:          len(s.channels),
		PendingHandshakes: len(s.handshakes),
	}
	s.mu.Unlock()
	st.Handles = s.core.Stats().Handles
	return st
}

// String returns a string representation of the support
func (s *Support) String() string {
	return s.Stats().String()
}

var (
	globalSupport   *Support
	globalSupportMu sync.RWMutex
)

// SetGlobal installs s as the process-wide Support
func SetGlobal(s *Support) {
	globalSupportMu.Lock()
	defer globalSupportMu.Unlock()
	globalSupport = s
}

// Global returns the process-wide Support, or nil before SetGlobal
func Global() *Support {
	globalSupportMu.RLock()
	defer globalSupportMu.RUnlock()
	return globalSupport
}
