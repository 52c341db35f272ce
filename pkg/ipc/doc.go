// Package ipc bootstraps channels between a master process and its slaves.
//
// A Support owns the process-wide state:
//
//   - the I/O loop every channel runs its callbacks on
//   - the system.Core handle table shared by all channels
//   - the channels to other processes and the slaves they belong to
//
// The master and each slave start out with a pre-existing unix socket
// between them, typically inherited by the slave at spawn time. For each
// connection the master calls ConnectToSlave, which creates a fresh socket
// pair, runs a channel over one end and sends the other end to the slave in
// a handshake. The slave calls ConnectToMaster with the same connection
// identifier to pick up its end and CreateChannel to run its side. Both
// sides then hold the two ends of a bootstrap message pipe.
//
// Example usage (master):
//
//	support, err := ipc.NewMaster(cfg, delegate, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer support.Shutdown(ctx)
//
//	connID := ipc.GenerateConnectionIdentifier()
//	conn, err := support.ConnectToSlave(ctx, connID, slaveInfo, slaveSocket)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	support.Core().WriteMessage(conn.MessagePipe, []byte("hello"), nil, system.WriteMessageFlagNone)
//
// Example usage (slave):
//
//	support, err := ipc.NewSlave(cfg, delegate, masterSocket, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h, err := support.ConnectToMaster(ctx, connID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pipe, err := support.CreateChannel(ctx, h)
//
// Delegates are told when the other process goes away, including a slave
// that dies before it reads its handshake.
package ipc
