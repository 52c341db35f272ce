package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/ipc"
	"github.com/billm/baaaht/ipcore/pkg/system"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// slaveFD is where a spawned slave finds its end of the bootstrap socket
const slaveFD = 3

var (
	demoBytes    int
	demoCapacity int
	slaveConnID  string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Spawn a slave and stream a data pipe to it",
	RunE:  runDemo,
}

var slaveCmd = &cobra.Command{
	Use:    "slave",
	Short:  "Run as the slave side of demo",
	Hidden: true,
	RunE:   runSlave,
}

// demoDelegate logs disconnects and cancels the running command
type demoDelegate struct {
	log    *logger.Logger
	cancel context.CancelFunc
}

func (d *demoDelegate) OnSlaveDisconnect(info any) {
	d.log.Info("Slave disconnected", "pid", info)
}

func (d *demoDelegate) OnMasterDisconnect() {
	d.log.Warn("Master disconnected")
	d.cancel()
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.IPC.ShutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	support, err := ipc.NewMaster(cfg, &demoDelegate{log: rootLog, cancel: stop}, rootLog)
	if err != nil {
		return err
	}
	ipc.SetGlobal(support)

	pair, err := embedder.NewPlatformChannelPair()
	if err != nil {
		shutdownSupport(support, cfg)
		return err
	}
	connID := ipc.GenerateConnectionIdentifier()
	child, err := spawnSlave(pair.PassClientHandle(), connID)
	if err != nil {
		pair.Close()
		shutdownSupport(support, cfg)
		return err
	}
	rootLog.Info("Spawned slave", "pid", child.Process.Pid, "connection_id", string(connID))

	received, err := streamToSlave(ctx, support, connID, child.Process.Pid, pair.PassServerHandle())
	shutdownSupport(support, cfg)
	if werr := child.Wait(); werr != nil {
		rootLog.Warn("Slave exited with error", "error", werr)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes, slave reports: %s\n", demoBytes, received)
	return nil
}

// streamToSlave hands the slave a data pipe consumer, fills the pipe and
// returns the slave's reply
func streamToSlave(ctx context.Context, support *ipc.Support, connID ipc.ConnectionIdentifier, pid int, conn embedder.PlatformHandle) (string, error) {
	sc, err := support.ConnectToSlave(ctx, connID, pid, conn)
	if err != nil {
		return "", err
	}
	core := support.Core()

	producer, consumer, err := core.CreateDataPipe(system.DataPipeOptions{ElementSize: 1, Capacity: demoCapacity})
	if err != nil {
		return "", err
	}
	defer core.Close(producer)
	if err := core.WriteMessage(sc.MessagePipe, []byte("data"), []system.Handle{consumer}, system.WriteMessageFlagNone); err != nil {
		return "", err
	}

	data := bytes.Repeat([]byte{'x'}, demoBytes)
	for len(data) > 0 {
		n, err := core.WriteData(producer, data, system.DataFlagNone)
		if types.IsShouldWait(err) {
			if _, err := core.Wait(ctx, producer, waiter.SignalWritable, waiter.DeadlineIndefinite); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", err
		}
		data = data[n:]
	}
	if err := core.Close(producer); err != nil {
		return "", err
	}

	if _, err := core.Wait(ctx, sc.MessagePipe, waiter.SignalReadable, waiter.DeadlineIndefinite); err != nil {
		return "", err
	}
	reply, _, err := core.ReadMessage(sc.MessagePipe, system.NoLimit, system.NoLimit, system.ReadMessageFlagMayDiscard)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

func spawnSlave(h embedder.PlatformHandle, connID ipc.ConnectionIdentifier) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		h.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to locate executable", err)
	}
	f := h.ToFile("ipcore-bootstrap")
	defer f.Close()

	args := []string{"slave", "--connection-id", string(connID)}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	c := exec.Command(exe, args...)
	c.ExtraFiles = []*os.File{f}
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Start(); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to start slave", err)
	}
	return c, nil
}

func runSlave(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if slaveConnID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "--connection-id is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	f := os.NewFile(slaveFD, "ipcore-bootstrap")
	h, err := embedder.HandleFromFile(f)
	f.Close()
	if err != nil {
		return err
	}

	support, err := ipc.NewSlave(cfg, &demoDelegate{log: rootLog, cancel: stop}, h, rootLog)
	if err != nil {
		return err
	}
	ipc.SetGlobal(support)
	defer shutdownSupport(support, cfg)

	ch, err := support.ConnectToMaster(ctx, ipc.ConnectionIdentifier(slaveConnID))
	if err != nil {
		return err
	}
	pipe, err := support.CreateChannel(ctx, ch)
	if err != nil {
		return err
	}
	core := support.Core()

	if _, err := core.Wait(ctx, pipe, waiter.SignalReadable, waiter.DeadlineIndefinite); err != nil {
		return err
	}
	_, handles, err := core.ReadMessage(pipe, system.NoLimit, system.NoLimit, system.ReadMessageFlagNone)
	if err != nil {
		return err
	}
	if len(handles) != 1 {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("expected one handle, got %d", len(handles)))
	}

	total, err := drainConsumer(ctx, core, handles[0])
	if err != nil {
		return err
	}
	rootLog.Info("Data pipe drained", "bytes", total)

	reply := fmt.Sprintf("received %d bytes", total)
	if err := core.WriteMessage(pipe, []byte(reply), nil, system.WriteMessageFlagNone); err != nil {
		return err
	}

	// Shutdown drops undelivered frames, so stay up until the master hangs up
	_, err = core.Wait(ctx, pipe, waiter.SignalPeerClosed, cfg.IPC.ShutdownTimeout)
	if err != nil && !types.IsErrCode(err, types.ErrCodeTimeout) && !errors.Is(err, context.Canceled) {
		rootLog.Debug("Wait for master hang-up ended", "error", err)
	}
	return nil
}

// drainConsumer reads h until its producer is closed and the pipe is empty
func drainConsumer(ctx context.Context, core *system.Core, h system.Handle) (int, error) {
	buf := make([]byte, 64*1024)
	total := 0
	for {
		n, err := core.ReadData(h, buf, system.DataFlagNone)
		switch {
		case err == nil:
			total += n
		case types.IsShouldWait(err):
			if _, werr := core.Wait(ctx, h, waiter.SignalReadable, waiter.DeadlineIndefinite); werr != nil {
				if types.IsPeerClosed(werr) {
					return total, nil
				}
				return total, werr
			}
		case types.IsPeerClosed(err):
			return total, nil
		default:
			return total, err
		}
	}
}

func startMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLog.Error("Metrics server failed", "error", err)
		}
	}()
	rootLog.Info("Serving metrics", "address", cfg.Address, "path", cfg.Path)
	return srv
}

func shutdownSupport(s *ipc.Support, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.IPC.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		rootLog.Warn("IPC shutdown reported errors", "error", err)
	}
}

func init() {
	demoCmd.Flags().IntVar(&demoBytes, "bytes", 1<<20, "Bytes to stream to the slave")
	demoCmd.Flags().IntVar(&demoCapacity, "capacity", 64*1024, "Data pipe capacity in bytes")
	slaveCmd.Flags().StringVar(&slaveConnID, "connection-id", "", "Connection identifier from the master")
}
