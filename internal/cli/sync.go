package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/app"
	"github.com/monorkin/equipment-inventory/internal/discovery"
	"github.com/monorkin/equipment-inventory/internal/logging"
	"github.com/monorkin/equipment-inventory/internal/replication"
)

const DEFAULT_CONNECT_TIMEOUT = 30 * time.Second

func newSyncCmd(opts *rootOptions) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate the inventory between instances",
		Long: `Commands for hosting, joining and inspecting inventory replication.

A host pushes its full inventory to every connected client when a sync is
triggered. Receiving a snapshot replaces the local inventory.`,
	}

	var every time.Duration
	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Host replication until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runSyncHost(ctx, cmd, a, every)
		}),
	}
	hostCmd.Flags().DurationVar(&every, "every", 0, "Push the inventory to all clients at this interval (0 disables)")

	connectOpts := &connectOptions{}
	connectCmd := &cobra.Command{
		Use:   "connect <endpoint>",
		Short: "Join a host as a client",
		Long: `Join a host as a client. The endpoint is a device id (same machine), a
host:port address, or both as id@host:port.

Examples:
  equipment-inventory sync connect 192.168.1.20:8765 --request --once
  equipment-inventory sync connect 1f0c...@192.168.1.20:8765
  equipment-inventory sync connect 1f0c... --discover`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runSyncConnect(ctx, cmd, args[0], a, connectOpts)
		}),
	}
	connectCmd.Flags().BoolVar(&connectOpts.request, "request", false, "Ask the host for its inventory once connected")
	connectCmd.Flags().BoolVar(&connectOpts.once, "once", false, "Exit after the first completed sync")
	connectCmd.Flags().BoolVar(&connectOpts.discover, "discover", false, "Look up the host address on the local network")
	connectCmd.Flags().DurationVar(&connectOpts.timeout, "timeout", DEFAULT_CONNECT_TIMEOUT, "How long to wait for the connection")

	var browseTimeout time.Duration
	var watch bool
	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List hosts advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			if watch {
				return runSyncDiscoverWatch(ctx, cmd, a)
			}
			return runSyncDiscover(ctx, cmd, a, browseTimeout)
		}),
	}
	discoverCmd.Flags().DurationVar(&browseTimeout, "timeout", discovery.BROWSE_TIMEOUT, "How long to listen for hosts")
	discoverCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep browsing and print hosts as they appear")

	var clearLog bool
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show the sync history",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, args []string, a *app.App) error {
			return runSyncLog(ctx, cmd, a, clearLog)
		}),
	}
	logCmd.Flags().BoolVar(&clearLog, "clear", false, "Delete the sync history")

	syncCmd.AddCommand(hostCmd, connectCmd, discoverCmd, logCmd)
	return syncCmd
}

type connectOptions struct {
	request  bool
	once     bool
	discover bool
	timeout  time.Duration
}

// eventPrinter renders coordinator events as they arrive on their own
// goroutines.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) handlers() replication.Handlers {
	return replication.Handlers{
		PeerConnected: func(peerID string) {
			p.print(successStyle.Render("Peer connected: " + peerID))
		},
		PeerDisconnected: func(peerID string) {
			p.print(warningStyle.Render("Peer disconnected: " + peerID))
		},
		SyncRequest: func(fromID string) {
			p.print(mutedStyle.Render("Sync requested by " + fromID))
		},
		SyncComplete: func(success bool, reason string) {
			if success {
				p.print(successStyle.Render("Inventory received"))
				return
			}
			p.print(errorStyle.Render("Sync failed: " + reason))
		},
		StatusChange: func(event replication.StatusEvent) {
			line := "Status: " + string(event.Status)
			if event.Reason != "" {
				line += " (" + event.Reason + ")"
			}
			p.print(mutedStyle.Render(line))
		},
	}
}

func (p *eventPrinter) print(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func interruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runSyncHost(ctx context.Context, cmd *cobra.Command, a *app.App, every time.Duration) error {
	coordinator, err := a.Replication()
	if err != nil {
		return err
	}

	printer := &eventPrinter{out: cmd.OutOrStdout()}
	unsubscribe := coordinator.Subscribe(printer.handlers())
	defer unsubscribe()

	ctx, stop := interruptContext(ctx)
	defer stop()

	reachability, err := coordinator.StartHosting(ctx)
	if err != nil {
		return err
	}

	printer.print(labelStyle.Render("Hosting as ") + reachability.Endpoint().String())
	for _, address := range reachability.Addresses {
		printer.print(mutedStyle.Render("  reachable at " + address))
	}

	var ticks <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		ticks = ticker.C
	}

	logger := logging.Named(a.Logger, logging.NameCLI)
	for {
		select {
		case <-ctx.Done():
			printer.print("Stopping")
			return coordinator.StopHosting(context.Background())
		case <-ticks:
			triggered, err := coordinator.TriggerSync(ctx)
			if err != nil {
				logger.Error("Periodic sync failed", zap.Error(err))
				continue
			}
			if triggered {
				printer.print(mutedStyle.Render("Inventory pushed"))
			}
		}
	}
}

func resolveEndpoint(ctx context.Context, endpoint replication.Endpoint, timeout time.Duration, logger *zap.Logger) (replication.Endpoint, error) {
	peers, err := discovery.Browse(ctx, timeout, logger)
	if err != nil {
		return endpoint, err
	}

	for _, peer := range peers {
		if peer.DeviceID == endpoint.DeviceID && peer.Address() != "" {
			endpoint.Address = peer.Address()
			return endpoint, nil
		}
	}
	return endpoint, fmt.Errorf("no host with device id %s found on the local network", endpoint.DeviceID)
}

func runSyncConnect(ctx context.Context, cmd *cobra.Command, target string, a *app.App, opts *connectOptions) error {
	endpoint, err := replication.ParseEndpoint(target)
	if err != nil {
		return err
	}

	ctx, stop := interruptContext(ctx)
	defer stop()

	logger := logging.Named(a.Logger, logging.NameCLI)
	if opts.discover && endpoint.Address == "" && endpoint.DeviceID != "" {
		endpoint, err = resolveEndpoint(ctx, endpoint, discovery.BROWSE_TIMEOUT, logging.Named(a.Logger, logging.NameDiscovery))
		if err != nil {
			return err
		}
	}

	coordinator, err := a.Replication()
	if err != nil {
		return err
	}

	printer := &eventPrinter{out: cmd.OutOrStdout()}
	connected := make(chan string, 1)
	completed := make(chan bool, 1)
	handlers := printer.handlers()
	onConnected, onComplete := handlers.PeerConnected, handlers.SyncComplete
	handlers.PeerConnected = func(peerID string) {
		onConnected(peerID)
		select {
		case connected <- peerID:
		default:
		}
	}
	handlers.SyncComplete = func(success bool, reason string) {
		onComplete(success, reason)
		select {
		case completed <- success:
		default:
		}
	}
	unsubscribe := coordinator.Subscribe(handlers)
	defer unsubscribe()

	printer.print("Connecting to " + endpoint.String())
	if _, err := coordinator.ConnectTo(ctx, endpoint); err != nil {
		return err
	}
	defer coordinator.Disconnect()

	timeout := time.NewTimer(opts.timeout)
	defer timeout.Stop()

	select {
	case <-connected:
	case <-timeout.C:
		return fmt.Errorf("no host answered within %s", opts.timeout)
	case <-ctx.Done():
		return nil
	}

	if opts.request {
		requested, err := coordinator.RequestSync(ctx)
		if err != nil {
			return err
		}
		if !requested {
			logger.Warn("Sync request was not delivered")
		}
	}

	for {
		select {
		case success := <-completed:
			if opts.once {
				if !success {
					return errors.New("sync failed")
				}
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func runSyncDiscover(ctx context.Context, cmd *cobra.Command, a *app.App, timeout time.Duration) error {
	peers, err := discovery.Browse(ctx, timeout, logging.Named(a.Logger, logging.NameDiscovery))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, "No hosts found.")
		return nil
	}

	w := newTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "DEVICE\tHOST\tENDPOINT")
	fmt.Fprintln(w, "------\t----\t--------")
	for _, peer := range peers {
		self := ""
		if peer.DeviceID == a.Identity.ID {
			self = " (this device)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\n", peer.DeviceID, self, peer.HostName, peer.Endpoint())
	}

	return nil
}

func runSyncDiscoverWatch(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	ctx, stop := interruptContext(ctx)
	defer stop()

	printer := &eventPrinter{out: cmd.OutOrStdout()}
	browser := discovery.NewBrowser(a.Identity.ID, logging.Named(a.Logger, logging.NameDiscovery))
	browser.SetOnPeerDiscovered(func(peer discovery.Peer) {
		printer.print(successStyle.Render("Found ") + peer.Endpoint() + mutedStyle.Render(" on "+peer.HostName))
	})

	printer.print("Browsing for hosts, press Ctrl+C to stop")
	browser.Start()
	defer browser.Stop()

	<-ctx.Done()
	printer.print(fmt.Sprintf("Found %d hosts", len(browser.Peers())))
	return nil
}

func runSyncLog(ctx context.Context, cmd *cobra.Command, a *app.App, clearLog bool) error {
	out := cmd.OutOrStdout()

	if clearLog {
		removed, err := a.Store.ClearSyncRecords(ctx)
		if err != nil {
			return err
		}
		printSuccess(out, "Removed %d sync records", removed)
		return nil
	}

	records, err := a.Store.ListSyncRecords(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No syncs recorded.")
		return nil
	}

	w := newTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTYPE\tTIME\tDETAILS")
	fmt.Fprintln(w, "--\t----\t----\t-------")
	for _, record := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", record.ID, record.Type, formatTime(record.Timestamp), string(record.Payload))
	}

	return nil
}
