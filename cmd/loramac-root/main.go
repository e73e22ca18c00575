// loramac-root is the root-side LoRa MAC daemon. It owns the serial
// connection to the radio module, runs the MAC state machine, bridges
// inbound/outbound traffic to the local IPv6 routing stack, and
// exposes a WebSocket feed of MAC events for operator tooling.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lora-mesh/loramac-root/internal/bridge"
	"github.com/lora-mesh/loramac-root/internal/config"
	"github.com/lora-mesh/loramac-root/internal/loraframe"
	"github.com/lora-mesh/loramac-root/internal/loramac"
	"github.com/lora-mesh/loramac-root/internal/loraphy"
	"github.com/lora-mesh/loramac-root/internal/monitor"
	"github.com/lora-mesh/loramac-root/internal/store"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "loramac-root",
		Short: "LoRa MAC root daemon",
		Long:  "Root-side LoRa MAC daemon. Joins the mesh, exchanges DATA frames with bounded retransmission, and bridges traffic to the local IPv6 routing stack.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the MAC daemon",
		RunE:  runDaemon,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("loramac-root v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/loramac-root/config.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// noopRoutingStack stands in for the local IPv6 mesh-routing stack,
// which is out of scope for this daemon and provided by whatever
// binary links against the bridge package's RoutingStack interface in
// a full deployment.
type noopRoutingStack struct {
	logger *log.Logger
}

func (n *noopRoutingStack) SetPrefixAndStart(prefix uint8) {
	n.logger.Printf("routing: would program prefix %#x (no routing stack attached)", prefix)
}

func (n *noopRoutingStack) DeliverIPv6Packet(pkt []byte) {
	n.logger.Printf("routing: would deliver %d-byte IPv6 packet (no routing stack attached)", len(pkt))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Node.ID == 0 {
		return fmt.Errorf("node.id is required")
	}

	logger := log.New(os.Stderr, "loramac-root: ", log.LstdFlags)

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = "loramac-root.db"
	}
	db, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	if events, err := db.RecentFrameEvents(10); err != nil {
		logger.Printf("store: recent frame events: %v", err)
	} else if len(events) > 0 {
		logger.Printf("store: %d frame events recorded in a previous run", len(events))
	}

	port, err := openSerialPort(cfg.Serial.Port)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	defer port.Close()

	buf := &loraframe.Buffer{}
	phyDriver := loraphy.New(port, port, buf, logger)

	var mon *monitor.Server
	if cfg.Monitor.ListenAddr != "" {
		mon = monitor.New(cfg.Monitor.ListenAddr, logger)
		if err := mon.Start(); err != nil {
			return fmt.Errorf("failed to start monitor server: %w", err)
		}
		defer mon.Stop()
	}

	adapter := bridge.NewAdapter(&noopRoutingStack{logger: logger}, logger)
	engineCfg := cfg.EngineConfig()
	eng := loramac.New(engineCfg, buf, phyDriver, adapter, logger)
	adapter.SetEngine(eng)
	eng.SetStore(db)
	if mon != nil {
		eng.SetMonitor(mon)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("starting MAC engine for node %d on %s", cfg.Node.ID, cfg.Serial.Port)
	if err := eng.InitRoot(ctx, cfg.Node.ID); err != nil {
		return fmt.Errorf("failed to start MAC engine: %w", err)
	}

	if err := db.RecordJoin(0, true, "daemon started, awaiting JOIN_RESPONSE"); err != nil {
		logger.Printf("store: record startup: %v", err)
	}

	sig := <-sigChan
	logger.Printf("received signal %v, shutting down", sig)

	eng.Stop()
	// Closing the port unblocks the PHY read loop so Stop can return.
	port.Close()
	phyDriver.Stop()

	logger.Println("shutdown complete")
	return nil
}

// openSerialPort opens the character device backing the radio's UART
// connection. Line discipline (baud rate, parity, flow control) is
// expected to already be configured on the device node by the host,
// matching how the radio module's documentation describes bring-up;
// no third-party serial library in the reference stack covers this
// narrow a concern, so it is opened directly as a file.
func openSerialPort(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}
