// obdctl is the command-line front end for the OBD-II diagnostic stack:
// one-shot UDS reads, BLE adapter discovery, and the long-running polling
// service that feeds the trip log, MQTT, and the status APIs.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vlink/obdcore/pkg/config"
	"github.com/vlink/obdcore/pkg/connection"
	"github.com/vlink/obdcore/pkg/connection/ble"
	"github.com/vlink/obdcore/pkg/connection/stream"
	"github.com/vlink/obdcore/pkg/core"
	"github.com/vlink/obdcore/pkg/elm327"
	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/uds"
	"github.com/vlink/obdcore/pkg/vehicle"
	"github.com/vlink/obdcore/pkg/vehicle/kianiro"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "obdctl",
		Short: "obdctl - OBD-II diagnostics over ELM327 adapters",
		Long: `obdctl talks to a vehicle through an ELM327-class adapter over a
serial/RFCOMM stream or Bluetooth Low Energy, speaking UDS on top of
ISO-TP. It supports one-shot reads, adapter discovery, and a
long-running polling service with MQTT/Home Assistant publishing,
a SQLite trip log, and REST/WebSocket status APIs.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./obdctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		newConnectCmd(),
		newReadCmd(),
		newDiscoverCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	return cfg, nil
}

// backendRegistry registers every real connection backend. The mock
// backend is test-only and deliberately absent here.
func backendRegistry() *connection.Registry {
	r := connection.NewRegistry()
	r.Register(stream.NewFactory())
	r.Register(ble.NewFactory())
	return r
}

// decoderRegistry registers every built-in vehicle decoder.
func decoderRegistry() *vehicle.Registry {
	r := vehicle.NewRegistry()
	r.Register(kianiro.New())
	return r
}

// openEngine builds a connection from config, opens it, and runs the
// adapter handshake. The caller owns the returned connection.
func openEngine(ctx context.Context, cfg *config.Config) (connection.Connection, *elm327.Engine, error) {
	conn, err := backendRegistry().Create(cfg.Connection.Connection())
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, nil, err
	}
	eng := elm327.New(conn, logger.Global())
	if err := eng.Initialize(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, eng, nil
}

// newConnectCmd creates the connect command.
func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the configured connection and run the adapter handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			conn, eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			ident, err := eng.SendCommand(ctx, "ATI")
			if err != nil {
				return err
			}
			fmt.Printf("Connected via %s backend\n", cfg.Connection.Type)
			fmt.Printf("Adapter: %s\n", strings.TrimSpace(ident))
			return nil
		},
	}
}

// parseHexArg parses a CLI hex argument with or without an 0x prefix.
func parseHexArg(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return v, nil
}

// newReadCmd creates the read command.
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <target-hex> <did-hex>",
		Short: "One-shot Read Data By Identifier",
		Long: `Send a single UDS Read Data By Identifier request, e.g.:

  obdctl read 7E4 0101`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			target, err := parseHexArg(args[0], 16)
			if err != nil {
				return err
			}
			did, err := parseHexArg(args[1], 16)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			conn, eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			payload, err := uds.New(eng).ReadDataByIdentifier(ctx, uint16(target), uint16(did))
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"target":  fmt.Sprintf("%03X", target),
				"did":     fmt.Sprintf("%04X", did),
				"payload": strings.ToUpper(hex.EncodeToString(payload)),
			}

			// Decode through any registered decoder claiming this target.
			decoders := decoderRegistry()
			for _, name := range decoders.List() {
				dec, derr := decoders.Get(name)
				if derr != nil || dec.TargetCANID() != uint16(target) {
					continue
				}
				if reading, rerr := dec.Decode(uint16(did), payload); rerr == nil {
					out["reading"] = map[string]interface{}{
						"decoder": name,
						"name":    reading.Name,
						"value":   reading.Value,
						"unit":    reading.Unit,
					}
				}
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(out)
			}
			fmt.Printf("Target:  %s\n", out["target"])
			fmt.Printf("DID:     %s\n", out["did"])
			fmt.Printf("Payload: %s\n", out["payload"])
			if reading, ok := out["reading"].(map[string]interface{}); ok {
				fmt.Printf("Decoded: %s = %v %s (%s)\n",
					reading["name"], reading["value"], reading["unit"], reading["decoder"])
			}
			return nil
		},
	}
}

// newDiscoverCmd creates the discover command.
func newDiscoverCmd() *cobra.Command {
	var scanTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan for BLE OBD-II adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), scanTimeout+5*time.Second)
			defer cancel()

			fmt.Printf("Scanning for %s...\n", scanTimeout)
			devices, err := ble.DiscoverOBDDevices(ctx, scanTimeout)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(devices)
			}
			if len(devices) == 0 {
				fmt.Println("No OBD-II adapters found.")
				return nil
			}
			fmt.Printf("%-24s %-20s %s\n", "NAME", "ADDRESS", "RSSI")
			for _, d := range devices {
				fmt.Printf("%-24s %-20s %d\n", d.Name, d.Address, d.RSSI)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "scan duration")
	return cmd
}

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling service with all configured collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			engine, err := core.NewEngine(cfg, backendRegistry(), decoderRegistry())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			err = engine.Start(ctx)
			cancel()
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			fmt.Println("obdctl is running. Press Ctrl+C to stop.")
			<-sigCh
			fmt.Println("\nShutting down...")

			return engine.Stop()
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("obdctl %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
		},
	}
}
