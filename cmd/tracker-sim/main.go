// Tracker Sim - synthetic anchor reports for a walking BLE node
// This program writes "id,distance,x,y" records to a file or sends them to a
// running tracker over UDP.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ble-tracker/internal/config"
	"ble-tracker/internal/sim"
	"ble-tracker/internal/transport"
	"ble-tracker/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string        // Configuration file path
	mode        string        // exact, noisy or rssi
	count       int           // Number of steps, 0 runs until interrupted
	speed       float64       // Meters per step
	distVar     float64       // Noisy mode distance variance
	rssiVar     float64       // RSSI mode variance
	interval    time.Duration // Time between steps
	seed        uint64        // RNG seed
	outputFile  string        // Report file, "-" for stdout
	truthFile   string        // Ground truth file
	sendTo      string        // UDP address of a tracker
	showVersion bool          // Show version information
)

var rootCmd = &cobra.Command{
	Use:   "tracker-sim",
	Short: "Generate anchor reports for a simulated BLE node",
	Long: `Tracker Sim walks a virtual node through the configured area and ranges it
from every anchor. Distances are exact, exact plus Gaussian noise, or derived
from noisy RSSI through the same ranging filter the anchors run.

Example usage:
  tracker-sim --count 500 --mode noisy --output reports.txt --truth truth.txt
  tracker-sim --send 127.0.0.1:5683 --mode rssi --interval 100ms`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Tracker Sim"))
			return
		}
		if err := runSim(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file for area, anchors and ranging")
	rootCmd.Flags().StringVarP(&mode, "mode", "m", "exact", "distance model (exact, noisy, rssi)")
	rootCmd.Flags().IntVarP(&count, "count", "n", 100, "number of steps (0 runs until interrupted)")
	rootCmd.Flags().Float64Var(&speed, "speed", 0.05, "step length in meters")
	rootCmd.Flags().Float64Var(&distVar, "distance-variance", 0.01, "distance noise variance in m² (noisy mode)")
	rootCmd.Flags().Float64Var(&rssiVar, "rssi-variance", 4, "RSSI noise variance in dBm² (rssi mode)")
	rootCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "time between steps")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "RNG seed (0 for random)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "-", "report file (- for stdout)")
	rootCmd.Flags().StringVar(&truthFile, "truth", "", "write the true position of every step as x,y")
	rootCmd.Flags().StringVar(&sendTo, "send", "", "UDP address of a tracker; reports are paced by --interval")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Site.Mode = "manual"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func createOutput(name string) (io.WriteCloser, error) {
	if name == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func runSim() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	walker, err := sim.NewWalker(sim.Config{
		Area:             cfg.AreaBounds(),
		Anchors:          cfg.AnchorList(),
		Mode:             sim.Mode(mode),
		Speed:            speed,
		Turn:             cfg.Filter.OrientationVariance,
		DistanceVariance: distVar,
		RSSIVariance:     rssiVar,
		Ranging:          cfg.RangingParams(),
		Interval:         interval,
		Seed:             seed,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sender *transport.UDPSender
	var reports *bufio.Writer
	if sendTo != "" {
		sender, err = transport.DialUDP(sendTo)
		if err != nil {
			return err
		}
		defer sender.Close()
	} else {
		out, err := createOutput(outputFile)
		if err != nil {
			return err
		}
		defer out.Close()
		reports = bufio.NewWriter(out)
		defer reports.Flush()
	}

	var truth *bufio.Writer
	if truthFile != "" {
		f, err := os.Create(truthFile)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", truthFile, err)
		}
		defer f.Close()
		truth = bufio.NewWriter(f)
		defer truth.Flush()
	}

	var ticker *time.Ticker
	if sender != nil && interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for count == 0 || walker.Steps() < count {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		pos, step := walker.Step()
		records := make([]string, len(step))
		for i, r := range step {
			records[i] = r.String()
		}

		if sender != nil {
			// one datagram per anchor, as the anchors send them
			for _, rec := range records {
				if err := sender.Send(rec); err != nil {
					return fmt.Errorf("failed to send report: %w", err)
				}
			}
		} else {
			for _, rec := range records {
				fmt.Fprintln(reports, rec)
			}
		}
		if truth != nil {
			fmt.Fprintln(truth, pos)
		}
	}

	fmt.Fprintf(os.Stderr, "Simulated %d steps in %s mode\n", walker.Steps(), mode)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
