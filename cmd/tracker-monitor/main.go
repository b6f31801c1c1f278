// Tracker Monitor - live terminal view of tracker estimates
// This program reads "x,y" or "p,x,y"/"n,x,y" estimate lines from a serial
// port or file and draws the node, its particles and its trail.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ble-tracker/internal/config"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/monitor"
	"ble-tracker/internal/transport"
	"ble-tracker/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const clearScreen = "\033[H\033[2J"

var (
	cfgFile     string // Configuration file path
	portName    string // Serial port with estimate lines
	baudRate    int    // Serial baud rate
	inputFile   string // Estimate file instead of a port
	mapWidth    int    // Map width in characters
	mapHeight   int    // Map height in lines
	trail       int    // Node positions kept on the map
	noClear     bool   // Append frames instead of redrawing
	listPorts   bool   // List serial ports and exit
	showVersion bool   // Show version information
)

var rootCmd = &cobra.Command{
	Use:   "tracker-monitor",
	Short: "Draw tracker estimates as a live ASCII map",
	Long: `Tracker Monitor reads the estimate lines a tracker writes to its output port
and redraws the area after every estimate. Anchors are drawn as 'A', the node
as '@', its recent positions as '*' and particles as '.'.

Example usage:
  tracker-monitor --port /dev/ttyUSB2
  tracker-monitor --input estimates.txt --no-clear
  tracker-monitor --list`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Tracker Monitor"))
			return
		}
		if err := runMonitor(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file for area and anchors")
	rootCmd.Flags().StringVarP(&portName, "port", "p", "", "serial port with estimate lines")
	rootCmd.Flags().IntVarP(&baudRate, "baud", "b", 115200, "serial baud rate")
	rootCmd.Flags().StringVarP(&inputFile, "input", "i", "", "read estimate lines from a file (- for stdin)")
	rootCmd.Flags().IntVar(&mapWidth, "width", 61, "map width in characters")
	rootCmd.Flags().IntVar(&mapHeight, "height", 21, "map height in lines")
	rootCmd.Flags().IntVar(&trail, "trail", 20, "number of past node positions to draw")
	rootCmd.Flags().BoolVar(&noClear, "no-clear", false, "print frames one after another")
	rootCmd.Flags().BoolVar(&listPorts, "list", false, "list serial ports and exit")
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
	return cfg, nil
}

func openInput(ctx context.Context) (io.ReadCloser, error) {
	switch {
	case inputFile == "-":
		return io.NopCloser(os.Stdin), nil
	case inputFile != "":
		f, err := os.Open(inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", inputFile, err)
		}
		return f, nil
	case portName != "":
		port, err := transport.OpenSerial(portName, baudRate)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		return port, nil
	}
	return nil, fmt.Errorf("no input: use --port or --input")
}

func runMonitor() error {
	if listPorts {
		ports, err := transport.ListSerialPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	anchors := make([]geom.Point, 0, len(cfg.Anchors))
	for _, a := range cfg.AnchorList() {
		anchors = append(anchors, a.Position)
	}
	m, err := monitor.NewMap(cfg.AreaBounds(), anchors, mapWidth, mapHeight, trail)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, err := openInput(ctx)
	if err != nil {
		return err
	}
	defer in.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var bad int
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		line, err := transport.ParseLine(text)
		if err != nil {
			// device boot messages share the port
			bad++
			continue
		}
		if !m.Apply(line) {
			continue
		}
		if !noClear {
			out.WriteString(clearScreen)
		}
		if err := m.Render(out); err != nil {
			return err
		}
		out.Flush()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read estimates: %w", err)
	}

	fmt.Fprintf(out, "%d frames, %d unreadable lines\n", m.Frames(), bad)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
