// BLE Tracker - indoor BLE node localization
// This program collects anchor distance reports, runs a particle filter over
// them and publishes the estimated node position.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/config"
	"ble-tracker/internal/export"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/gps"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/store"
	"ble-tracker/internal/tracker"
	"ble-tracker/internal/transport"
	"ble-tracker/internal/version"
	"ble-tracker/internal/web"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command line flag variables
var (
	cfgFile      string // Configuration file path
	verbose      bool   // Enable verbose logging
	showVersion  bool   // Show version information
	listen       string // UDP address for anchor reports
	samplePort   string // Serial port with raw RSSI samples
	outputPort   string // Serial port for estimate lines
	outputFormat string // node or particles
	websocketAt  string // HTTP address of the websocket feed
	particles    int    // Particle count
	seed         uint64 // RNG seed
	reportScale  string // area or relative
	siteMode     string // nmea, gpsd or manual
	exportDir    string // Track export directory
	database     string // SQLite file for estimates
	plotTrack    bool   // Render a PNG of the track on exit
)

var rootCmd = &cobra.Command{
	Use:   "ble-tracker",
	Short: "Indoor BLE node tracker",
	Long: `BLE Tracker estimates the position of a single BLE node inside a
rectangular area. Fixed anchors range the node from its RSSI and send
"id,distance,x,y" reports; once every anchor has reported, a particle filter
produces a new position estimate.

Example usage:
  ble-tracker --listen :5683
  ble-tracker --sample-port /dev/ttyUSB1 --output-port /dev/ttyUSB2 --output-format particles
  ble-tracker --websocket :8080 --plot`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("BLE Tracker"))
			return
		}
		if err := runTracker(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")

	// Transport
	rootCmd.Flags().StringVarP(&listen, "listen", "l", ":5683", "UDP address for anchor reports (empty disables)")
	rootCmd.Flags().StringVar(&samplePort, "sample-port", "", "serial port delivering raw RSSI samples of the local anchor")
	rootCmd.Flags().StringVarP(&outputPort, "output-port", "p", "", "serial port receiving estimates (default stdout)")
	rootCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "node", "estimate output format (node, particles)")
	rootCmd.Flags().StringVar(&websocketAt, "websocket", "", "HTTP address of the live websocket feed (empty disables)")

	// Filter
	rootCmd.Flags().IntVarP(&particles, "particles", "n", 400, "particle count")
	rootCmd.Flags().Uint64Var(&seed, "seed", 0, "RNG seed (0 for random)")
	rootCmd.Flags().StringVar(&reportScale, "report-scale", "area", "report normalization (area, relative)")

	// Site and export
	rootCmd.Flags().StringVar(&siteMode, "site-mode", "manual", "origin source: nmea, gpsd, or manual")
	rootCmd.Flags().StringVarP(&exportDir, "output", "o", "./tracks", "track export directory")
	rootCmd.Flags().BoolVar(&plotTrack, "plot", false, "render a PNG of the track on exit")
	rootCmd.Flags().StringVar(&database, "db", "", "SQLite file receiving every estimate")

	viper.BindPFlag("transport.listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("transport.sample_port", rootCmd.Flags().Lookup("sample-port"))
	viper.BindPFlag("transport.output_port", rootCmd.Flags().Lookup("output-port"))
	viper.BindPFlag("transport.output_format", rootCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("transport.websocket", rootCmd.Flags().Lookup("websocket"))
	viper.BindPFlag("filter.particles", rootCmd.Flags().Lookup("particles"))
	viper.BindPFlag("filter.seed", rootCmd.Flags().Lookup("seed"))
	viper.BindPFlag("filter.report_scale", rootCmd.Flags().Lookup("report-scale"))
	viper.BindPFlag("site.mode", rootCmd.Flags().Lookup("site-mode"))
	viper.BindPFlag("export.dir", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("export.plot", rootCmd.Flags().Lookup("plot"))
	viper.BindPFlag("export.database", rootCmd.Flags().Lookup("db"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("BLE_TRACKER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, config file and flags
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging redirects the standard logger to the configured file
func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

// runTracker is the main application logic
func runTracker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logFile, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logFile.Close()
	debug := cfg.Logging.Level == "debug"

	if cfg.Transport.Listen == "" && cfg.Transport.SamplePort == "" {
		return fmt.Errorf("no report input: set transport.listen or transport.sample_port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("BLE Tracker starting...\n")
	fmt.Printf("Area: %.2f x %.2f m, %d anchors\n", cfg.Area.Width, cfg.Area.Height, len(cfg.Anchors))
	fmt.Printf("Filter: %d particles, report scale %s\n", cfg.Filter.Particles, cfg.Filter.ReportScale)

	origin, err := gps.ResolveOrigin(ctx, cfg.Site)
	if err != nil {
		return fmt.Errorf("site origin: %w", err)
	}
	fmt.Printf("Origin: %.8f°, %.8f° (%s)\n", origin.Latitude, origin.Longitude, gps.FixQualityString(origin.FixQuality))

	agg, err := aggregator.New(cfg.AnchorList())
	if err != nil {
		return err
	}
	engine, err := particle.NewEngine(cfg.EngineConfig())
	if err != nil {
		return err
	}
	engine.SetDebug(debug)

	var out io.Writer = os.Stdout
	if cfg.Transport.OutputPort != "" {
		port, err := transport.OpenSerial(cfg.Transport.OutputPort, cfg.Transport.OutputBaud)
		if err != nil {
			return err
		}
		defer port.Close()
		out = port
	}
	lines, err := transport.NewLineWriter(out, cfg.Transport.OutputFormat)
	if err != nil {
		return err
	}

	recorder := export.NewRecorder()
	publishers := tracker.MultiPublisher{lines, recorder}

	if cfg.Export.Database != "" {
		db, err := store.Open(cfg.Export.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		publishers = append(publishers, db)
		fmt.Printf("Database: %s\n", cfg.Export.Database)
	}

	var wg sync.WaitGroup
	if cfg.Transport.Websocket != "" {
		hub := web.NewHub()
		publishers = append(publishers, hub)
		server := web.NewServer(cfg.Transport.Websocket, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.Printf("Web: %v", err)
				stop()
			}
		}()
	}

	t, err := tracker.New(agg, engine, publishers, tracker.Options{
		LocalAnchor: cfg.Ranging.LocalAnchor,
		Ranging:     cfg.RangingParams(),
		Particles:   cfg.Transport.OutputFormat == transport.FormatParticles,
	})
	if err != nil {
		return err
	}
	t.SetDebug(debug)
	fmt.Printf("Session: %s\n", t.Session())

	if cfg.Transport.Listen != "" {
		server, err := transport.NewUDPServer(cfg.Transport.Listen, t.HandleRecord)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.Serve(ctx)
			received, dropped := server.Counts()
			log.Printf("UDP: %d records received, %d dropped", received, dropped)
		}()
	}

	if cfg.Transport.SamplePort != "" {
		if cfg.Ranging.LocalAnchor == 0 {
			return fmt.Errorf("sample port %s needs ranging.local_anchor", cfg.Transport.SamplePort)
		}
		port, err := transport.OpenSerial(cfg.Transport.SamplePort, cfg.Transport.SampleBaud)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := transport.ReadSamples(ctx, port, t.HandleSample); err != nil && ctx.Err() == nil {
				log.Printf("Serial: sample reader stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	fmt.Printf("\nReceived interrupt signal, shutting down...\n")
	wg.Wait()
	t.Wait()

	st := t.Stats()
	es := engine.Stats()
	fmt.Printf("Cycles: %d (estimates %d, skipped %d, failed %d), reports %d, rejected %d\n",
		st.Cycles, st.Estimates, st.Skipped, st.Failed, st.Reports, st.Rejected)
	fmt.Printf("Resamples: %d, degenerate resets: %d\n", es.Resamples, es.DegenerateResets)

	return exportTrack(cfg, recorder, origin)
}

// exportTrack writes the recorded track in the configured formats
func exportTrack(cfg *config.Config, rec *export.Recorder, origin gps.Position) error {
	if len(rec.Track()) == 0 {
		fmt.Printf("No estimates recorded, nothing to export.\n")
		return nil
	}
	if !cfg.Export.CSV && !cfg.Export.GeoJSON && !cfg.Export.KML && !cfg.Export.Plot {
		return nil
	}

	anchors := make([]geom.Point, 0, len(cfg.Anchors))
	for _, a := range cfg.AnchorList() {
		anchors = append(anchors, a.Position)
	}
	files, err := export.Export(rec, export.Options{
		Dir:     cfg.Export.Dir,
		GeoJSON: cfg.Export.GeoJSON,
		CSV:     cfg.Export.CSV,
		KML:     cfg.Export.KML,
		Plot:    cfg.Export.Plot,
		Area:    cfg.AreaBounds(),
		Anchors: anchors,
		Origin: export.Origin{
			Latitude:  origin.Latitude,
			Longitude: origin.Longitude,
			Altitude:  origin.Altitude,
			Heading:   cfg.Site.Heading,
		},
	})
	for _, f := range files {
		fmt.Printf("Wrote %s\n", f)
	}
	if err != nil {
		return fmt.Errorf("track export failed: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
