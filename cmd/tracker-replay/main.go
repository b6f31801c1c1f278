// Tracker Replay - offline particle filter runs over recorded anchor reports
// This program feeds a file of "id,distance,x,y" records through the tracker
// one cycle at a time and exports the resulting track.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/config"
	"ble-tracker/internal/export"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/store"
	"ble-tracker/internal/tracker"
	"ble-tracker/internal/transport"
	"ble-tracker/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string  // Configuration file path
	inputFile   string  // Report file, "-" for stdin
	outputDir   string  // Export directory
	seed        uint64  // RNG seed
	reportScale string  // area or relative
	plotTrack   bool    // Render a PNG of the track
	printLines  bool    // Echo estimates to stdout
	latitude    float64 // Origin latitude
	longitude   float64 // Origin longitude
	heading     float64 // Bearing of the area x axis
	database    string  // SQLite file for estimates
	session     string  // Export a stored session instead of replaying
	sessions    bool    // List stored sessions
	verbose     bool    // Enable verbose logging
	showVersion bool    // Show version information
)

var rootCmd = &cobra.Command{
	Use:   "tracker-replay",
	Short: "Replay recorded anchor reports through the particle filter",
	Long: `Tracker Replay runs a recorded report file through the same aggregator and
particle filter as the live tracker. Every completed cycle is estimated before
the next record is read, so no cycle is skipped and a fixed seed reproduces the
track exactly.

Example usage:
  tracker-replay --input reports.txt --seed 1 --plot
  tracker-sim --count 200 | tracker-replay --input - --output ./replay
  tracker-replay --db tracks.db --sessions
  tracker-replay --db tracks.db --session 3f2c... --plot`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionInfo("Tracker Replay"))
			return
		}
		if err := runReplay(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file for area, anchors and filter")
	rootCmd.Flags().StringVarP(&inputFile, "input", "i", "-", "report file (- for stdin)")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "./tracks", "export directory")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "RNG seed (0 for random)")
	rootCmd.Flags().StringVar(&reportScale, "report-scale", "area", "report normalization (area, relative)")
	rootCmd.Flags().BoolVar(&plotTrack, "plot", false, "render a PNG of the track")
	rootCmd.Flags().BoolVar(&printLines, "print", false, "print every estimate as x,y")
	rootCmd.Flags().Float64Var(&latitude, "latitude", 0, "origin latitude in decimal degrees")
	rootCmd.Flags().Float64Var(&longitude, "longitude", 0, "origin longitude in decimal degrees")
	rootCmd.Flags().Float64Var(&heading, "heading", 0, "bearing of the area x axis in degrees")
	rootCmd.Flags().StringVar(&database, "db", "", "SQLite file; replayed estimates are stored in it")
	rootCmd.Flags().StringVar(&session, "session", "", "export a session stored in --db instead of replaying")
	rootCmd.Flags().BoolVar(&sessions, "sessions", false, "list the sessions stored in --db")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	viper.BindPFlag("filter.seed", rootCmd.Flags().Lookup("seed"))
	viper.BindPFlag("filter.report_scale", rootCmd.Flags().Lookup("report-scale"))
	viper.BindPFlag("export.dir", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("export.plot", rootCmd.Flags().Lookup("plot"))
	viper.BindPFlag("site.latitude", rootCmd.Flags().Lookup("latitude"))
	viper.BindPFlag("site.longitude", rootCmd.Flags().Lookup("longitude"))
	viper.BindPFlag("site.heading", rootCmd.Flags().Lookup("heading"))
	viper.BindPFlag("export.database", rootCmd.Flags().Lookup("db"))
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
	// replay never touches GPS hardware
	cfg.Site.Mode = "manual"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %w", err)
	}
	return f, nil
}

func runReplay() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var db *store.Store
	if cfg.Export.Database != "" {
		db, err = store.Open(cfg.Export.Database)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	if sessions || session != "" {
		if db == nil {
			return fmt.Errorf("--session and --sessions need --db")
		}
		if sessions {
			return listSessions(db)
		}
		track, err := db.Track(session)
		if err != nil {
			return err
		}
		return exportTrack(cfg, session, track)
	}

	agg, err := aggregator.New(cfg.AnchorList())
	if err != nil {
		return err
	}
	engine, err := particle.NewEngine(cfg.EngineConfig())
	if err != nil {
		return err
	}
	engine.SetDebug(verbose)

	recorder := export.NewRecorder()
	publishers := tracker.MultiPublisher{recorder}
	if db != nil {
		publishers = append(publishers, db)
	}
	if printLines {
		lines, err := transport.NewLineWriter(os.Stdout, transport.FormatNode)
		if err != nil {
			return err
		}
		publishers = append(publishers, lines)
	}

	// raw samples have no meaning offline
	t, err := tracker.New(agg, engine, publishers, tracker.Options{})
	if err != nil {
		return err
	}
	t.SetDebug(verbose)

	in, err := openInput(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	fmt.Fprintf(os.Stderr, "Replaying %s (session %s, %d particles, seed %d)\n",
		inputFile, t.Session(), cfg.Filter.Particles, cfg.Filter.Seed)

	err = transport.ReadRecords(context.Background(), in, func(line string) error {
		defer t.Wait()
		return t.HandleRecord(line)
	})
	if err != nil {
		return fmt.Errorf("failed to read reports: %w", err)
	}
	t.Wait()

	st := t.Stats()
	es := engine.Stats()
	fmt.Fprintf(os.Stderr, "Reports: %d accepted, %d rejected\n", st.Reports, st.Rejected)
	fmt.Fprintf(os.Stderr, "Cycles: %d, estimates: %d, failed: %d\n", st.Cycles, st.Estimates, st.Failed)
	fmt.Fprintf(os.Stderr, "Resamples: %d, degenerate resets: %d\n", es.Resamples, es.DegenerateResets)
	if last, ok := engine.Estimate(); ok {
		fmt.Fprintf(os.Stderr, "Final estimate: %s\n", last)
	}

	if st.Estimates == 0 {
		return fmt.Errorf("no complete cycle in %s", inputFile)
	}

	return exportTrack(cfg, recorder.Session(), recorder.Track())
}

func listSessions(db *store.Store) error {
	list, err := db.Sessions()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions stored")
		return nil
	}
	fmt.Printf("%-36s  %9s  %-20s  %s\n", "SESSION", "ESTIMATES", "FIRST", "DURATION")
	for _, ss := range list {
		fmt.Printf("%-36s  %9d  %-20s  %s\n", ss.ID, ss.Estimates,
			ss.First.Format("2006-01-02 15:04:05"), ss.Last.Sub(ss.First).Round(time.Millisecond))
	}
	return nil
}

// exportTrack writes a track in the configured formats
func exportTrack(cfg *config.Config, session string, track []export.Point) error {
	anchors := make([]geom.Point, 0, len(cfg.Anchors))
	for _, a := range cfg.AnchorList() {
		anchors = append(anchors, a.Position)
	}
	files, err := export.ExportTrack(session, track, export.Options{
		Dir:     cfg.Export.Dir,
		GeoJSON: cfg.Export.GeoJSON,
		CSV:     cfg.Export.CSV,
		KML:     cfg.Export.KML,
		Plot:    cfg.Export.Plot,
		Area:    cfg.AreaBounds(),
		Anchors: anchors,
		Origin: export.Origin{
			Latitude:  cfg.Site.Latitude,
			Longitude: cfg.Site.Longitude,
			Altitude:  cfg.Site.Altitude,
			Heading:   cfg.Site.Heading,
		},
	})
	for _, f := range files {
		fmt.Fprintf(os.Stderr, "Wrote %s\n", f)
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
