package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aerial-imagery/internal/batch"
	"aerial-imagery/internal/bing"
	"aerial-imagery/internal/geo"
	"aerial-imagery/internal/mosaic"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aerial",
	Short: "Retrieve maximum-resolution aerial imagery for coordinates",
	Long: `aerial downloads the highest-resolution aerial-imagery mosaic available
for a square ground area centered on a geographic coordinate.

For each coordinate it computes a bounding box, searches zoom levels from
finest to coarsest for one that fits, downloads the covering quadkey tiles
and stitches them into a single image. One output image is written per
coordinate, named after it.

Examples:
  # Retrieve a 200m box around one coordinate
  aerial --lat 13.736717 --lon 100.523186 --size 200 --output-dir ./output

  # Retrieve a batch of coordinates from a file (one "lat,lon" per line)
  aerial --coords coords.txt --size 200 --output-dir ./output

  # Crop the mosaic to the exact bounding box and write footprints
  aerial --lat 13.736717 --lon 100.523186 --crop --geojson footprints.geojson

  # Start the HTTP server
  aerial serve --port 8080`,
	RunE: runRetrieve,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.aerial.yaml)")

	// Coordinate options
	rootCmd.Flags().Float64("lat", 0, "center latitude")
	rootCmd.Flags().Float64("lon", 0, "center longitude")
	rootCmd.Flags().String("coords", "", "file with one \"lat,lon\" pair per line")
	rootCmd.Flags().Float64("size", 200, "side length of the square ground area in meters")

	// Output options
	rootCmd.Flags().StringP("output-dir", "o", "./output", "output directory")
	rootCmd.Flags().Bool("crop", false, "crop mosaics to the exact bounding box")
	rootCmd.Flags().String("geojson", "", "write mosaic footprints to this GeoJSON file")

	// Tile source options
	rootCmd.Flags().StringP("url", "u", bing.DefaultBaseURL, "tile URL template with a {quadkey} placeholder")
	rootCmd.Flags().String("user-agent", bing.DefaultUserAgent, "HTTP User-Agent header")
	rootCmd.Flags().Duration("timeout", bing.DefaultTimeout, "per-tile HTTP timeout")
	rootCmd.Flags().Int("cache-size", bing.DefaultCacheSize, "in-memory tile cache capacity (tiles)")

	// Assembly options
	rootCmd.Flags().Int("workers", 1, "concurrent tile downloads per mosaic")
	rootCmd.Flags().Int("max-level", 0, "finest zoom level to try (default: 23)")

	viper.BindPFlag("lat", rootCmd.Flags().Lookup("lat"))
	viper.BindPFlag("lon", rootCmd.Flags().Lookup("lon"))
	viper.BindPFlag("coords", rootCmd.Flags().Lookup("coords"))
	viper.BindPFlag("size", rootCmd.Flags().Lookup("size"))
	viper.BindPFlag("output-dir", rootCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("crop", rootCmd.Flags().Lookup("crop"))
	viper.BindPFlag("geojson", rootCmd.Flags().Lookup("geojson"))
	viper.BindPFlag("url", rootCmd.Flags().Lookup("url"))
	viper.BindPFlag("user-agent", rootCmd.Flags().Lookup("user-agent"))
	viper.BindPFlag("timeout", rootCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("cache-size", rootCmd.Flags().Lookup("cache-size"))
	viper.BindPFlag("workers", rootCmd.Flags().Lookup("workers"))
	viper.BindPFlag("max-level", rootCmd.Flags().Lookup("max-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".aerial" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".aerial")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newAssembler builds the tile client and assembler from viper settings.
func newAssembler() (*mosaic.Assembler, error) {
	client, err := bing.NewClient(bing.Config{
		BaseURL:   viper.GetString("url"),
		UserAgent: viper.GetString("user-agent"),
		Timeout:   viper.GetDuration("timeout"),
		CacheSize: viper.GetInt("cache-size"),
	})
	if err != nil {
		return nil, err
	}

	return mosaic.New(client, client, mosaic.Options{
		MaxLevel: viper.GetInt("max-level"),
		Workers:  viper.GetInt("workers"),
	}), nil
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	coordsFile := viper.GetString("coords")
	lat := viper.GetFloat64("lat")
	lon := viper.GetFloat64("lon")

	var points []geo.Point
	switch {
	case coordsFile != "":
		var err error
		points, err = batch.LoadCoordinates(coordsFile)
		if err != nil {
			return fmt.Errorf("read coordinates: %w", err)
		}
	case cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon"):
		if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
			return fmt.Errorf("single-coordinate mode requires both --lat and --lon")
		}
		points = []geo.Point{{Lat: lat, Lon: lon}}
	default:
		return cmd.Help()
	}

	assembler, err := newAssembler()
	if err != nil {
		return err
	}

	processor := &batch.Processor{
		Assembler:   assembler,
		OutputDir:   viper.GetString("output-dir"),
		SizeMeters:  viper.GetFloat64("size"),
		Crop:        viper.GetBool("crop"),
		GeoJSONPath: viper.GetString("geojson"),
	}

	start := time.Now()
	results, err := processor.Run(cmd.Context(), points)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Retrieved %d mosaic(s) in %s\n", len(results), time.Since(start).Round(time.Millisecond))
	return nil
}
