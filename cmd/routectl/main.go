package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/handlers"
	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
	"github.com/dpup/info.ersn.net/routing/internal/services"
)

var (
	configFile  string
	jsonOutput  bool
	timeout     time.Duration
	offlineOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "routectl",
	Short: "Query the hybrid routing client from the command line",
	Long:  `Snap points, calculate routes, match traces and check traffic using the same providers as the routing server.`,
}

var snapCmd = &cobra.Command{
	Use:   "snap LAT LON",
	Short: "Snap a point to the nearest road",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnap,
}

var routeCmd = &cobra.Command{
	Use:   "route FROM TO",
	Short: "Calculate a route between two lat,lon points",
	Args:  cobra.ExactArgs(2),
	RunE:  runRoute,
}

var matchCmd = &cobra.Command{
	Use:   "match LAT,LON|LAT,LON|...",
	Short: "Match a GPS trace to roads",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

var trafficCmd = &cobra.Command{
	Use:   "traffic FROM TO",
	Short: "Show traffic between two lat,lon points",
	Args:  cobra.ExactArgs(2),
	RunE:  runTraffic,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured provider",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var (
	snapRadius float64
	profile    string
	kmlFile    string
	simplify   float64
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "routing.yaml", "Routing config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Overall request timeout")
	rootCmd.PersistentFlags().BoolVar(&offlineOnly, "offline", false, "Prefer the offline provider")

	snapCmd.Flags().Float64VarP(&snapRadius, "radius", "r", routing.DefaultSnapRadiusMeters, "Snap search radius in meters")
	routeCmd.Flags().StringVarP(&profile, "profile", "p", "", "Routing profile (driving, driving-traffic)")
	routeCmd.Flags().StringVar(&kmlFile, "kml", "", "Also write the route as KML to this file (- for stdout)")
	routeCmd.Flags().Float64Var(&simplify, "simplify", 0, "Simplify the route geometry to this tolerance in meters")

	rootCmd.AddCommand(snapCmd, routeCmd, matchCmd, trafficCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRouter() (*services.HybridRouter, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if offlineOnly {
		cfg.Routing.PreferredProvider = routing.ProviderOffline
	}
	return services.New(&cfg.Routing)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(logging.EnsureLogger(cmd.Context()), timeout)
}

func runSnap(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("bad latitude %q", args[0])
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad longitude %q", args[1])
	}

	router, err := newRouter()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	result, err := router.SnapToRoad(ctx, lat, lon, routing.Options{SnapRadiusMeters: snapRadius})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("Snapped to:  %s\n", result.Location)
	fmt.Printf("Road:        %s\n", orDash(result.RoadName))
	fmt.Printf("Offset:      %s\n", geo.FormatDistance(result.DistanceMeters))
	fmt.Printf("Confidence:  %.2f\n", result.Confidence)
	if result.Heading != nil {
		fmt.Printf("Heading:     %.0f°\n", *result.Heading)
	}
	if result.SpeedLimitKmh > 0 {
		fmt.Printf("Speed limit: %.0f km/h\n", result.SpeedLimitKmh)
	}
	return nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	from, to, err := parsePair(args)
	if err != nil {
		return err
	}

	router, err := newRouter()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	route, err := router.CalculateRoute(ctx, from, to, routing.Options{Profile: routing.Profile(profile)})
	if err != nil {
		return err
	}
	if simplify > 0 {
		route.Geometry = geo.Simplify(route.Geometry, simplify)
	}

	if kmlFile != "" {
		if err := writeKML(route); err != nil {
			return err
		}
		if kmlFile == "-" {
			return nil
		}
	}
	if jsonOutput {
		return printJSON(route)
	}

	fmt.Printf("Route:     %s\n", route.ID)
	fmt.Printf("Distance:  %s\n", geo.FormatDistance(route.DistanceMeters))
	fmt.Printf("Duration:  %s\n", geo.FormatDuration(route.DurationSeconds))
	fmt.Printf("Points:    %d\n", len(route.Geometry))
	for i, wp := range route.Waypoints {
		fmt.Printf("  %d. %s %s (%s)\n", i+1, wp.Location, orDash(wp.Name), geo.FormatDistance(wp.DistanceMeters))
	}
	return nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	coords, err := handlers.ParsePoints(args[0])
	if err != nil {
		return err
	}

	router, err := newRouter()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	result, err := router.MatchToRoads(ctx, coords, routing.Options{})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("Confidence: %.2f\n", result.Confidence)
	for i, p := range result.MatchedCoordinates {
		fmt.Printf("  %d. %s\n", i+1, p)
	}
	if result.Route != nil {
		fmt.Printf("Distance:   %s\n", geo.FormatDistance(result.Route.DistanceMeters))
	}
	return nil
}

func runTraffic(cmd *cobra.Command, args []string) error {
	from, to, err := parsePair(args)
	if err != nil {
		return err
	}

	router, err := newRouter()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	info, err := router.GetTrafficInfo(ctx, from, to)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(info)
	}

	fmt.Printf("Congestion:    %s\n", info.CongestionLevel)
	fmt.Printf("Speed reduced: %.0f%%\n", info.SpeedReductionPercent)
	fmt.Printf("Average speed: %.0f km/h\n", info.AverageSpeedKmh)
	fmt.Printf("Source:        %s\n", info.Source)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	router, err := newRouter()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	health := router.RefreshServiceHealth(ctx)
	if jsonOutput {
		return printJSON(health)
	}
	for _, id := range []routing.ProviderID{routing.ProviderOffline, routing.ProviderRemote, routing.ProviderHybrid} {
		state := "unhealthy"
		if health[id] {
			state = "healthy"
		}
		fmt.Printf("%-8s %s\n", id, state)
	}
	return nil
}

func parsePair(args []string) (geo.Point, geo.Point, error) {
	from, err := handlers.ParsePoint(args[0])
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	to, err := handlers.ParsePoint(args[1])
	if err != nil {
		return geo.Point{}, geo.Point{}, err
	}
	return from, to, nil
}

func writeKML(route *routing.Route) error {
	if kmlFile == "-" {
		return routing.WriteKML(os.Stdout, route)
	}
	f, err := os.Create(kmlFile)
	if err != nil {
		return fmt.Errorf("failed to create KML file: %w", err)
	}
	defer f.Close()
	if err := routing.WriteKML(f, route); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", kmlFile)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
