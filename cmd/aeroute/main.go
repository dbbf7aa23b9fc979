// Package main provides the aeroute CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute"
	"github.com/cognicore/aeroute/pkg/aeroute/config"
	"github.com/cognicore/aeroute/pkg/aeroute/events"
	"github.com/cognicore/aeroute/pkg/aeroute/inference"
	"github.com/cognicore/aeroute/pkg/aeroute/learning"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "aeroute",
		Short:        "Rule-based flight route planner with feedback learning",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "aeroute.yaml", "Config file (defaults are used when it does not exist)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before the config")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aeroute v%s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed [file]",
		Short: "Load airports, routes, weather constraints and rules from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeed,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "plan [origin] [destination]",
		Short: "Plan a direct route between two airports",
		Args:  cobra.ExactArgs(2),
		RunE:  runPlan,
	})

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored airports, routes, constraints and rules as a seed file",
		RunE:  runExport,
	}
	exportCmd.Flags().StringP("output", "o", "", "Output file (stdout when empty)")
	rootCmd.AddCommand(exportCmd)

	learnCmd := &cobra.Command{
		Use:   "learn [origin] [destination]",
		Short: "Plan a route and feed its outcome back into the knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE:  runLearn,
	}
	learnCmd.Flags().Bool("failed", false, "Record the route as unsuccessful")
	learnCmd.Flags().StringArray("assert", nil, "Feedback fact asserted for similar routes (name=value, repeatable)")
	learnCmd.Flags().String("comment", "", "Feedback comment")
	rootCmd.AddCommand(learnCmd)

	chainCmd := &cobra.Command{
		Use:   "chain",
		Short: "Run forward chaining over the active rules",
		RunE:  runChain,
	}
	chainCmd.Flags().StringArray("fact", nil, "Initial fact (name=value, repeatable)")
	rootCmd.AddCommand(chainCmd)

	pathCmd := &cobra.Command{
		Use:   "path [origin] [destination]",
		Short: "Find the cheapest multi-leg path over known routes",
		Args:  cobra.ExactArgs(2),
		RunE:  runPath,
	}
	pathCmd.Flags().Float64("time-weight", 0, "Cost added per hour of typical duration")
	rootCmd.AddCommand(pathCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show route, rule and learning metric statistics",
		RunE:  runStats,
	})

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent learning events from the Redis stream",
		RunE:  runEvents,
	}
	eventsCmd.Flags().Int64("count", 20, "Number of events")
	rootCmd.AddCommand(eventsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the environment and configuration and builds a logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, err
	}

	logger, err := aeroute.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// open builds an initialized instance for commands that plan or reason.
func open(cmd *cobra.Command) (context.Context, context.CancelFunc, *aeroute.Aeroute, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a, err := aeroute.Open(ctx, cfg, logger, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if err := a.Init(ctx); err != nil {
		a.Close()
		cancel()
		return nil, nil, nil, fmt.Errorf("initialize: %w", err)
	}
	return ctx, cancel, a, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	seed, err := config.LoadSeed(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := aeroute.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := seed.Apply(ctx, st, cfg.PlannerOptions().AverageSpeed)
	if err != nil {
		return err
	}
	logger.Info("seed applied",
		zap.String("file", args[0]),
		zap.Int("airports", stats.Airports),
		zap.Int("weather_constraints", stats.WeatherConstraints),
		zap.Int("routes", stats.Routes),
		zap.Int("rules", stats.Rules))
	return printJSON(stats)
}

func runExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	st, err := aeroute.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	seed, err := config.Export(ctx, st)
	if err != nil {
		return err
	}
	data, err := seed.Marshal()
	if err != nil {
		return fmt.Errorf("marshal seed: %w", err)
	}
	if output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	logger.Info("seed exported", zap.String("file", output), zap.Int("rules", len(seed.Rules)))
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel, a, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	res, err := a.PlanRoute(ctx, strings.ToUpper(args[0]), strings.ToUpper(args[1]))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runLearn(cmd *cobra.Command, args []string) error {
	failed, _ := cmd.Flags().GetBool("failed")
	asserts, _ := cmd.Flags().GetStringArray("assert")
	comment, _ := cmd.Flags().GetString("comment")

	facts, err := parseFacts(asserts)
	if err != nil {
		return err
	}

	ctx, cancel, a, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	res, err := a.PlanRoute(ctx, strings.ToUpper(args[0]), strings.ToUpper(args[1]))
	if err != nil {
		return err
	}

	var fb *learning.Feedback
	if len(facts) > 0 {
		action := rules.Assert{}
		for name, value := range facts {
			action.Facts = append(action.Facts, rules.Fact{Name: name, Value: value})
		}
		fb = &learning.Feedback{Action: action, Comment: comment}
	}

	if err := a.LearnFromRoute(ctx, res, !failed, fb); err != nil {
		return err
	}
	fmt.Printf("learned from %s-%s (success=%t)\n", res.Origin.IATA, res.Destination.IATA, !failed)
	return nil
}

func runChain(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringArray("fact")
	facts, err := parseFacts(raw)
	if err != nil {
		return err
	}

	ctx, cancel, a, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	res, err := a.RunForwardChain(ctx, facts)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runPath(cmd *cobra.Command, args []string) error {
	weight, _ := cmd.Flags().GetFloat64("time-weight")

	ctx, cancel, a, err := open(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	path, err := a.FindOptimalRoute(ctx, args[0], args[1], &inference.Constraints{TimeWeight: weight})
	if err != nil {
		return err
	}
	if path == nil {
		fmt.Printf("no route connects %s and %s\n", strings.ToUpper(args[0]), strings.ToUpper(args[1]))
		return nil
	}
	return printJSON(path)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	st, err := aeroute.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := st.Summary(ctx)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func runEvents(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt64("count")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Events.RedisURL == "" {
		return fmt.Errorf("events.redis_url is not configured")
	}
	ctx := context.Background()
	stream, err := events.NewRedisStream(ctx, cfg.Events.RedisURL, cfg.Events.Stream, logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	evs, err := stream.Recent(ctx, count)
	if err != nil {
		return err
	}
	return printJSON(evs)
}

// parseFacts reads name=value pairs. Numeric and boolean values are typed;
// anything else stays a string.
func parseFacts(pairs []string) (map[string]any, error) {
	facts := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("fact %q: expected name=value", p)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			facts[name] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			facts[name] = b
		} else {
			facts[name] = value
		}
	}
	return facts, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
