package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rfielding/rustplc"
	"github.com/rfielding/rustplc/config"
	"github.com/rfielding/rustplc/diagnostic"
	"github.com/rfielding/rustplc/verify"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rustplc <file.plc>",
	Short: "Compile and verify a RustPLC source file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (bmc_max_depth, exhaustive_threshold, treat_undeclared_timing_as_warning)")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON instead of textual diagnostics")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging from the verification engines")

	viper.SetEnvPrefix("RUSTPLC")
	viper.AutomaticEnv()
	viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	viper.BindPFlag("json", rootCmd.Flags().Lookup("json"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
}

// errSilentNonZero signals a verification failure to main's exit-code
// handling without cobra re-printing a usage message for what isn't a
// usage error.
var errSilentNonZero = fmt.Errorf("compilation failed")

func runCompile(cmd *cobra.Command, args []string) error {
	runID := uuid.New().String()

	logger, err := newLogger(viper.GetBool("verbose"))
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", runID))

	path := args[0]
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := config.Default()
	if cp := viper.GetString("config"); cp != "" {
		cfg, err = config.LoadFile(cp)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", cp, err)
		}
	}
	cfg.Logger = logger

	logger.Info("compiling", zap.String("file", path))
	report, diags := rustplc.Compile(cfg, string(source), path)

	if viper.GetBool("json") {
		if err := printJSON(report, diags); err != nil {
			return err
		}
	} else {
		printText(report, diags)
	}

	if report == nil || !report.Ok() || hasErrorDiagnostic(diags) {
		return errSilentNonZero
	}
	return nil
}

func hasErrorDiagnostic(diags []diagnostic.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == diagnostic.SeverityError {
			return true
		}
	}
	return false
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

// jsonReport is the stable wire shape spec.md §6 names: the per-engine
// report plus the flattened diagnostic list, since a diagnostic's textual
// rendering (位置:/建议:) is meant for a terminal, not a JSON consumer.
type jsonReport struct {
	Report      *verify.Report `json:"report,omitempty"`
	Diagnostics []jsonDiag     `json:"diagnostics"`
}

type jsonDiag struct {
	Engine     diagnostic.Engine   `json:"engine"`
	Severity   diagnostic.Severity `json:"severity"`
	Summary    string              `json:"summary"`
	Location   diagnostic.Location `json:"location"`
	Tags       []diagnostic.Tag    `json:"tags,omitempty"`
	Suggestion string              `json:"suggestion"`
}

func printJSON(report *verify.Report, diags []diagnostic.Diagnostic) error {
	out := jsonReport{Report: report, Diagnostics: make([]jsonDiag, 0, len(diags))}
	for _, d := range diags {
		out.Diagnostics = append(out.Diagnostics, jsonDiag{
			Engine: d.Engine, Severity: d.Severity, Summary: d.Summary,
			Location: d.Location, Tags: d.Tags, Suggestion: d.Suggestion,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printText(report *verify.Report, diags []diagnostic.Diagnostic) {
	if len(diags) > 0 {
		fmt.Println(diagnostic.RenderAll(diags))
		fmt.Println()
	}
	if report != nil {
		fmt.Printf("safety=%s liveness=%s timing=%s causality=%s\n",
			report.Safety.Level, report.Liveness.Level, report.Timing.Level, report.Causality.Level)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if err != errSilentNonZero {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
