package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7struct/internal/config"
	"github.com/ehr/hl7struct/internal/platform/auth"
	"github.com/ehr/hl7struct/internal/platform/hl7v2"
	"github.com/ehr/hl7struct/internal/platform/hl7v2/schema"
	"github.com/ehr/hl7struct/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hl7-server",
		Short:        "HL7v2 message structure placement server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(placeCmd())
	rootCmd.AddCommand(structuresCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and optional MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func placeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <file>",
		Short: "Place the segments of an ER7 message file into its structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strict, _ := cmd.Flags().GetBool("strict")
			asJSON, _ := cmd.Flags().GetBool("json")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			cfg, logger, err := loadCLI(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			placer, closeFn, err := newPlacer(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()
			if strict {
				placer = placer.Strict()
			}

			msg, err := hl7v2.Parse(raw)
			if err != nil {
				return err
			}
			res, err := placer.Place(msg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res.TreeJSON())
			}

			printTree(out, res.TreeJSON(), 0)
			for _, name := range res.Unplaced {
				fmt.Fprintf(out, "unplaced: %s\n", name)
			}
			if !res.Complete() {
				return fmt.Errorf("%d segment(s) could not be placed in %s", len(res.Unplaced), res.Structure)
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "Report segments without a place instead of adding non-standard slots")
	cmd.Flags().Bool("json", false, "Print the placed structure as JSON")
	return cmd
}

func structuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "structures",
		Short: "List registered message structures and aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadCLI(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			placer, closeFn, err := newPlacer(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			reg := placer.Registry()
			byTarget := make(map[string][]string)
			for alias, target := range reg.Aliases() {
				byTarget[target] = append(byTarget[target], alias)
			}

			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				aliases := byTarget[name]
				if len(aliases) == 0 {
					fmt.Fprintln(out, name)
					continue
				}
				sort.Strings(aliases)
				fmt.Fprintf(out, "%s (%s)\n", name, strings.Join(aliases, ", "))
			}
			return nil
		},
	}
}

// printTree writes one line per placed node, indented by depth. Segments
// show their ER7 fields; non-standard slots are marked with "*".
func printTree(w io.Writer, n hl7v2.TreeNode, depth int) {
	label := n.Name
	if n.Slot != "" {
		label = fmt.Sprintf("%s(%d)", n.Slot, n.Rep)
	}
	if n.Nonstandard {
		label += " *"
	}
	indent := strings.Repeat("  ", depth)
	if n.Kind == "segment" {
		fmt.Fprintf(w, "%s%s %s\n", indent, label, strings.Join(n.Fields, "|"))
		return
	}
	fmt.Fprintf(w, "%s%s\n", indent, label)
	for _, c := range n.Children {
		printTree(w, c, depth+1)
	}
}

// loadCLI loads configuration for the one-shot commands, logging to w.
func loadCLI(w io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	lvl, _ := cfg.Level()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger()
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	lvl, _ := cfg.Level()
	logger := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(lvl).With().Timestamp().Logger()
	}
	return logger
}

// newPlacer builds the schema registry (built-ins plus SCHEMA_DIR) and a
// Placer over it. The returned func releases the registry cache.
func newPlacer(cfg *config.Config, logger zerolog.Logger) (*hl7v2.Placer, func(), error) {
	reg, err := schema.NewDefaultRegistry(cfg.SchemaCacheSize, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.SchemaDir != "" {
		n, err := reg.LoadDir(cfg.SchemaDir)
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		logger.Info().Str("dir", cfg.SchemaDir).Int("structures", n).Msg("loaded schema definitions")
	}
	return hl7v2.NewPlacer(reg, cfg.AllowNonstandard, logger), reg.Close, nil
}

// newServer wires the HTTP API. Authentication is enabled on /api/v1 when a
// signing key is configured.
func newServer(cfg *config.Config, placer *hl7v2.Placer, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.Recovery(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    version,
			"structures": len(placer.Registry().Names()),
		})
	})

	apiV1 := e.Group("/api/v1")
	if cfg.AuthEnabled() {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, /api/v1 is unauthenticated")
	}
	hl7v2.NewHandler(placer, logger).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	placer, closeFn, err := newPlacer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load schemas")
		return err
	}
	defer closeFn()
	logger.Info().Strs("structures", placer.Registry().Names()).Msg("schema registry ready")

	e := newServer(cfg, placer, logger)

	var mllp *hl7v2.MLLPServer
	if cfg.MLLPAddr != "" {
		mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, hl7v2.PlacementHandler(placer, logger), logger)
		if err := mllp.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start MLLP listener")
			return err
		}
		logger.Info().Str("addr", mllp.Addr()).Msg("MLLP listener started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if mllp != nil {
		if err := mllp.Stop(); err != nil {
			logger.Error().Err(err).Msg("MLLP shutdown failed")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
