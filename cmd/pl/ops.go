package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phaseline/internal/app"
	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/server"
	"phaseline/internal/telemetry"
)

func automationCmd() *cobra.Command {
	auto := &cobra.Command{Use: "automation", Short: "Run the rule engine"}
	auto.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every active rule against every active project once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runner, err := a.Runner()
				if err != nil {
					return err
				}
				report, err := runner.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Rules", "Invalid", "Projects", "Matched", "Claimed", "Skipped", "Succeeded", "Failed", "Took"})
					tw.AppendRow(table.Row{report.Rules, report.InvalidRules, report.Projects, report.Matched, report.Claimed,
						report.Skipped, report.Succeeded, report.Failed, report.Duration.Round(time.Millisecond)})
				})
			})
		},
	})
	return auto
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect phaseline.yml",
		Long:  "phaseline.yml is optional; without it the built-in eight-phase catalog is used.",
	}
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	return cfg
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and its phase catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			c, err := config.FromFile(file)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			cat, err := catalog.FromConfig(c)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			fmt.Printf("%s: ok (%d phases, %s -> %s)\n", file, cat.Len(), cat.First().Key, cat.Last().Key)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config path (defaults to the workspace phaseline.yml)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c.Server.JWTSecret != "" {
				c.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(c)
		},
	}
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "migrations",
		Short: "List applied schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				applied, err := migrate.History(ctx, a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(applied), func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
					for _, m := range applied {
						tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
					}
				})
			})
		},
	})
	return d
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change is recorded: project creation, action completions, phase transitions, rule executions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	var follow bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				latest, err := a.Engine.Repo.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				// oldest first, like a tail
				for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
					latest[i], latest[j] = latest[j], latest[i]
				}
				if !follow {
					return printJSONOrTable(nonNil(latest), eventTable(latest))
				}
				var cursor int64
				for _, ev := range latest {
					printEvent(ev)
					cursor = ev.ID
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := a.Engine.Repo.EventsAfter(ctx, 100, cursor, projectID)
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
					for _, ev := range next {
						cursor = ev.ID
						if evtType != "" && ev.Type != evtType {
							continue
						}
						printEvent(ev)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&every, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func eventTable(items []domain.Event) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "When", "Type", "Project", "Entity", "Actor", "Payload"})
		for _, ev := range items {
			tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ProjectID, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
		}
	}
}

func printEvent(ev domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(ev)
		return
	}
	fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.TS, ev.Type, ev.ProjectID, ev.ActorID, ev.Payload)
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	auth.AddCommand(authTokenCmd())
	return auth
}

func authTokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cmd, c)
			if secret == "" {
				return errors.New("no signing secret: set server.jwt_secret, PHASELINE_JWT_SECRET or --jwt-secret")
			}
			tok, err := server.SignToken(secret, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id carried in the token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable), e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// jwtSecret prefers the --jwt-secret flag, then PHASELINE_JWT_SECRET, then server.jwt_secret.
func jwtSecret(cmd *cobra.Command, c *config.Config) string {
	if f := cmd.Flags().Lookup("jwt-secret"); f != nil && f.Changed {
		return f.Value.String()
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		return v
	}
	return c.Server.JWTSecret
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the automation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			a, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			shutdownTelemetry, err := telemetry.Init(ctx, "phaseline", version)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTelemetry(sctx)
			}()

			// The bus must be in place before the runner and the server capture the engine.
			if err := a.StartBus(ctx); err != nil {
				return err
			}
			var sweeper server.Sweeper
			if a.Config.Automation.IsEnabled() {
				runner, err := a.Runner()
				if err != nil {
					return err
				}
				if err := runner.Start(ctx); err != nil {
					return err
				}
				defer runner.Stop()
				sweeper = runner
			}

			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(cmd, a.Config),
				AllowLegacyActorHeader: a.Config.Server.AllowLegacyActorHeader,
				Logger:                 logger.With("module", "auth"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return errors.New("a JWT secret is required for bearer auth (server.jwt_secret or PHASELINE_JWT_SECRET)")
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Sweeper:  sweeper,
				BasePath: basePath,
				Version:  version,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			logger.Info("serving phaseline api", "addr", addr, "base_path", basePath, "automation", sweeper != nil)
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n",
				displayAddr(addr), basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
