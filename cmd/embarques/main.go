package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"embarques/internal/app"
	"embarques/internal/broker"
	"embarques/internal/config"
	"embarques/internal/db"
	"embarques/internal/domain"
	"embarques/internal/engine"
	"embarques/internal/enrich"
	"embarques/internal/repo"
	"embarques/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "embarques",
	Short: "Embarques CLI",
	Long: `Embarques ingests shipment webhooks from the Orbium logistics partner,
normalizes the payload shapes the partner has shipped over the years, and
tracks each shipment through its status lifecycle
(pending -> in_transit -> customs_hold -> delivered/cancelled).

The workspace holds a .embarques directory with the SQLite database and an
embarques.yml config file. Events are deduplicated by event id, transitions
are validated against the lifecycle, and every change lands in the audit log
('embarques log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EMBARQUES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("env", "production", "environment (development enables console logs)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(shipmentCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver and read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			e := buildEngine(env)
			if strings.TrimSpace(e.Config.Partner.WebhookSecret) == "" {
				return fmt.Errorf("webhook secret is required; set EMBARQUES_WEBHOOK_SECRET or partner.webhook_secret")
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("EMBARQUES_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("EMBARQUES_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: env.Log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Embarques API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show integration status",
		Long:  "Shipment counts per status, the latest audit event id, and whether AI enrichment is on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountShipmentsByStatus(ctx)
				if err != nil {
					return err
				}
				latest, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"partner":         e.Config.Partner.Name,
					"shipment_counts": counts,
					"latest_event_id": latest,
					"ai_enabled":      e.Config.AI.Enabled,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Partner: %s\n", e.Config.Partner.Name)
				fmt.Printf("AI enrichment: %v\n", e.Config.AI.Enabled)
				fmt.Printf("Latest event id: %d\n", latest)
				fmt.Println("Shipments:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func shipmentCmd() *cobra.Command {
	sh := &cobra.Command{
		Use:   "shipment",
		Short: "Inspect shipments",
	}
	sh.AddCommand(shipmentListCmd())
	sh.AddCommand(shipmentShowCmd())
	sh.AddCommand(shipmentHistoryCmd())
	return sh
}

func shipmentListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shipments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListShipments(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Shipment", "Status", "Origin", "Destination", "Version", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ShipmentID, s.Status, s.Origin, s.Destination, s.Version, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func shipmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <shipment-id>",
		Short: "Show shipment state and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetShipment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func shipmentHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <shipment-id>",
		Short: "Show shipment transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ShipmentHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "From", "To", "Event", "TS"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.Seq, h.FromStatus, h.ToStatus, h.EventID, h.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ingestCmd() *cobra.Command {
	var file, eventTimestamp, schemaVersion string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run a raw partner payload through the pipeline",
		Long:  "Reads a JSON payload from --file (or stdin) and processes it exactly as the webhook endpoint would, minus signature verification. Useful for replaying captured deliveries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if file == "" || file == "-" {
				body, err = io.ReadAll(os.Stdin)
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := domain.RawEvent{
					Timestamp:     eventTimestamp,
					SourceVersion: schemaVersion,
					BodyBytes:     body,
				}
				outcome, err := e.ProcessEvent(ctx, raw)
				if err != nil && outcome == "" {
					return err
				}
				out := map[string]string{"outcome": string(outcome)}
				if err != nil {
					out["detail"] = err.Error()
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "payload file (defaults to stdin)")
	cmd.Flags().StringVar(&eventTimestamp, "timestamp", "", "delivery timestamp header value")
	cmd.Flags().StringVar(&schemaVersion, "schema-version", "", "schema version header value")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Every accepted, deduplicated, or rejected delivery leaves a trail here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, shipmentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, 0, shipmentID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&shipmentID, "shipment", "", "shipment id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage read-API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				// The raw key is printed once and only its hash is stored.
				raw := "emb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				k := domain.APIKey{
					ID:        uuid.NewString(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":   k.ID,
					"name": k.Name,
					"key":  raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func openEnv() (*app.Env, error) {
	return app.Open(app.Options{
		Workspace:     viper.GetString("workspace"),
		Environment:   viper.GetString("env"),
		LogLevel:      viper.GetString("log-level"),
		WebhookSecret: os.Getenv("EMBARQUES_WEBHOOK_SECRET"),
	})
}

func buildEngine(env *app.Env) engine.Engine {
	e := engine.New(env.DB, env.Config, env.Log)
	if env.Config.AI.Enabled {
		e.Enricher = enrich.New(env.Config)
	}
	if em := broker.NewEmitter(env.Config); em != nil {
		e.Emitter = em
	}
	return e
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, buildEngine(env))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Repo)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
