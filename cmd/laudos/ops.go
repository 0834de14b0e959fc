package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"laudos/internal/access"
	"laudos/internal/app"
	"laudos/internal/config"
	"laudos/internal/domain"
	"laudos/internal/migrate"
	"laudos/internal/repo"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(rt.DB)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(map[string]any{"dialect": rt.Dialect, "version": v})
				}
				fmt.Printf("%s schema at version %d\n", rt.Dialect, v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default laudos.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Auth.JWTSecret == "" {
					rt.Logger.Warn("auth.jwt_secret is empty; only API keys will authenticate")
				}
				handler, err := rt.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: rt.Config.Server.Addr, Handler: handler}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				bg := make(chan error, 1)
				if withWorker {
					go func() { bg <- rt.RunBackground(ctx) }()
				} else {
					bg <- nil
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.WithField("addr", rt.Config.Server.Addr).Infof("serving laudos API under %s (OpenAPI at %s/openapi.json)", rt.Config.Server.BasePath, rt.Config.Server.BasePath)
				serveErr := srv.ListenAndServe()
				cancel()
				bgErr := <-bg
				if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
					return serveErr
				}
				return bgErr
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the sealing workers, reaper and delivery loop")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sealing workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !once {
					return rt.RunBackground(ctx)
				}
				n, err := rt.Pool.Drain(ctx)
				if err != nil {
					return err
				}
				delivered, err := rt.Delivery.RunOnce(ctx)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(map[string]int{"processed": n, "delivered": delivered})
				}
				fmt.Printf("processed %d claims, delivered %d reports\n", n, delivered)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue once and exit")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect the emission queue"}
	var batchID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpQueueRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				items, err := rt.Queue.List(ctx, ac, repo.EntryFilter{BatchID: batchID, Status: domain.EntryStatus(status), Limit: limit})
				if err != nil {
					return err
				}
				return printEntries(items)
			})
		},
	}
	list.Flags().StringVar(&batchID, "batch", "", "batch id filter")
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 50, "max entries")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Requeue claims stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchReprocess, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				if !ac.Global() {
					return access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchReprocess, Reason: "reaping requires platform scope"}
				}
				res, err := rt.Queue.ReapStale(ctx)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(res)
				}
				fmt.Printf("requeued %d, failed %d\n", res.Requeued, res.Failed)
				return nil
			})
		},
	})
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Inspect sealed reports"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show the batch's report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpReportRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				rep, err := rt.Engine.Report(ctx, ac, args[0])
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				size := ""
				if rep.SizeBytes != nil {
					size = fmt.Sprintf("%d", *rep.SizeBytes)
				}
				tw.AppendRows([]table.Row{
					{"Report", rep.ID},
					{"Status", rep.Status},
					{"SHA-256", deref(rep.ContentHash)},
					{"Locator", deref(rep.Locator)},
					{"Size", size},
					{"Issued by", deref(rep.IssuedBy)},
					{"Sealed at", deref(rep.SealedAt)},
					{"Delivered at", deref(rep.DeliveredAt)},
				})
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <batch-id>",
		Short: "Re-hash the stored artifact and compare with the seal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpReportRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				v, err := rt.Sealing.Verify(ctx, ac, args[0])
				if err != nil {
					return err
				}
				if jsonMode() {
					if err := printJSON(v); err != nil {
						return err
					}
				} else if v.Match {
					fmt.Printf("report %s OK (%s)\n", v.ReportID, v.Actual)
				}
				if !v.Match {
					return fmt.Errorf("report %s hash mismatch: sealed %s, stored %s", v.ReportID, v.Expected, v.Actual)
				}
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of batch, assessment and emission transitions.",
	}
	var n int
	var batchID, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				items, err := rt.Engine.ListEvents(ctx, ac, repo.EventFilter{BatchID: batchID, EntityKind: entityKind, EntityID: entityID})
				if err != nil {
					return err
				}
				if len(items) > n {
					items = items[len(items)-n:]
				}
				if jsonMode() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&batchID, "batch", "", "batch id (includes its assessments)")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a JWT for the principal flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				token, err := rt.JWT.Issue(flagPrincipal(), ttl)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(map[string]string{"token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the principal flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				plain, key, err := rt.APIKeys.Create(ctx, flagPrincipal(), name)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(map[string]any{"key": plain, "api_key": key})
				}
				fmt.Printf("api key %s for %s (%s); store it now, it is not shown again:\n%s\n", key.ID, key.PrincipalID, key.Role, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "cli", "key label")
	cmd.AddCommand(create)
	return cmd
}
