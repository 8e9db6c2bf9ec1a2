package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
	"caseline/internal/server"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantInitCmd())
	cmd.AddCommand(tenantImportCmd())
	cmd.AddCommand(tenantShowCmd())
	cmd.AddCommand(tenantListCmd())
	return cmd
}

func tenantInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <tenant-id>",
		Short: "Print a default tenant config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(args[0]))
			return nil
		},
	}
}

func tenantImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update a tenant from a YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sum, err := app.ImportTenant(ctx, r, cfg, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("imported tenant %s: journeys=%v enabled=%v channels=%v\n", sum.TenantID, sum.Journeys, sum.Enabled, sum.Channels)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "caseline.yml", "tenant config file")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Show a tenant's stored config and channel instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetTenantConfig(ctx, args[0])
				if err != nil {
					return fmt.Errorf("tenant %s: %w", args[0], err)
				}
				channels, err := r.ListChannelInstances(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": cfg, "channels": channels})
				}
				if err := yaml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Instance", "Provider", "Default Journey", "Created"})
				for _, ci := range channels {
					tw.AppendRow(table.Row{ci.ID, ci.Provider, deref(ci.DefaultJourneyID), ci.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func journeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "journey", Short: "Inspect journeys"}
	var tenantID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List journeys visible to a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJourneys(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Scope", "Default", "States", "ID"})
				for _, j := range items {
					scope := "global"
					if j.TenantID != nil {
						scope = *j.TenantID
					}
					tw.AppendRow(table.Row{j.Key, scope, j.DefaultState, strings.Join(j.States, " > "), j.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.AddCommand(list)
	return cmd
}

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "case", Short: "Inspect cases"}
	cmd.AddCommand(caseListCmd())
	cmd.AddCommand(caseShowCmd())
	return cmd
}

func caseListCmd() *cobra.Command {
	var tenantID string
	var f repo.CaseFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCases(ctx, tenantID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "State", "Actor", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.CaseType, c.Status, c.State, deref(c.CreatedByActorID), c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.JourneyID, "journey", "", "journey id filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "creating actor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with fields and pendencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, nil, tenantID, args[0])
				if err != nil {
					return fmt.Errorf("case %s: %w", args[0], err)
				}
				fields, err := r.ListCaseFields(ctx, tenantID, c.ID)
				if err != nil {
					return err
				}
				pendencies, err := r.ListPendencies(ctx, nil, tenantID, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"case": c, "fields": fields, "pendencies": pendencies})
				}
				fmt.Printf("%s  %s  %s/%s  updated %s\n", c.ID, c.CaseType, c.Status, c.State, c.UpdatedAt)
				if len(fields) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Field", "Value"})
					for _, fld := range fields {
						tw.AppendRow(table.Row{fld.Key, fld.ValueJSON})
					}
					tw.Render()
				}
				if len(pendencies) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Pendency", "Role", "Status", "Answer"})
					for _, p := range pendencies {
						tw.AppendRow(table.Row{p.Type, p.AssignedRole, p.Status, deref(p.AnsweredText)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "timeline", Short: "Read case timelines"}
	var tenantID, caseID string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show a case's timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			if err := requireFlag("case", caseID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTimeline(ctx, tenantID, caseID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Actor", "Message"})
				for _, ev := range items {
					actor := ev.ActorType
					if ev.ActorID != nil {
						actor += ":" + *ev.ActorID
					}
					tw.AppendRow(table.Row{ev.OccurredAt, ev.Type, actor, ev.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	tail.Flags().StringVar(&caseID, "case", "", "case id")
	tail.Flags().IntVarP(&n, "n", "n", 50, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect the job queue"}
	var tenantID string
	var f repo.JobFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, tenantID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Status", "Attempts", "Run After", "Last Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.IdempotencyKey, j.Status, j.Attempts, j.RunAfter, deref(j.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	list.Flags().StringVar(&f.Status, "status", "", "pending, running, done or failed")
	list.Flags().StringVar(&f.Type, "type", "", "job type")
	list.Flags().StringVar(&f.CaseID, "case", "", "case id")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max jobs")
	cmd.AddCommand(list)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage tenant API keys"}
	var tenantID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetTenant(ctx, tenantID); err != nil {
					return fmt.Errorf("tenant %s: %w", tenantID, err)
				}
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				key := "cl_" + hex.EncodeToString(buf)
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					TenantID:  tenantID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: repo.Timestamp(time.Now()),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "tenant_id": tenantID, "key": key})
				}
				fmt.Printf("api key %s created for %s\n%s\n", rec.ID, tenantID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	create.Flags().StringVar(&name, "name", "", "label")

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", listTenant); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listTenant)
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
	list.Flags().StringVar(&listTenant, "tenant", "", "tenant id")

	var revokeTenant string
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", revokeTenant); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, revokeTenant, args[0]); err != nil {
					return err
				}
				fmt.Printf("api key %s revoked\n", args[0])
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&revokeTenant, "tenant", "", "tenant id")

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var tenantID, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an employee bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("tenant", tenantID); err != nil {
				return err
			}
			if err := requireFlag("employee", subject); err != nil {
				return err
			}
			token, err := server.MintToken(viper.GetString("jwt-secret"), subject, tenantID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&subject, "employee", "", "employee actor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
