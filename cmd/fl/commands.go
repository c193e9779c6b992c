package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fixline/internal/app"
	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/config"
	"fixline/internal/domain"
	"fixline/internal/repo"
	"fixline/internal/server"
)

func alertCmd() *cobra.Command {
	al := &cobra.Command{Use: "alert", Short: "Submit alerts"}
	var a domain.Alert
	var labels []string
	var run bool
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit an alert to the local workspace",
		Long:  "Routes the alert like the API does. With --run the transaction is driven to the approval gate before returning.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				if a.FiredAt == "" {
					a.FiredAt = domain.Timestamp(ap.Now())
				}
				a.Labels = map[string]string{}
				for _, l := range labels {
					k, v, ok := strings.Cut(l, "=")
					if !ok {
						return fmt.Errorf("label %q must be key=value", l)
					}
					a.Labels[k] = v
				}
				res, err := ap.Engine.Intake(ctx, a)
				if err != nil {
					return err
				}
				if run && !res.Duplicate && !res.Merged {
					if err := ap.Engine.Advance(ctx, res.Transaction.ID); err != nil {
						return err
					}
					if res.Transaction, err = ap.Repo.GetTransaction(ctx, res.Transaction.ID); err != nil {
						return err
					}
				}
				return printJSONOrText(res, func() {
					switch {
					case res.Duplicate:
						fmt.Printf("duplicate alert; transaction %s\n", res.Transaction.ID)
					case res.Merged:
						fmt.Printf("merged into %s [%s]\n", res.Transaction.ID, res.Transaction.State)
					default:
						fmt.Printf("transaction %s [%s]\n", res.Transaction.ID, res.Transaction.State)
					}
				})
			})
		},
	}
	submit.Flags().StringVar(&a.AlertID, "alert-id", "", "alert id")
	submit.Flags().StringVar(&a.ResourceID, "resource-id", "", "affected resource")
	submit.Flags().StringVar(&a.Severity, "severity", "warning", "severity")
	submit.Flags().StringVar(&a.Message, "message", "", "alert message")
	submit.Flags().StringVar(&a.FiredAt, "fired-at", "", "RFC3339 fire time (default now)")
	submit.Flags().StringArrayVar(&labels, "label", nil, "label key=value (repeatable)")
	submit.Flags().BoolVar(&run, "run", false, "advance the transaction before returning")
	_ = submit.MarkFlagRequired("alert-id")
	_ = submit.MarkFlagRequired("message")
	al.AddCommand(submit)
	return al
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Inspect and steer remediation transactions"}
	tx.AddCommand(txListCmd())
	tx.AddCommand(txShowCmd())
	tx.AddCommand(txAuditCmd())
	tx.AddCommand(txVerifyCmd())
	tx.AddCommand(txAdvanceCmd())
	tx.AddCommand(txCancelCmd())
	tx.AddCommand(txRedriveCmd())
	return tx
}

func txListCmd() *cobra.Command {
	var f repo.TransactionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Resource", "State", "Plan", "Started", "Detail"})
					for _, t := range items {
						tw.AppendRow(table.Row{t.ID, t.ResourceID, t.State, t.PlanVersion, t.StartedAt, t.StatusDetail})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "resource filter")
	cmd.Flags().StringVar(&f.AlertID, "alert-id", "", "alert filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func txShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show a transaction with its plan, approval and executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				alerts, err := r.ListAlerts(ctx, t.ID)
				if err != nil {
					return err
				}
				execs, err := r.ListExecutions(ctx, t.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"transaction": t, "alerts": alerts, "executions": execs}
				if ap, err := r.LatestApproval(ctx, t.ID); err == nil {
					out["approval"] = ap
				}
				return printJSON(out)
			})
		},
	}
}

func txAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <transaction-id>",
		Short: "Print the audit trail of a transaction (use \"\" for the shared chain)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListAudit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(records, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Actor", "Payload"})
					for _, rec := range records {
						tw.AppendRow(table.Row{rec.Seq, rec.TS, rec.Type, rec.ActorID, rec.Payload})
					}
					tw.Render()
				})
			})
		},
	}
}

func txVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <transaction-id>",
		Short: "Verify the audit hash chain of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListAudit(ctx, args[0])
				if err != nil {
					return err
				}
				res := audit.Verify(records)
				if err := printJSONOrText(res, func() {
					if res.OK {
						fmt.Printf("chain ok: %d record(s), head %s\n", res.Records, res.Head)
					} else {
						fmt.Printf("chain broken at seq %d: %s\n", res.BrokenAt, res.Reason)
					}
				}); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("audit chain of %s is broken", args[0])
				}
				return nil
			})
		},
	}
}

func txAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <transaction-id>",
		Short: "Drive a transaction until it waits for a human or ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Advance(ctx, args[0]); err != nil {
					return err
				}
				t, err := a.Repo.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(t, func() { fmt.Printf("%s [%s] %s\n", t.ID, t.State, t.StatusDetail) })
			})
		},
	}
}

func txCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <transaction-id>",
		Short: "Cancel a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrText(t, func() { fmt.Printf("%s [%s]\n", t.ID, t.State) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why")
	return cmd
}

func txRedriveCmd() *cobra.Command {
	var reason string
	var run bool
	cmd := &cobra.Command{
		Use:   "redrive <transaction-id>",
		Short: "Restart a terminal transaction from received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Redrive(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if run {
					if err := a.Engine.Advance(ctx, t.ID); err != nil {
						return err
					}
					if t, err = a.Repo.GetTransaction(ctx, t.ID); err != nil {
						return err
					}
				}
				return printJSONOrText(t, func() { fmt.Printf("%s [%s] redrive #%d\n", t.ID, t.State, t.RedriveCount) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why")
	cmd.Flags().BoolVar(&run, "run", false, "advance the transaction before returning")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Decide and sign approvals"}
	ap.AddCommand(approvalDecideCmd())
	ap.AddCommand(approvalSweepCmd())
	ap.AddCommand(approvalSignCmd())
	return ap
}

func approvalDecideCmd() *cobra.Command {
	var in approval.Input
	var decision string
	var run bool
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Approve or reject a pending plan as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.ActorID = viper.GetString("actor-id")
				in.Decision = domain.Decision(decision)
				res, err := a.Engine.Decide(ctx, in)
				if err != nil && !errors.Is(err, domain.ErrAlreadyDecided) {
					return err
				}
				if run && res.Transaction.State == domain.StateApproved {
					if err := a.Engine.Advance(ctx, res.Transaction.ID); err != nil {
						return err
					}
					if res.Transaction, err = a.Repo.GetTransaction(ctx, res.Transaction.ID); err != nil {
						return err
					}
				}
				return printJSONOrText(res, func() {
					fmt.Printf("%s; %s [%s]\n", res.Message, res.Transaction.ID, res.Transaction.State)
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.RequestID, "request-id", "", "approval request id")
	cmd.Flags().StringVar(&in.TransactionID, "transaction-id", "", "transaction id (latest request)")
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().BoolVar(&in.AllowDestructive, "allow-destructive", false, "authorize destructive effects of this plan")
	cmd.Flags().BoolVar(&run, "run", false, "execute the plan before returning when approved")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func approvalSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Time out overdue approval requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"timed_out": n}, func() { fmt.Printf("timed out %d request(s)\n", n) })
			})
		},
	}
}

func approvalSignCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print callback signature headers for a JSON body read from --file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := config.Secret(cfg.Approval.CallbackSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Approval.CallbackSecretEnv)
			}
			var body []byte
			if file == "" || file == "-" {
				body, err = io.ReadAll(os.Stdin)
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			ts, sig, err := approval.Sign([]byte(secret), time.Now(), body)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]string{approval.TimestampHeader: ts, approval.SignatureHeader: sig}, func() {
				fmt.Printf("%s: %s\n%s: %s\n", approval.TimestampHeader, ts, approval.SignatureHeader, sig)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "body file (default stdin)")
	return cmd
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List allowlisted tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reg := a.Schemas.Current()
				defs := reg.Definitions()
				return printJSONOrText(map[string]any{"allowlist_version": reg.Version(), "tools": defs}, func() {
					fmt.Printf("allowlist %s\n", reg.Version())
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Name", "Description"})
					for _, d := range defs {
						tw.AppendRow(table.Row{d.Name, d.Description})
					}
					tw.Render()
				})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.IssueToken(config.Secret(cfg.Auth.JWTSecretEnv), actor, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject (default --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "flk_" + hex.EncodeToString(buf)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: domain.Timestamp(time.Now()),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret}, func() {
					fmt.Printf("id %s for %s\nkey %s\n", key.ID, key.ActorID, secret)
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(keys, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
					for _, key := range keys {
						tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}
