package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"formline/internal/app"
	"formline/internal/config"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/migrate"
	"formline/internal/repo"
	"formline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Formline CLI",
	Long: `Formline sends candidate forms, collects the answers and tracks each candidate as a case.
Core concepts:
- Templates: named lists of fields. Retired templates stay readable but issue no new forms.
- Forms: a template snapshot addressed by an unguessable token; created -> sent -> opened -> completed, or expired once the TTL passes.
- Responses: answers posted on the public form page or picked up from the candidate's email reply.
- Reconciliation: a periodic scan of connected Gmail and Microsoft mailboxes for replies to outstanding forms.
- Cases: one per response, moved through Intake -> Verification -> Searching -> Shortlisted -> Submitted -> Placed, with a 72h SLA.
- Event log: every change is recorded; view it with 'fl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("FORMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

// --- config / migrate / serve ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage formline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default formline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.HTTP.JWTSecret = redact(cfg.HTTP.JWTSecret)
			cfg.Vault.MasterKey = redact(cfg.Vault.MasterKey)
			cfg.SMTP.Password = redact(cfg.SMTP.Password)
			cfg.Redis.Password = redact(cfg.Redis.Password)
			cfg.Providers.Gmail.ClientSecret = redact(cfg.Providers.Gmail.ClientSecret)
			cfg.Providers.Microsoft.ClientSecret = redact(cfg.Providers.Microsoft.ClientSecret)
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				fmt.Printf("Schema at version %d\n", v)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run mailbox reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				fmt.Fprintln(os.Stderr, "warning: FORMLINE_JWT_SECRET is not set; only API keys can authenticate")
			}
			a, err := app.Bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			fmt.Printf("Serving Formline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, cfg.HTTP.BasePath, cfg.HTTP.BasePath)
			return a.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to http.addr)")
	return cmd
}

// --- templates ---

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage form templates"}
	cmd.AddCommand(templateCreateCmd(), templateListCmd(), templateShowCmd(),
		templateActiveCmd("activate", true), templateActiveCmd("retire", false))
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			in, err := engine.ParseTemplateFile(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Created template %s (%d fields)\n", t.ID, len(t.Fields))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template definition file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Fields", "Active", "Used")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Fields), t.Active, t.UsageCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func templateActiveCmd(use string, active bool) *cobra.Command {
	short := "Retire a template"
	if active {
		short = "Reactivate a template"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTemplateActive(ctx, args[0], active, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrLine(t, fmt.Sprintf("Template %s active=%t", t.ID, t.Active))
			})
		},
	}
}

// --- forms ---

func formCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "form", Short: "Issue and track forms"}
	cmd.AddCommand(formIssueCmd(), formListCmd(), formShowCmd(), formSendCmd(), formStatsCmd())
	return cmd
}

func formIssueCmd() *cobra.Command {
	var req engine.IssueRequest
	var provider string
	var send bool
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a form from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Provider = domain.Provider(provider)
			req.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.Issue(ctx, req)
				if err != nil {
					return err
				}
				if send {
					if f, err = a.Dispatcher.Send(ctx, f.Token, f.Provider, req.ActorID); err != nil {
						return err
					}
				}
				return printJSONOrLine(f, fmt.Sprintf("Issued form %s (%s), link %s", f.Token, f.Status, a.Dispatcher.FormLink(f.Token)))
			})
		},
	}
	cmd.Flags().StringVar(&req.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&req.CandidateEmail, "email", "", "candidate email")
	cmd.Flags().StringVar(&req.CandidateName, "name", "", "candidate name")
	cmd.Flags().StringVar(&req.IssuerEmail, "issuer", "", "issuing mailbox address")
	cmd.Flags().StringVar(&provider, "provider", "", "issuing mailbox provider (gmail, microsoft)")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "email subject (defaults to the template subject)")
	cmd.Flags().BoolVar(&send, "send", false, "email the form link right away")
	return cmd
}

func formListCmd() *cobra.Command {
	var f repo.FormFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.FormStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListForms(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Token", "Candidate", "Issuer", "Status", "Expires")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Token, it.CandidateEmail, it.IssuerEmail, it.Status, it.ExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Issuer, "issuer", "", "issuer filter")
	cmd.Flags().StringVar(&f.Candidate, "candidate", "", "candidate email filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func formShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show a form and its response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetForm(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"form": f}
				if f.Status == domain.FormCompleted {
					resp, err := e.GetResponseByToken(ctx, f.Token)
					if err != nil {
						return err
					}
					out["response"] = resp
				}
				return printJSON(out)
			})
		},
	}
}

func formSendCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "send <token>",
		Short: "Email the form link to the candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Dispatcher.Send(ctx, args[0], domain.Provider(provider), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrLine(f, fmt.Sprintf("Sent form %s to %s", f.Token, f.CandidateEmail))
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "record the issuing mailbox provider")
	return cmd
}

func formStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count forms by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.FormCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable("Status", "Forms")
				for _, s := range []domain.FormStatus{domain.FormCreated, domain.FormSent, domain.FormOpened, domain.FormCompleted, domain.FormExpired} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- cases ---

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "case", Short: "Track candidate cases"}
	cmd.AddCommand(caseCreateCmd(), caseListCmd(), caseShowCmd(), caseTransitionCmd(), caseVerifyCmd(), caseNoteCmd(), caseSLACmd())
	return cmd
}

func caseCreateCmd() *cobra.Command {
	var in engine.CaseInput
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case by manual intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			in.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrLine(c, fmt.Sprintf("Opened case %s, SLA deadline %s", c.ID, c.SLADeadline.Format(time.RFC3339)))
			})
		},
	}
	cmd.Flags().StringVar(&in.CandidateName, "name", "", "candidate name")
	cmd.Flags().StringVar(&in.CandidateEmail, "email", "", "candidate email")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or urgent")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases by SLA deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.CaseStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := e.Clock()
				tw := newTable("ID", "Candidate", "Status", "Priority", "SLA deadline", "Breached")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.CandidateName, c.Status, c.Priority, c.SLADeadline.Format(time.RFC3339), c.IsBreached(now)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.BreachedOnly, "breached", false, "only cases past their SLA")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case with its activity and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s  %s <%s>  [%s, %s]\n", c.ID, c.CandidateName, c.CandidateEmail, c.Status, c.Priority)
				tw := newTable("Check", "Verified", "Notes")
				for _, chk := range domain.VerificationChecks {
					st := c.Verification[chk]
					tw.AppendRow(table.Row{chk, st.Verified, st.Notes})
				}
				tw.Render()
				at := newTable("#", "Kind", "From", "To", "Actor", "At")
				for _, a := range c.Activities {
					at.AppendRow(table.Row{a.Seq, a.Kind, a.FromStatus, a.ToStatus, a.Actor, a.CreatedAt.Format(time.RFC3339)})
				}
				at.Render()
				return nil
			})
		},
	}
}

func caseTransitionCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a case to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.TransitionCase(ctx, args[0], domain.CaseStatus(to), viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrLine(c, fmt.Sprintf("Case %s is now %s", c.ID, c.Status))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the activity")
	return cmd
}

func caseVerifyCmd() *cobra.Command {
	var check, notes string
	var failed bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Record a verification check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateVerification(ctx, args[0], domain.VerificationCheck(check), !failed, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrLine(c, fmt.Sprintf("Case %s: %s recorded, status %s", c.ID, check, c.Status))
			})
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "linkedin, education, experience or references")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&failed, "failed", false, "record the check as not verified")
	return cmd
}

func caseNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append a note to a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AddNote(ctx, args[0], viper.GetString("actor-id"), args[1])
				if err != nil {
					return err
				}
				return printJSONOrLine(n, "Added note "+n.ID)
			})
		},
	}
}

func caseSLACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-sla",
		Short: "Flag open cases past their SLA deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CheckSLA(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Flagged %d case(s)\n", n)
				return nil
			})
		},
	}
}

// --- reconcile / credentials ---

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reconcile", Short: "Scan issuer mailboxes for form replies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable("Forms", "Mailboxes", "Matched", "Submitted", "Settled", "Failures", "Skipped", "Duration")
				tw.AppendRow(table.Row{rep.Forms, rep.Mailboxes, rep.Matched, rep.Submitted, rep.Settled, rep.Failures, rep.Skipped, rep.Duration.Round(time.Millisecond)})
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credential", Short: "Manage mailbox OAuth credentials"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connected mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Vault.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Identity", "Provider", "Expiry")
				for _, c := range items {
					tw.AppendRow(table.Row{c.Identity, c.Provider, c.Expiry.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <provider> <identity>",
		Short: "Forget a mailbox credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Vault.Revoke(ctx, args[1], domain.Provider(args[0])); err != nil {
					return err
				}
				fmt.Printf("Revoked %s credential for %s\n", args[0], args[1])
				return nil
			})
		},
	})
	return cmd
}

// --- api keys / tokens ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n%s\nStore it now; it is not shown again.\n", k.ID, k.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Revoked", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return fmt.Errorf("FORMLINE_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.SignToken(cfg.HTTP.JWTSecret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "At", "Type", "Entity", "Actor")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetViper())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, conn, err := app.OpenEngine(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
