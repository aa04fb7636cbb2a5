package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/migrate"
	"lotline/internal/repo"
	"lotline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lot",
	Short: "Lotline CLI",
	Long: `Lotline tracks carbon credit lots from proof to retirement.
Core concepts:
- Workspace: your .lotline directory with the database; configs live in the DB and are imported explicitly.
- Registry: the issuing body that owns lots, orders, and claims.
- Lots: credit batches that flow draft -> proofed -> pending_verification -> verified -> minted -> listed, then sell down to sold_out or exit via retired/cancelled/expired.
- Proofs: photo, ndvi, and qc evidence attached to a lot; verified proofs feed the proof density index (PDI) that gates listing.
- Orders: purchases against a listed lot; settlement decrements the lot's remaining balance.
- Claims: the 8-step retirement workflow (select, upload, validate, pdf, json, anchor, badge, pack) that ends in a retirement pack.
- Event log: diary of changes, view with 'lot log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("registry", "", "registry id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(lotCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var registryID, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a registry and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(registryID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(registryID))
				reg, err := e.EnsureRegistry(ctx, registryID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(workspace, ".env"), "LOTLINE_DEFAULT_REGISTRY", reg.ID); err != nil {
					return err
				}
				fmt.Printf("Registry %s ready; set LOTLINE_DEFAULT_REGISTRY=%s in %s/.env\n", reg.ID, reg.ID, workspace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&registryID, "registry", "", "registry id")
	cmd.Flags().StringVar(&name, "name", "", "registry name")
	_ = cmd.MarkFlagRequired("registry")
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Manage registries"}
	reg.AddCommand(registryListCmd())
	reg.AddCommand(registryCreateCmd())
	reg.AddCommand(registryShowCmd())
	reg.AddCommand(registryConfigCmd())
	reg.AddCommand(registryUseCmd())
	return reg
}

func registryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRegistries(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func registryCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(id))
				reg, err := e.EnsureRegistry(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(reg)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "registry id")
	cmd.Flags().StringVar(&name, "name", "", "registry name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func registryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("registry")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Registry.ID
				}
				reg, err := e.Repo.GetRegistry(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(reg)
			})
		},
	}
	return cmd
}

func registryUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current registry for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registryID := strings.TrimSpace(args[0])
			if registryID == "" {
				return fmt.Errorf("registry id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "LOTLINE_DEFAULT_REGISTRY", registryID); err != nil {
				return err
			}
			fmt.Printf("Set LOTLINE_DEFAULT_REGISTRY=%s in %s/.env\n", registryID, workspace)
			return nil
		},
	}
	return cmd
}

func registryConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage registry config",
	}
	cfg.AddCommand(registryConfigShowCmd())
	cfg.AddCommand(registryConfigImportCmd())
	return cfg
}

func registryConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show registry config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func registryConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import registry config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			registryID := cfg.Registry.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if registryID == "" {
					registryID = e.Config.Registry.ID
				}
				if err := e.Repo.UpsertRegistryConfig(ctx, registryID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect registry config",
		Long:  "Config is the rulebook (stored in DB): registry id, proof catalog, order defaults, and claim badge policy. Import from lotline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var registryID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registry status",
		Long:  "See the scoreboard for your registry: lot, order, and claim counts by state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registryID = strings.TrimSpace(registryID)
				if registryID == "" {
					registryID = e.Config.Registry.ID
				}
				reg, err := e.Repo.GetRegistry(ctx, registryID)
				if err != nil {
					return err
				}
				lots, err := e.Repo.CountLotsByState(ctx, registryID)
				if err != nil {
					return err
				}
				orders, err := e.Repo.CountOrdersByState(ctx, registryID)
				if err != nil {
					return err
				}
				claims, err := e.Repo.CountClaimsByState(ctx, registryID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"registry_id":  reg.ID,
					"name":         reg.Name,
					"lot_counts":   lots,
					"order_counts": orders,
					"claim_counts": claims,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Registry: %s (%s)\n", reg.ID, reg.Name)
				printCounts("Lots", lots)
				printCounts("Orders", orders)
				printCounts("Claims", claims)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&registryID, "registry", "", "registry id")
	return cmd
}

func printCounts(label string, counts map[string]int) {
	fmt.Printf("%s:\n", label)
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	for state, c := range counts {
		fmt.Printf("  %s: %d\n", state, c)
	}
}

func lotCmd() *cobra.Command {
	lot := &cobra.Command{
		Use:   "lot",
		Short: "Manage lots",
		Long:  "Lots are credit batches. They need verified photo, ndvi, and qc proofs with a PDI of at least 70 before they can be listed for sale.",
	}
	lot.AddCommand(lotCreateCmd())
	lot.AddCommand(lotListCmd())
	lot.AddCommand(lotGetCmd())
	lot.AddCommand(lotTransitionCmd())
	lot.AddCommand(lotPDICmd())
	lot.AddCommand(proofCmd())
	return lot
}

func lotCreateCmd() *cobra.Command {
	var opts engine.LotCreateOptions
	var price float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("price") {
				opts.PricePerTonne = &price
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.RegistryID == "" {
					opts.RegistryID = e.Config.Registry.ID
				}
				l, err := e.CreateLot(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "lot id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.RegistryID, "registry", "", "registry id")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "carbon project id")
	cmd.Flags().IntVar(&opts.VintageYear, "vintage", 0, "vintage year")
	cmd.Flags().Float64Var(&opts.Quantity, "quantity", 0, "quantity in tonnes")
	cmd.Flags().Float64Var(&price, "price", 0, "price per tonne")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("vintage")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func lotListCmd() *cobra.Command {
	var f repo.LotFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.RegistryID == "" {
					f.RegistryID = e.Config.Registry.ID
				}
				lots, err := e.Repo.ListLots(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Vintage", "State", "PDI", "Remaining"})
				for _, l := range lots {
					tw.AppendRow(table.Row{l.ID, l.ProjectID, l.VintageYear, l.State, l.PDI, l.Remaining})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RegistryID, "registry", "", "registry id")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.VintageYear, "vintage", 0, "vintage year filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func lotGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func lotTransitionCmd() *cobra.Command {
	var opts engine.LotTransitionOptions
	var price, saleAmount float64
	var verification string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a lot to a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("price") {
				opts.PricePerTonne = &price
			}
			if cmd.Flags().Changed("sale-amount") {
				opts.FinalSaleAmount = &saleAmount
			}
			if verification != "" {
				m, err := parseJSONObject(verification)
				if err != nil {
					return fmt.Errorf("--verification: %w", err)
				}
				opts.VerificationProof = m
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.TransitionLot(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "target state")
	cmd.Flags().Float64Var(&price, "price", 0, "listing price per tonne")
	cmd.Flags().Float64Var(&saleAmount, "sale-amount", 0, "final sale amount (sold_out)")
	cmd.Flags().StringVar(&verification, "verification", "", "verification proof JSON object")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func lotPDICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdi <id>",
		Short: "Show a lot's proof density index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.LotPDI(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(score)
				}
				fmt.Printf("Lot %s: PDI %d (listable: %v)\n", score.LotID, score.PDI, score.Listable)
				for kind, ok := range score.Categories {
					fmt.Printf("  %s: %v\n", kind, ok)
				}
				return nil
			})
		},
	}
	return cmd
}

func proofCmd() *cobra.Command {
	proof := &cobra.Command{Use: "proof", Short: "Manage lot proofs"}
	proof.AddCommand(proofAddCmd())
	proof.AddCommand(proofListCmd())
	proof.AddCommand(proofVerifyCmd())
	return proof
}

func proofAddCmd() *cobra.Command {
	var opts engine.ProofCreateOptions
	var exif, ndvi, overall float64
	cmd := &cobra.Command{
		Use:   "add <lot-id>",
		Short: "Attach a proof to a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.LotID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("exif-score") {
				opts.ExifValidationScore = &exif
			}
			if cmd.Flags().Changed("ndvi-score") {
				opts.NDVIValidationScore = &ndvi
			}
			if cmd.Flags().Changed("overall-score") {
				opts.OverallQualityScore = &overall
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddProof(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proof id (optional)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "proof type (photo, ndvi, qc)")
	cmd.Flags().StringVar(&opts.URI, "uri", "", "evidence URI")
	cmd.Flags().Float64Var(&exif, "exif-score", 0, "exif validation score [0,1]")
	cmd.Flags().Float64Var(&ndvi, "ndvi-score", 0, "ndvi validation score [0,1]")
	cmd.Flags().Float64Var(&overall, "overall-score", 0, "overall quality score [0,1]")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func proofListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <lot-id>",
		Short: "List a lot's proofs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proofs, err := e.Repo.ListLotProofs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(proofs)
			})
		},
	}
	return cmd
}

func proofVerifyCmd() *cobra.Command {
	var opts engine.ProofVerifyOptions
	var exif, ndvi, overall float64
	cmd := &cobra.Command{
		Use:   "verify <proof-id>",
		Short: "Mark a proof verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("exif-score") {
				opts.ExifValidationScore = &exif
			}
			if cmd.Flags().Changed("ndvi-score") {
				opts.NDVIValidationScore = &ndvi
			}
			if cmd.Flags().Changed("overall-score") {
				opts.OverallQualityScore = &overall
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.VerifyProof(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Float64Var(&exif, "exif-score", 0, "exif validation score [0,1]")
	cmd.Flags().Float64Var(&ndvi, "ndvi-score", 0, "ndvi validation score [0,1]")
	cmd.Flags().Float64Var(&overall, "overall-score", 0, "overall quality score [0,1]")
	return cmd
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Manage orders",
		Long:  "Orders buy from a listed lot. They flow pending -> confirmed -> processing/escrow -> completed; completion settles the lot's remaining balance.",
	}
	order.AddCommand(orderCreateCmd())
	order.AddCommand(orderListCmd())
	order.AddCommand(orderGetCmd())
	order.AddCommand(orderTransitionCmd())
	return order
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	var price float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order against a listed lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.BuyerID == "" {
				opts.BuyerID = opts.ActorID
			}
			if cmd.Flags().Changed("price") {
				opts.PricePerTonne = &price
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "order id (optional)")
	cmd.Flags().StringVar(&opts.LotID, "lot", "", "lot id")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer", "", "buyer id (defaults to actor)")
	cmd.Flags().Float64Var(&opts.Quantity, "quantity", 0, "quantity in tonnes")
	cmd.Flags().Float64Var(&price, "price", 0, "price per tonne (defaults to lot listing price)")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.RegistryID == "" {
					f.RegistryID = e.Config.Registry.ID
				}
				orders, err := e.Repo.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lot", "Buyer", "Quantity", "Price", "State"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.ID, o.LotID, o.BuyerID, o.Quantity, o.PricePerTonne, o.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RegistryID, "registry", "", "registry id")
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.BuyerID, "buyer", "", "buyer filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func orderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderTransitionCmd() *cobra.Command {
	var opts engine.OrderTransitionOptions
	var escrowAmount, refundAmount float64
	var payment, escrowTerms, delivery string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition an order to a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("escrow-amount") {
				opts.EscrowAmount = &escrowAmount
			}
			if cmd.Flags().Changed("refund-amount") {
				opts.RefundAmount = &refundAmount
			}
			var err error
			if opts.PaymentConfirmation, err = optionalJSONObject(payment); err != nil {
				return fmt.Errorf("--payment: %w", err)
			}
			if opts.EscrowTerms, err = optionalJSONObject(escrowTerms); err != nil {
				return fmt.Errorf("--escrow-terms: %w", err)
			}
			if opts.DeliveryConfirmation, err = optionalJSONObject(delivery); err != nil {
				return fmt.Errorf("--delivery: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.TransitionOrder(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "target state")
	cmd.Flags().StringVar(&payment, "payment", "", "payment confirmation JSON object")
	cmd.Flags().Float64Var(&escrowAmount, "escrow-amount", 0, "escrow amount")
	cmd.Flags().StringVar(&escrowTerms, "escrow-terms", "", "escrow terms JSON object")
	cmd.Flags().StringVar(&delivery, "delivery", "", "delivery confirmation JSON object")
	cmd.Flags().Float64Var(&refundAmount, "refund-amount", 0, "refund amount")
	cmd.Flags().StringVar(&opts.RefundReason, "refund-reason", "", "refund reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func claimCmd() *cobra.Command {
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Manage retirement claims",
		Long:  "Claims retire purchased credits through an 8-step workflow: select lot, upload evidence, validate, render PDF and JSON artifacts, anchor, mint an optional badge, and assemble the retirement pack.",
	}
	claim.AddCommand(claimCreateCmd())
	claim.AddCommand(claimListCmd())
	claim.AddCommand(claimGetCmd())
	claim.AddCommand(claimTransitionCmd())
	claim.AddCommand(claimAdvanceCmd())
	claim.AddCommand(claimRegressCmd())
	return claim
}

func claimCreateCmd() *cobra.Command {
	var opts engine.ClaimCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a claim for a completed order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("badge") {
					opts.BadgeRequested = e.Config.Claims.BadgeDefault
				}
				c, err := e.CreateClaim(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "claim id (optional)")
	cmd.Flags().StringVar(&opts.OrderID, "order", "", "completed order id")
	cmd.Flags().BoolVar(&opts.BadgeRequested, "badge", false, "request a badge at step 7")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func claimListCmd() *cobra.Command {
	var f repo.ClaimFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.RegistryID == "" {
					f.RegistryID = e.Config.Registry.ID
				}
				claims, err := e.Repo.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Order", "State", "Step", "Badge"})
				for _, c := range claims {
					badge := ""
					if c.BadgeSerial != nil {
						badge = fmt.Sprint(*c.BadgeSerial)
					}
					tw.AppendRow(table.Row{c.ID, c.OrderID, c.State, c.Step, badge})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RegistryID, "registry", "", "registry id")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order filter")
	cmd.Flags().StringVar(&f.LotID, "lot", "", "lot filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func claimGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimTransitionCmd() *cobra.Command {
	var opts engine.ClaimTransitionOptions
	var claimData, report, certificate string
	var docs []string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a claim to a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			var err error
			if opts.ClaimData, err = optionalJSONObject(claimData); err != nil {
				return fmt.Errorf("--claim-data: %w", err)
			}
			for _, d := range docs {
				m, err := parseJSONObject(d)
				if err != nil {
					return fmt.Errorf("--doc: %w", err)
				}
				opts.SupportingDocuments = append(opts.SupportingDocuments, m)
			}
			if opts.VerificationReport, err = optionalJSONObject(report); err != nil {
				return fmt.Errorf("--report: %w", err)
			}
			if opts.RetirementCertificate, err = optionalJSONObject(certificate); err != nil {
				return fmt.Errorf("--certificate: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.TransitionClaim(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "target state")
	cmd.Flags().StringVar(&claimData, "claim-data", "", "claim data JSON object (submitted)")
	cmd.Flags().StringArrayVar(&docs, "doc", []string{}, "supporting document JSON object (repeatable, submitted)")
	cmd.Flags().StringVar(&report, "report", "", "verification report JSON object (verified)")
	cmd.Flags().StringVar(&opts.ApprovalSignature, "signature", "", "approval signature (approved)")
	cmd.Flags().StringVar(&certificate, "certificate", "", "retirement certificate JSON object (retired)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func claimAdvanceCmd() *cobra.Command {
	var opts engine.ClaimStepOptions
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Perform the claim's current step and move forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("lat") {
				opts.Latitude = &lat
			}
			if cmd.Flags().Changed("lon") {
				opts.Longitude = &lon
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AdvanceClaimStep(ctx, opts)
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.LotID, "lot", "", "lot id (select step)")
	cmd.Flags().StringVar(&opts.ProofType, "proof-type", "", "proof type (upload step)")
	cmd.Flags().IntVar(&opts.FileCount, "files", 0, "evidence file count (upload step)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "evidence description (upload step)")
	cmd.Flags().StringVar(&opts.CaptureDate, "capture-date", "", "capture date YYYY-MM-DD (upload step)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude (photo/ndvi upload)")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude (photo/ndvi upload)")
	return cmd
}

func claimRegressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regress <id>",
		Short: "Step the claim back (early steps only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RegressClaimStep(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return transitionErr(err)
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <kind> <id>",
		Short: "Show an entity's transition history with replay validation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.EntityHistory(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				for _, s := range h.Steps {
					fmt.Printf("%s  %s -> %s  (%s)\n", s.TS, s.FromState, s.ToState, s.ActorID)
				}
				if h.Replay.Valid {
					fmt.Printf("replay OK, final state %s\n", h.Replay.FinalState)
				} else {
					fmt.Printf("replay INVALID at step %d: %s\n", h.Replay.Index, h.Replay.Error)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Registry.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plaintext}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (save it now, it is not stored): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := resolveRegistryAndConfig(cmd.Context(), workspace, viper.GetString("registry"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("LOTLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LOTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Lotline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

// resolveRegistryAndConfig picks the active registry and ensures it and its
// config exist in the DB, seeding defaults if missing. Order of preference:
// explicit override, LOTLINE_DEFAULT_REGISTRY from the workspace .env, then
// single-registry DB.
func resolveRegistryAndConfig(ctx context.Context, workspace, registryOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	registryID := registryOverride
	if registryID == "" {
		registryID = envFileValue(filepath.Join(workspace, ".env"), "LOTLINE_DEFAULT_REGISTRY")
	}
	e := engine.New(r.DB, config.Default(registryID))
	reg, err := e.EnsureRegistry(ctx, registryID, "", actorID)
	if err != nil {
		if registryID == "" {
			return "", nil, fmt.Errorf("registry not specified; use --registry or set LOTLINE_DEFAULT_REGISTRY (lot registry use <id>)")
		}
		return "", nil, err
	}
	cfg, err := r.GetRegistryConfig(ctx, reg.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return "", nil, err
		}
		if cfg == nil {
			cfg = config.Default(reg.ID)
		}
		if err := r.UpsertRegistryConfig(ctx, reg.ID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed registry config: %w", err)
		}
	}
	cfg.Registry.ID = reg.ID
	return reg.ID, cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := resolveRegistryAndConfig(ctx, workspace, viper.GetString("registry"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// transitionErr flattens a structured rejection into a readable CLI error.
func transitionErr(err error) error {
	if te, ok := engine.AsTransitionError(err); ok {
		return fmt.Errorf("transition rejected: %s", te.Rejection.Reason())
	}
	return err
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

func parseJSONObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func optionalJSONObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	return parseJSONObject(s)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func envFileValue(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimSpace(strings.TrimPrefix(line, key+"="))
		}
	}
	return ""
}
