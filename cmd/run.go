package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/queue"
)

var (
	runName     string
	runAddress  string
	runCity     string
	runProvince string
	runPhone    string
	runTaxID    string
	runWebsite  string
	runPEC      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve a single company inline and print the result",
	Long: `Runs the full resolution for one record without touching the store:
no job is journaled and nothing is persisted. The enrichment result is
written to stdout as JSON.`,
	Example: `  enrich-cli run --name "Termoidraulica Rossi S.n.c." --city Bergamo
  enrich-cli run --name "Bianchi Costruzioni Srl" --phone "+39 02 1234567" --tax-id 01234567890`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "company name")
	runCmd.Flags().StringVar(&runAddress, "address", "", "street address")
	runCmd.Flags().StringVar(&runCity, "city", "", "city")
	runCmd.Flags().StringVar(&runProvince, "province", "", "province code, e.g. MI")
	runCmd.Flags().StringVar(&runPhone, "phone", "", "phone number")
	runCmd.Flags().StringVar(&runTaxID, "tax-id", "", "partita IVA, if already known")
	runCmd.Flags().StringVar(&runWebsite, "website", "", "website, if already known")
	runCmd.Flags().StringVar(&runPEC, "pec", "", "certified email, if already known")
	_ = runCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("run"); err != nil {
		return err
	}

	rec := model.CompanyRecord{
		Name:     runName,
		Address:  runAddress,
		City:     runCity,
		Province: strings.ToUpper(strings.TrimSpace(runProvince)),
		Phone:    runPhone,
		TaxID:    runTaxID,
		Website:  runWebsite,
	}
	if runPEC != "" {
		rec.Extra = map[string]string{"pec": runPEC}
	}

	eng, err := buildEngine(nil)
	if err != nil {
		return err
	}

	res, err := eng.Orchestrator.Enrich(ctx, queue.DeriveID(rec), uuid.New().String(), rec)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
