package command

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/bootstrap"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

type generateOptions struct {
	Period  string
	Append  bool
	Patient string
	Seed    int64
	DryRun  bool
	Orders  bool
}

var generateParams = generateOptions{}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate medication administration records",
	Long:  "The generate command writes synthetic dose records for the sample catalog over today, the last week, the current month or the last 90 days",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&generateParams.Period, "period", dose.PeriodAll, "Date range: today, week, month or all (last 90 days)")
	f.BoolVar(&generateParams.Append, "append", false, "Keep the patient's existing records instead of replacing them")
	f.StringVar(&generateParams.Patient, "patient", dose.DemoPatientID, "Patient ID the records are written for")
	f.Int64Var(&generateParams.Seed, "seed", 0, "Random seed; 0 uses the current time")
	f.BoolVar(&generateParams.DryRun, "dry-run", false, "Only print what would be written")
	f.BoolVar(&generateParams.Orders, "orders", true, "Create active orders for catalog medications the patient lacks")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc, err := bootstrap.NewTracker(cfg, stores, logger, nil)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	seed := generateParams.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	result, err := generate(ctx, svc, stores.Doses, generateParams, rand.New(rand.NewSource(seed)), loc)
	if err != nil {
		return err
	}
	logger.Info("backfill finished",
		zap.String("patient_id", generateParams.Patient),
		zap.Int("created", result.Report.Created()),
		zap.Int("skipped", result.Report.Skipped()),
		zap.Int64("seed", seed))
	printResult(out, result, generateParams.DryRun)
	return nil
}

type generateResult struct {
	Range         dose.DateRange
	Report        dose.GenerationReport
	Removed       int
	Kept          int
	OrdersCreated int
}

// generate backfills records for opts.Patient ending on the tracker's today.
// Without Append the patient's existing records are removed first; other
// patients are never touched.
func generate(ctx context.Context, svc *tracker.Service, store dose.Store, opts generateOptions, rng *rand.Rand, loc *time.Location) (generateResult, error) {
	var res generateResult
	dates, err := dose.RangeFor(opts.Period, svc.Today())
	if err != nil {
		return res, err
	}
	res.Range = dates
	catalog := dose.DefaultCatalog(opts.Patient)
	patient := catalog[0].PatientID

	if opts.Orders {
		n, err := ensureOrders(ctx, svc, patient, catalog, opts.DryRun)
		if err != nil {
			return res, err
		}
		res.OrdersCreated = n
	}

	all, err := store.Administrations(ctx)
	if err != nil {
		return res, fmt.Errorf("read administrations: %w", err)
	}
	var existing []*r4.MedicationAdministration
	for _, rec := range all {
		if rec.GetPatientID() == patient {
			existing = append(existing, rec)
		}
	}

	if opts.Append {
		res.Kept = len(existing)
	} else {
		res.Removed = len(existing)
		if !opts.DryRun && len(existing) > 0 {
			if _, err := store.RemoveWhere(ctx, func(rec *r4.MedicationAdministration) bool {
				return rec.GetPatientID() == patient
			}); err != nil {
				return res, fmt.Errorf("remove existing records: %w", err)
			}
		}
		existing = nil
	}

	res.Report = dose.Generate(catalog, dates, existing, rng, loc)
	if opts.DryRun || len(res.Report.Records) == 0 {
		return res, nil
	}
	if err := store.Append(ctx, res.Report.Records...); err != nil {
		return res, fmt.Errorf("append records: %w", err)
	}
	svc.Invalidate(patient)
	return res, nil
}

func ensureOrders(ctx context.Context, svc *tracker.Service, patientID string, catalog []dose.CatalogEntry, dryRun bool) (int, error) {
	active, _, err := svc.Medications(ctx, patientID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, entry := range catalog {
		if _, ok := medication.FindByKey(active, entry.Medication().Key); ok {
			continue
		}
		created++
		if dryRun {
			continue
		}
		if _, err := svc.AddOrder(ctx, patientID, tracker.NewOrder{Name: entry.Name, RxNormCode: entry.Code}); err != nil {
			return created, fmt.Errorf("add order %s: %w", entry.Name, err)
		}
	}
	return created, nil
}

func printResult(out io.Writer, res generateResult, dryRun bool) {
	if out == nil {
		out = os.Stdout
	}
	verb := "Wrote"
	if dryRun {
		verb = "Would write"
	}
	fmt.Fprintf(out, "Range %s to %s (%d days)\n", res.Range.Start, res.Range.End, res.Range.Span())
	if res.OrdersCreated > 0 {
		fmt.Fprintf(out, "%d order(s) created\n", res.OrdersCreated)
	}
	fmt.Fprintf(out, "%s %d new record(s); %d existing kept, %d replaced\n",
		verb, res.Report.Created(), res.Kept, res.Removed)
	for _, l := range res.Report.Lines {
		if l.Skipped > 0 {
			fmt.Fprintf(out, "  - %s: %d entries (skipped %d duplicates)\n", l.Medication, l.Created, l.Skipped)
			continue
		}
		fmt.Fprintf(out, "  - %s: %d entries\n", l.Medication, l.Created)
	}
}
