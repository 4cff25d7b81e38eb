package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/kye/vegsense/internal/anomaly"
	"github.com/kye/vegsense/internal/baseline"
	"github.com/kye/vegsense/internal/models"
	"github.com/kye/vegsense/internal/runner"
	"github.com/kye/vegsense/internal/store"
	"github.com/kye/vegsense/internal/yearfit"
)

type Globals struct {
	DB                 string `help:"Path to the sqlite database." env:"VEGSENSE_DB" default:"data/vegsense.db"`
	Workers            int    `help:"Parallel fitting workers. Keep below core count." env:"VEGSENSE_WORKERS" default:"4"`
	MaxInternalThreads int    `help:"Thread cap for the numeric backend inside each worker." default:"1"`
	CheckpointEvery    int    `help:"Completed units per durable checkpoint flush." default:"50"`
	Partition          string `help:"Work-unit axis." enum:"location,doy" default:"location"`
	Seed               int64  `help:"Seed for posterior draws." default:"1"`
	MetricsAddr        string `help:"Address to serve prometheus metrics on during the run." default:""`
}

var cli struct {
	Globals

	Baseline BaselineCmd `cmd:"" help:"Fit the pooled multi-year climatology."`
	Yearfit  YearfitCmd  `cmd:"" help:"Fit one year's curve against the climatology."`
	Anomaly  AnomalyCmd  `cmd:"" help:"Join baseline and year curves into anomalies."`
	Run      RunCmd      `cmd:"" help:"Baseline (if missing), yearfit, then anomaly."`
	Trend    TrendCmd    `cmd:"" help:"Change-rate anomalies from stored posterior draws."`
}

// partialError carries a completed-with-holes summary up to main, which maps
// it to the dedicated exit code.
type partialError struct {
	sum models.RunSummary
}

func (e *partialError) Error() string {
	return fmt.Sprintf("completed with skipped units: %d insufficient data, %d non-converged",
		e.sum.SkippedInsufficient, e.sum.SkippedNonConverged)
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("vegsense"),
		kong.Description("Vegetation-index drought anomaly fitting engine."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ktx.BindTo(ctx, (*context.Context)(nil))

	if cli.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	err := ktx.Run(&cli.Globals)
	switch {
	case err == nil:
		os.Exit(models.ExitOK)
	case isPartial(err):
		log.Printf("vegsense: %v", err)
		os.Exit(models.ExitPartial)
	default:
		log.Printf("vegsense: fatal: %v", err)
		os.Exit(models.ExitAborted)
	}
}

func isPartial(err error) bool {
	var pe *partialError
	return errors.As(err, &pe)
}

func openStore(g *Globals) (*store.Store, error) {
	st, err := store.Open(g.DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// summaryOutcome converts a finished run's summary into the process result
// and records it in the runs table.
func summaryOutcome(st *store.Store, runID int64, sum models.RunSummary) error {
	outcome := "ok"
	if sum.ExitCode() == models.ExitPartial {
		outcome = "partial"
	}
	if err := st.FinishRun(runID, outcome, sum); err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	if outcome == "partial" {
		return &partialError{sum: sum}
	}
	return nil
}

type BaselineCmd struct {
	StartYear int  `help:"First pooled baseline year."`
	EndYear   int  `help:"Last pooled baseline year."`
	Harmonics int  `help:"Cyclic basis order (location partition)." default:"4"`
	Window    int  `help:"Symmetric DOY half-width (doy partition)." default:"7"`
	Centers   int  `help:"Spatial basis size (doy partition)." default:"16"`
	MinObs    int  `help:"Minimum observations per unit." default:"30"`
	KeepDraws bool `help:"Retain posterior draws for the trend command."`
	Draws     int  `help:"Posterior draws per fit when retained." default:"200"`
	Rebuild   bool `help:"Discard the existing baseline and refit from scratch."`
}

func (c *BaselineCmd) Run(ctx context.Context, g *Globals) error {
	if c.StartYear == 0 || c.EndYear == 0 || c.EndYear < c.StartYear {
		return fmt.Errorf("baseline window required: --start-year and --end-year")
	}
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	obs, err := st.LoadObservations(c.StartYear, c.EndYear)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	locs, err := st.ValidLocations()
	if err != nil {
		return fmt.Errorf("load locations: %w", err)
	}
	if len(obs) == 0 || len(locs) == 0 {
		return fmt.Errorf("%w: no observations in baseline window %d-%d", models.ErrUpstreamDataMissing, c.StartYear, c.EndYear)
	}

	if c.Rebuild {
		if err := st.ClearBaseline(); err != nil {
			return fmt.Errorf("clear baseline: %w", err)
		}
		if err := st.ClearCheckpoints("baseline"); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	}

	draws := 0
	if c.KeepDraws {
		draws = c.Draws
		warnIncoherentDraws(g)
	}
	builder := baseline.New(obs, locs, baseline.Config{
		StartYear: c.StartYear,
		EndYear:   c.EndYear,
		Partition: g.Partition,
		Harmonics: c.Harmonics,
		Window:    c.Window,
		Centers:   c.Centers,
		MinObs:    c.MinObs,
		Draws:     draws,
		Seed:      g.Seed,
		Threads:   g.MaxInternalThreads,
	})

	runID, err := st.BeginRun("baseline", fmt.Sprintf("years=%d-%d partition=%s", c.StartYear, c.EndYear, g.Partition))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	write := func(rows []baseline.Row) error {
		recs := make([]models.BaselineRecord, len(rows))
		for i, r := range rows {
			recs[i] = r.Rec
		}
		if err := st.UpsertBaselineRecords(recs); err != nil {
			return err
		}
		for _, r := range rows {
			if r.Draws == nil {
				continue
			}
			if err := st.SaveDraws(store.DrawKindBaseline, r.Rec.LocationID, 0, r.Rec.DayOfYear, r.Draws); err != nil {
				return err
			}
		}
		return nil
	}

	sum, err := runner.Run(ctx, builder.Units(), st, write, runner.Options{
		Kind:            "baseline",
		Workers:         g.Workers,
		CheckpointEvery: g.CheckpointEvery,
	})
	if err != nil {
		return err
	}

	log.Printf("baseline: %d fitted, %d resumed, %d insufficient, %d non-converged, %d rows",
		sum.UnitsFitted, sum.UnitsResumed, sum.SkippedInsufficient, sum.SkippedNonConverged, sum.RowsWritten)

	// The baseline table is the final artifact and is already durable, so
	// the checkpoint rows can go now that the run row records the outcome.
	outcome := summaryOutcome(st, runID, sum)
	if outcome == nil || isPartial(outcome) {
		if err := st.ClearCheckpoints("baseline"); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	}
	return outcome
}

type YearfitCmd struct {
	Year         int     `help:"Target year."`
	Knots        int     `help:"Spline segments, interior years (location partition)." default:"12"`
	EdgeKnots    int     `help:"Spline segments for first/last coverage years." default:"8"`
	Pad          int     `help:"Edge padding days borrowed from adjacent years." default:"30"`
	Centers      int     `help:"Spatial basis size (doy partition)." default:"16"`
	EdgeCenters  int     `help:"Spatial basis size for edge years." default:"10"`
	TrailingDays int     `help:"Trailing window length (doy partition)." default:"60"`
	MinObs       int     `help:"Minimum observations per unit." default:"10"`
	MinFraction  float64 `help:"Required fraction of locations with data (doy partition)." default:"0.25"`
	KeepDraws    bool    `help:"Retain posterior draws for the trend command."`
	Draws        int     `help:"Posterior draws per fit when retained." default:"200"`
	OnlyMissing  bool    `help:"Resume from checkpoints instead of refitting the year."`
}

func (c *YearfitCmd) Run(ctx context.Context, g *Globals) error {
	if c.Year == 0 {
		return fmt.Errorf("target year required: --year")
	}
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	base, err := st.Baseline()
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	if len(base) == 0 {
		return fmt.Errorf("%w: baseline table is empty, fit it first", models.ErrUpstreamDataMissing)
	}

	first, last, ok, err := st.ObservationYearRange()
	if err != nil {
		return fmt.Errorf("observation year range: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: observation store is empty", models.ErrUpstreamDataMissing)
	}

	// Load the adjacent years too: padding and trailing windows reach into
	// them when they exist.
	obs, err := st.LoadObservations(c.Year-1, c.Year+1)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	locs, err := st.ValidLocations()
	if err != nil {
		return fmt.Errorf("load locations: %w", err)
	}

	kind := fmt.Sprintf("year:%d", c.Year)
	if !c.OnlyMissing {
		if err := st.ClearCheckpoints(kind); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	}

	draws := 0
	if c.KeepDraws {
		draws = c.Draws
		warnIncoherentDraws(g)
	}
	pred := yearfit.New(obs, locs, base, yearfit.Config{
		Year:         c.Year,
		Partition:    g.Partition,
		Knots:        c.Knots,
		EdgeKnots:    c.EdgeKnots,
		Pad:          c.Pad,
		Centers:      c.Centers,
		EdgeCenters:  c.EdgeCenters,
		TrailingDays: c.TrailingDays,
		MinObs:       c.MinObs,
		MinFraction:  c.MinFraction,
		Draws:        draws,
		Seed:         g.Seed,
		Threads:      g.MaxInternalThreads,
		FirstYear:    first,
		LastYear:     last,
	})

	runID, err := st.BeginRun("yearfit", fmt.Sprintf("year=%d partition=%s", c.Year, g.Partition))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	write := func(rows []yearfit.Row) error {
		recs := make([]models.YearRecord, len(rows))
		for i, r := range rows {
			recs[i] = r.Rec
		}
		if err := st.UpsertYearRecords(recs); err != nil {
			return err
		}
		for _, r := range rows {
			if r.Draws == nil {
				continue
			}
			if err := st.SaveDraws(store.DrawKindYear, r.Rec.LocationID, r.Rec.Year, r.Rec.DayOfYear, r.Draws); err != nil {
				return err
			}
		}
		return nil
	}

	sum, err := runner.Run(ctx, pred.Units(), st, write, runner.Options{
		Kind:            kind,
		Workers:         g.Workers,
		CheckpointEvery: g.CheckpointEvery,
	})
	if err != nil {
		return err
	}

	log.Printf("yearfit %d: %d fitted, %d resumed, %d insufficient, %d non-converged, %d rows",
		c.Year, sum.UnitsFitted, sum.UnitsResumed, sum.SkippedInsufficient, sum.SkippedNonConverged, sum.RowsWritten)

	outcome := summaryOutcome(st, runID, sum)
	if outcome == nil || isPartial(outcome) {
		if err := st.ClearCheckpoints(kind); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	}
	return outcome
}

type AnomalyCmd struct {
	Year int `help:"Target year." required:""`
}

func (c *AnomalyCmd) Run(ctx context.Context, g *Globals) error {
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	base, err := st.Baseline()
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	year, err := st.YearRecords(c.Year)
	if err != nil {
		return fmt.Errorf("load year curves: %w", err)
	}
	if len(base) == 0 || len(year) == 0 {
		return fmt.Errorf("%w: baseline or year table missing for %d", models.ErrUpstreamDataMissing, c.Year)
	}

	runID, err := st.BeginRun("anomaly", fmt.Sprintf("year=%d", c.Year))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	recs, stats := anomaly.Join(base, year)
	if err := st.UpsertAnomalyRecords(recs); err != nil {
		return fmt.Errorf("write anomalies: %w", err)
	}

	log.Printf("anomaly %d: %d matched, %d baseline-only dropped, %d year-only dropped",
		c.Year, stats.Matched, stats.DroppedBaseline, stats.DroppedYear)

	sum := models.RunSummary{
		JoinDroppedBaseline: stats.DroppedBaseline,
		JoinDroppedYear:     stats.DroppedYear,
		RowsWritten:         len(recs),
	}
	return summaryOutcome(st, runID, sum)
}

type RunCmd struct {
	Year     int         `help:"Target year." required:""`
	Baseline BaselineCmd `embed:"" prefix:"baseline-"`
	Yearfit  YearfitCmd  `embed:"" prefix:"yearfit-"`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	st, err := openStore(g)
	if err != nil {
		return err
	}
	n, err := st.BaselineCount()
	st.Close()
	if err != nil {
		return fmt.Errorf("baseline count: %w", err)
	}

	var partial *partialError
	if n == 0 {
		if err := c.Baseline.Run(ctx, g); err != nil {
			if !errors.As(err, &partial) {
				return err
			}
		}
	}

	c.Yearfit.Year = c.Year
	if err := c.Yearfit.Run(ctx, g); err != nil {
		if !errors.As(err, &partial) {
			return err
		}
	}

	ac := AnomalyCmd{Year: c.Year}
	if err := ac.Run(ctx, g); err != nil {
		return err
	}

	if partial != nil {
		return partial
	}
	return nil
}

// warnIncoherentDraws flags draw retention under the doy partition, where
// each day is a separate fit and the stored draws are not lag-coherent. The
// trend command needs draws from location-partitioned runs.
func warnIncoherentDraws(g *Globals) {
	if g.Partition == "doy" {
		log.Printf("warning: draws from doy-partitioned fits are independent across days; trend change rates need --partition location")
	}
}

type TrendCmd struct {
	Year int    `help:"Target year (needs draws from location-partitioned fits)." required:""`
	Lags string `help:"Comma-separated lags in days." default:"5,10,15"`
}

func (c *TrendCmd) Run(ctx context.Context, g *Globals) error {
	lags, err := parseLags(c.Lags)
	if err != nil {
		return err
	}

	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	locIDs, err := st.DrawLocations(store.DrawKindYear, c.Year)
	if err != nil {
		return fmt.Errorf("list draw locations: %w", err)
	}
	if len(locIDs) == 0 {
		return fmt.Errorf("%w: no posterior draws for %d; rerun fits with --keep-draws", models.ErrUpstreamDataMissing, c.Year)
	}

	var total int
	for _, id := range locIDs {
		baseDraws, err := st.LoadDraws(store.DrawKindBaseline, id, 0)
		if err != nil {
			return fmt.Errorf("load baseline draws for %d: %w", id, err)
		}
		yearDraws, err := st.LoadDraws(store.DrawKindYear, id, c.Year)
		if err != nil {
			return fmt.Errorf("load year draws for %d: %w", id, err)
		}
		recs := anomaly.ChangeRates(id, baseDraws, yearDraws, anomaly.TrendConfig{Year: c.Year, Lags: lags})
		if len(recs) == 0 {
			continue
		}
		if err := st.UpsertTrendRecords(recs); err != nil {
			return fmt.Errorf("write trend records: %w", err)
		}
		total += len(recs)
	}

	log.Printf("trend %d: %d records across %d locations", c.Year, total, len(locIDs))
	return nil
}

func parseLags(s string) ([]int, error) {
	var lags []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid lag %q", part)
		}
		lags = append(lags, n)
	}
	if len(lags) == 0 {
		return nil, errors.New("no lags given")
	}
	return lags, nil
}
