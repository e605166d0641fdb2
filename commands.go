package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stravapower/internal/analysis"
	"stravapower/internal/config"
	"stravapower/internal/errs"
	"stravapower/internal/service"
	"stravapower/internal/store"
	"stravapower/internal/strava"
)

const dateLayout = "2006-01-02"

func newRootCommand(app *appContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "stravapower",
		Short:         "Sync Strava rides and track power and training load",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipApp(cmd) {
				return nil
			}
			return app.ensureApp(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&app.configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Override log.level")

	rootCmd.AddCommand(
		newInitCommand(),
		newSyncCommand(app),
		newActivitiesCommand(app),
		newStreamsCommand(app),
		newSegmentsCommand(app),
		newTrainingCommand(app),
		newFTPCommand(app),
		newJobsCommand(app),
		newTokenCommand(app),
		newStatusCommand(app),
	)
	return rootCmd
}

func shouldSkipApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "init", "help", "completion":
			return true
		}
	}
	return false
}

// passFlags are shared by the sync commands
type passFlags struct {
	afterDate      string
	name           string
	limit          int
	updateTraining bool
	jobID          string
}

func (f *passFlags) bind(cmd *cobra.Command, candidates, training bool) {
	cmd.Flags().StringVar(&f.afterDate, "after-date", "", "Only activities starting on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "Record the run under this job id")
	if candidates {
		cmd.Flags().StringVar(&f.name, "name", "", "Only activities whose name contains this text")
		cmd.Flags().IntVar(&f.limit, "limit", 0, "Process at most this many activities (0 for all)")
	}
	if training {
		cmd.Flags().BoolVar(&f.updateTraining, "update-training", false, "Recompute training load afterwards")
	}
}

func (f *passFlags) request() (service.SyncRequest, error) {
	after, err := parseDate(f.afterDate)
	if err != nil {
		return service.SyncRequest{}, fmt.Errorf("--after-date: %w", err)
	}
	if f.limit < 0 {
		return service.SyncRequest{}, fmt.Errorf("--limit must not be negative")
	}
	return service.SyncRequest{
		JobID: f.jobID,
		After: after,
		Filter: store.CandidateFilter{
			NameContains: f.name,
			After:        after,
			Limit:        f.limit,
		},
		UpdateTraining: f.updateTraining,
	}, nil
}

type syncFunc func(ctx context.Context, req service.SyncRequest) (*service.SyncResult, error)

func runSync(cmd *cobra.Command, flags *passFlags, fn syncFunc) error {
	req, err := flags.request()
	if err != nil {
		return err
	}
	res, err := fn(cmd.Context(), req)
	if res != nil {
		printSyncResult(cmd.OutOrStdout(), res)
	}
	return err
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateExample()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", path)
			fmt.Fprintln(out, "Add your Strava API credentials and a refresh token.")
			fmt.Fprintln(out, "Get them from: https://www.strava.com/settings/api")
			return nil
		},
	}
}

func newSyncCommand(app *appContext) *cobra.Command {
	var flags passFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Load new activities, then streams and segments, then training load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, &flags, app.sync.SyncAll)
		},
	}
	flags.bind(cmd, true, false)
	return cmd
}

func newActivitiesCommand(app *appContext) *cobra.Command {
	var flags passFlags
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Load activity summaries not stored yet",
		Long: "Load activity summaries not stored yet. Without --after-date the pass\n" +
			"resumes from the start of the last successful activity sync.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, &flags, app.sync.SyncActivities)
		},
	}
	flags.bind(cmd, false, true)
	return cmd
}

func newStreamsCommand(app *appContext) *cobra.Command {
	var flags passFlags
	cmd := &cobra.Command{
		Use:   "streams",
		Short: "Fetch power streams and compute power metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, &flags, app.sync.SyncStreams)
		},
	}
	flags.bind(cmd, true, true)
	return cmd
}

func newSegmentsCommand(app *appContext) *cobra.Command {
	var flags passFlags
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "Fetch segment efforts for activities without them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, &flags, app.sync.SyncSegments)
		},
	}
	flags.bind(cmd, true, true)
	return cmd
}

func newTrainingCommand(app *appContext) *cobra.Command {
	var flags passFlags
	var days int
	cmd := &cobra.Command{
		Use:   "training",
		Short: "Recompute daily TSS, fitness, fatigue and form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runSync(cmd, &flags, app.sync.SyncTrainingLoad); err != nil {
				return err
			}
			since := time.Now().UTC().AddDate(0, 0, -days)
			rows, err := app.db.ListTrainingLoad(cmd.Context(), since, 0)
			if err != nil {
				return err
			}
			printTrainingLoad(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.jobID, "job-id", "", "Record the run under this job id")
	cmd.Flags().IntVar(&days, "days", 14, "Show this many recent days")
	return cmd
}

func newFTPCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ftp",
		Short: "Manage the FTP history",
	}

	importCmd := &cobra.Command{
		Use:   "import <csv>",
		Short: "Import FTP records from a \"<watts> W,<dd-Mon-yy>\" file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.jobs.Run(cmd.Context(), service.JobFTPImport, "", func(ctx context.Context, j *store.Job) (string, error) {
				f, err := os.Open(args[0])
				if err != nil {
					return "", err
				}
				defer f.Close()

				records, err := analysis.ParseFTPCSV(f)
				if err != nil {
					return "", err
				}
				n, err := service.ImportFTP(ctx, app.db, records)
				msg := fmt.Sprintf("imported %d of %d FTP records", n, len(records))
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), msg)
				}
				return msg, err
			})
			return err
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <YYYY-MM-DD> <watts>",
		Short: "Set the FTP in effect from a date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(args[0])
			if err != nil {
				return err
			}
			watts, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(args[1]), "W"), 64)
			if err != nil || watts <= 0 {
				return fmt.Errorf("invalid FTP %q", args[1])
			}
			_, err = service.ImportFTP(cmd.Context(), app.db, []store.FTPRecord{{Date: date, FTP: watts}})
			return err
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the FTP history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := app.db.FTPHistory(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{r.Date.Format(dateLayout), fmt.Sprintf("%.0f W", r.FTP)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"From", "FTP"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}

	cmd.AddCommand(importCmd, setCmd, listCmd)
	return cmd
}

func newJobsCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect recorded runs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := app.jobs.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{j.ID, j.Type, jobOutcome(&j), humanize.Time(j.StartTime), jobDuration(&j)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Type", "Result", "Started", "Took"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to show")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := app.jobs.Status(cmd.Context(), args[0])
			if errs.Is(err, errs.KindNotFound) {
				return fmt.Errorf("no job with id %q", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", j.ID)
			fmt.Fprintf(out, "Type:     %s\n", j.Type)
			fmt.Fprintf(out, "Status:   %s\n", jobOutcome(j))
			fmt.Fprintf(out, "Started:  %s (%s)\n", j.StartTime.Local().Format(time.RFC1123), humanize.Time(j.StartTime))
			fmt.Fprintf(out, "Took:     %s\n", jobDuration(j))
			fmt.Fprintf(out, "Progress: %s\n", j.Progress)
			fmt.Fprintf(out, "Message:  %s\n", j.Message)
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func newTokenCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored Strava token",
	}

	setCmd := &cobra.Command{
		Use:   "set <refresh-token>",
		Short: "Replace the stored token; the next request refreshes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := strings.TrimSpace(args[0])
			if rt == "" {
				return fmt.Errorf("refresh token is empty")
			}
			return app.db.SaveAuth(cmd.Context(), &store.Auth{RefreshToken: rt})
		},
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.creds.AccessToken(cmd.Context(), true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), app.creds.String())
			return nil
		},
	}

	cmd.AddCommand(setCmd, refreshCmd)
	return cmd
}

func newStatusCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is stored and what is still pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db := app.db

			activities, err := db.CountActivities(ctx)
			if err != nil {
				return err
			}
			segments, err := db.CountSegments(ctx)
			if err != nil {
				return err
			}
			needPower, err := db.ActivitiesNeedingPower(ctx, store.CandidateFilter{})
			if err != nil {
				return err
			}
			needSegments, err := db.ActivitiesNeedingSegments(ctx, store.CandidateFilter{})
			if err != nil {
				return err
			}
			lastSync, err := db.LastActivitySync(ctx)
			if err != nil {
				return err
			}
			cfg, err := app.ensureConfig()
			if err != nil {
				return err
			}
			ftp, hasFTP, err := db.FTPAt(ctx, time.Now())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database:        %s\n", db.Path())
			fmt.Fprintf(out, "Token:           %s\n", app.creds)
			fmt.Fprintf(out, "Activities:      %s\n", humanize.Comma(int64(activities)))
			fmt.Fprintf(out, "Segments:        %s\n", humanize.Comma(int64(segments)))
			fmt.Fprintf(out, "Missing power:   %s\n", humanize.Comma(int64(len(needPower))))
			fmt.Fprintf(out, "Missing efforts: %s\n", humanize.Comma(int64(len(needSegments))))
			fmt.Fprintf(out, "FTP:             %s\n", ftpCell(ftp, hasFTP, cfg.Training.DefaultFTP))
			if lastSync.IsZero() {
				fmt.Fprintln(out, "Last sync:       never")
			} else {
				fmt.Fprintf(out, "Last sync:       %s\n", humanize.Time(lastSync))
			}

			latest, err := db.LatestTrainingLoad(ctx)
			if err != nil {
				return err
			}
			if latest != nil {
				fmt.Fprintf(out, "\nOn %s: fitness %.1f, fatigue %.1f, form %.1f (%s)\n",
					latest.Date.Format(dateLayout), latest.CTL, latest.ATL, latest.TSB,
					analysis.FormDescription(latest.TSB))
			}
			return nil
		},
	}
}

func printSyncResult(w io.Writer, res *service.SyncResult) {
	if res.Job != nil {
		fmt.Fprintf(w, "Job %s\n", res.Job.ID)
	}
	if res.Activities != nil {
		fmt.Fprintf(w, "  Activities: %s\n", res.Activities)
	}
	if res.Streams != nil {
		fmt.Fprintf(w, "  Streams:    %s\n", res.Streams)
	}
	if res.Segments != nil {
		fmt.Fprintf(w, "  Segments:   %s\n", res.Segments)
	}
	if res.Training != nil {
		fmt.Fprintf(w, "  Training:   %s\n", res.Training)
	}

	u := res.Usage
	if u.Overall.Daily.Used == 0 && u.Read.Daily.Used == 0 {
		return
	}
	fmt.Fprint(w, renderTable(
		[]string{"Quota", "15 min", "Daily"},
		[][]string{
			{"overall", quotaCell(u.Overall.Short), quotaCell(u.Overall.Daily)},
			{"read", quotaCell(u.Read.Short), quotaCell(u.Read.Daily)},
		},
		[]columnAlignment{alignLeft, alignRight, alignRight},
	))
}

func printTrainingLoad(w io.Writer, rows []store.TrainingLoad) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No training load in range")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Date.Format(dateLayout),
			fmt.Sprintf("%.0f", r.TSS),
			fmt.Sprintf("%.1f", r.CTL),
			fmt.Sprintf("%.1f", r.ATL),
			fmt.Sprintf("%+.1f", r.TSB),
			analysis.FormDescription(r.TSB),
		})
	}
	fmt.Fprint(w, renderTable(
		[]string{"Date", "TSS", "Fitness", "Fatigue", "Form", ""},
		out,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}

func quotaCell(w strava.Window) string {
	return fmt.Sprintf("%s / %s", humanize.Comma(int64(w.Used)), humanize.Comma(int64(w.Limit)))
}

func ftpCell(ftp float64, recorded bool, fallback float64) string {
	if !recorded {
		return fmt.Sprintf("%.0f W (default)", fallback)
	}
	return fmt.Sprintf("%.0f W", ftp)
}

func jobOutcome(j *store.Job) string {
	switch {
	case j.Status == store.JobRunning:
		return "running"
	case j.Success != nil && *j.Success:
		return "ok"
	default:
		return "failed"
	}
}

func jobDuration(j *store.Job) string {
	if j.EndTime == nil {
		return "-"
	}
	return j.EndTime.Sub(j.StartTime).Round(time.Second).String()
}

// parseDate reads YYYY-MM-DD as a UTC date. Empty input is the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}
