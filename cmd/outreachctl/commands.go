package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/service/ingest"
)

const timeLayout = "2006-01-02 15:04"

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := ctx.ensureContainer(cmd.Context())
			if err != nil {
				return err
			}
			if err := container.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date")
			return nil
		},
	}
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var batch string

	cmd := &cobra.Command{
		Use:   "import <workbook.xlsx>",
		Short: "Import leads from a spreadsheet and queue their first call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open workbook: %w", err)
			}
			defer file.Close()

			rows, err := ingest.ReadWorkbook(file, batch)
			if err != nil {
				return err
			}
			report, err := container.Services().Ingest.Import(cmd.Context(), rows)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d leads, rejected %d\n", len(report.Imported), len(report.Rejected))
			if len(report.Rejected) > 0 {
				table := make([][]string, 0, len(report.Rejected))
				for _, r := range report.Rejected {
					table = append(table, []string{strconv.Itoa(r.Line), r.Phone, r.Reason})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Line", "Phone", "Reason"}, table, []columnAlignment{alignRight}))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&batch, "batch", "", "Source batch for rows without one")
	return cmd
}

func newLeadCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Inspect and correct individual leads",
	}
	cmd.AddCommand(newLeadShowCommand(ctx))
	cmd.AddCommand(newLeadForceCloseCommand(ctx))
	cmd.AddCommand(newLeadReopenCommand(ctx))
	cmd.AddCommand(newLeadScheduleCommand(ctx))
	return cmd
}

func newLeadShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show a lead with its calls and schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeadID(args[0])
			if err != nil {
				return err
			}
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := container.Services().Leads.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printLead(out, detail.Lead)

			if len(detail.Calls) > 0 {
				rows := make([][]string, 0, len(detail.Calls))
				for _, call := range detail.Calls {
					rows = append(rows, []string{call.CallID, string(call.Status), call.DispatchedAt.Format(timeLayout)})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Call", "Status", "Dispatched"}, rows, nil))
			}
			if len(detail.Schedules) > 0 {
				rows := make([][]string, 0, len(detail.Schedules))
				for _, entry := range detail.Schedules {
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						entry.ScheduledAt.Format(timeLayout),
						string(entry.Status),
						strconv.Itoa(entry.AttemptNumber),
					})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Entry", "Scheduled", "Status", "Attempt"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight}))
			}
			return nil
		},
	}
}

func newLeadForceCloseCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-close <lead-id>",
		Short: "Close a lead with the given closure reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeadID(args[0])
			if err != nil {
				return err
			}
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			res, err := container.Services().Leads.ForceClose(cmd.Context(), id, domain.ClosureReason(reason))
			if err != nil {
				return err
			}
			printLead(cmd.OutOrStdout(), res.Lead)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(domain.ClosureNotUseful), "Closure reason label")
	return cmd
}

func newLeadReopenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <lead-id>",
		Short: "Reopen a closed lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeadID(args[0])
			if err != nil {
				return err
			}
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			res, err := container.Services().Leads.Reopen(cmd.Context(), id)
			if err != nil {
				return err
			}
			printLead(cmd.OutOrStdout(), res.Lead)
			return nil
		},
	}
}

func newLeadScheduleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <lead-id> <YYYY-MM-DD HH:MM>",
		Short: "Schedule a call at a local time, replacing any pending entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLeadID(args[0])
			if err != nil {
				return err
			}
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			at, err := time.ParseInLocation(timeLayout, args[1], container.Config.Location())
			if err != nil {
				return fmt.Errorf("invalid time %q: %w", args[1], err)
			}
			entry, err := container.Services().Leads.ScheduleCall(cmd.Context(), id, at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %d scheduled for %s\n", entry.ID,
				entry.ScheduledAt.In(container.Config.Location()).Format(timeLayout))
			return nil
		},
	}
}

func newOrphansCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List open leads whose last call was rejected and nothing is scheduled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			orphans, err := container.Services().Leads.Orphans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(orphans) == 0 {
				fmt.Fprintln(out, "No orphaned leads")
				return nil
			}
			rows := make([][]string, 0, len(orphans))
			for _, o := range orphans {
				rows = append(rows, []string{
					strconv.FormatInt(o.LeadID, 10),
					o.PrimaryPhone,
					o.SourceBatch,
					o.CallID,
					o.DispatchedAt.Format(timeLayout),
					o.Note,
				})
			}
			fmt.Fprintln(out, renderTable(out, []string{"Lead", "Phone", "Batch", "Call", "Dispatched", "Note"}, rows,
				[]columnAlignment{alignRight}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows to list")
	return cmd
}

func newIncidentsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List recorded incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			incidents, err := container.Services().Leads.Incidents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(incidents))
			for _, inc := range incidents {
				rows = append(rows, []string{
					inc.CreatedAt.Format(timeLayout),
					strconv.FormatInt(inc.LeadID, 10),
					string(inc.Kind),
					inc.Detail,
				})
			}
			fmt.Fprintln(out, renderTable(out, []string{"When", "Lead", "Kind", "Detail"}, rows,
				[]columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to list")
	return cmd
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var leadID int64

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the repair pass once, or recount attempts for one lead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := ctx.ensureReady(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if leadID > 0 {
				before, after, err := container.Services().Leads.ReconcileAttempts(cmd.Context(), leadID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Lead %d attempts: %d -> %d\n", leadID, before, after)
				return nil
			}

			report, err := container.Reconciler().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report.Skipped {
				fmt.Fprintln(out, "Another reconciler holds the lock; nothing done")
				return nil
			}
			rows := [][]string{
				{"Requeued in-flight entries", strconv.Itoa(report.Requeued)},
				{"Cancelled stale entries", strconv.Itoa(report.CancelledStale)},
				{"Cancelled entries of closed leads", strconv.Itoa(report.CancelledClosed)},
				{"Released reservations", strconv.Itoa(len(report.ReleasedLeads))},
			}
			fmt.Fprintln(out, renderTable(out, []string{"Repair", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().Int64Var(&leadID, "lead", 0, "Recount call attempts for this lead only")
	return cmd
}

func printLead(out io.Writer, lead *domain.Lead) {
	if lead == nil {
		return
	}
	rows := [][]string{
		{"ID", strconv.FormatInt(lead.ID, 10)},
		{"Name", lead.GivenName + " " + lead.FamilyName},
		{"Phone", lead.PrimaryPhone},
		{"Batch", lead.SourceBatch},
		{"Status", fmt.Sprintf("%s / %s / %s", lead.LeadStatus, lead.StatusLevel1, lead.StatusLevel2)},
		{"Closure", string(lead.ClosureReason)},
		{"Attempts", strconv.Itoa(lead.CallAttemptsCount)},
		{"Reserved", yesNo(lead.SelectedForCalling)},
	}
	fmt.Fprintln(out, renderTable(out, []string{"Field", "Value"}, rows, nil))
}

func parseLeadID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid lead id %q", raw)
	}
	return id, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
