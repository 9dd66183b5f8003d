package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meterdesk/internal/config"
	"meterdesk/internal/persistence"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/session"
	"meterdesk/internal/service/tabular"
)

var (
	clientsCmd = &cobra.Command{
		Use:   "clients",
		Short: "List main clients",
		Args:  cobra.NoArgs,
		RunE:  runClients,
	}
	importCmd = &cobra.Command{
		Use:   "import [main-id] [file]",
		Short: "Merge a CSV / XLSX table into a main client and save it",
		Args:  cobra.ExactArgs(2),
		RunE:  runImport,
	}
	exportCmd = &cobra.Command{
		Use:   "export [main-id]",
		Short: "Write a main client and its subs as a CSV / XLSX table",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	validateCmd = &cobra.Command{
		Use:   "validate [main-id]",
		Short: "Check a stored main client against the required-field rules",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	dryRun      bool
	tableFormat string
	outputPath  string
)

func init() {
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without saving")
	importCmd.Flags().StringVar(&tableFormat, "format", "", "csv | xlsx (default: from the file extension)")
	exportCmd.Flags().StringVar(&tableFormat, "format", "csv", "csv | xlsx")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: stdout)")
}

// openManager 命令行使用的会话管理器，不保存草稿
func openManager() (*session.Manager, func(), error) {
	if _, err := config.EnsureDataDir(cfg); err != nil {
		return nil, nil, err
	}
	db, err := persistence.NewSQLite(config.DBPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	mgr := session.NewManager(db, schema.Default(), calculator.NewEngine(), session.Options{
		MaxSubs: cfg.Hierarchy.MaxSubClients,
	})
	return mgr, func() { _ = db.Close() }, nil
}

func runClients(cmd *cobra.Command, _ []string) error {
	mgr, done, err := openManager()
	if err != nil {
		return err
	}
	defer done()

	mains, err := mgr.ListMains(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, m := range mains {
		fmt.Fprintf(w, "%s\t%s\n", m.ID, m.Name())
	}
	return w.Flush()
}

func runImport(cmd *cobra.Command, args []string) error {
	mainID, path := args[0], args[1]
	format, err := formatFor(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := tabular.Read(f, format)
	if err != nil {
		return err
	}

	mgr, done, err := openManager()
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	s, err := mgr.Open(ctx, mainID)
	if err != nil {
		return err
	}
	report, err := s.Import(rows)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "applied %d cell(s), added %d sub(s)\n", report.Applied, len(report.AddedSubs))
	for _, r := range report.Rejected {
		fmt.Fprintf(out, "rejected: %s\n", r)
	}

	plan := s.Store().Diff()
	for _, p := range plan.Patches {
		fmt.Fprintln(out, p.String())
	}
	if dryRun {
		fmt.Fprintf(out, "dry run: %d operation(s) not saved\n", plan.Size())
		return nil
	}
	return save(ctx, out, s)
}

func save(ctx context.Context, out io.Writer, s *session.Session) error {
	report, err := s.Save(ctx)
	var vf *session.ValidationFailedError
	if errors.As(err, &vf) {
		printErrors(out, vf.Result.Errors)
		return err
	}
	if err != nil {
		return err
	}
	for _, op := range report.Failed {
		fmt.Fprintf(out, "failed: %s %s: %s\n", op.Kind, op.Key(), op.Error)
	}
	if !report.Complete() {
		return fmt.Errorf("%d of %d operation(s) failed", len(report.Failed), len(report.Failed)+len(report.Applied))
	}
	fmt.Fprintf(out, "saved %d operation(s)\n", len(report.Applied))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := tabular.ParseFormat(tableFormat)
	if err != nil {
		return err
	}
	mgr, done, err := openManager()
	if err != nil {
		return err
	}
	defer done()

	s, err := mgr.Open(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := tabular.Write(w, format, s.Store().ExportTable()); err != nil {
		return err
	}
	if outputPath != "" {
		log.Info().Str("file", outputPath).Str("format", string(format)).Msg("table exported")
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	mgr, done, err := openManager()
	if err != nil {
		return err
	}
	defer done()

	s, err := mgr.Open(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	res := s.Validate()
	out := cmd.OutOrStdout()
	if res.OK {
		fmt.Fprintln(out, "ok")
		return nil
	}
	printErrors(out, res.Errors)
	return fmt.Errorf("%d field(s) need attention", len(res.Errors))
}

func printErrors(out io.Writer, errs map[string]string) {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %s\n", k, errs[k])
	}
}

func formatFor(path string) (tabular.Format, error) {
	if tableFormat != "" {
		return tabular.ParseFormat(tableFormat)
	}
	return tabular.FormatFromName(path)
}
