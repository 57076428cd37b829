package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mkelsey/cbx/internal/api"
	"github.com/mkelsey/cbx/internal/backup"
	"github.com/mkelsey/cbx/internal/config"
	"github.com/mkelsey/cbx/internal/convert"
	"github.com/mkelsey/cbx/internal/events"
	"github.com/mkelsey/cbx/internal/history"
	"github.com/mkelsey/cbx/internal/log"
	"github.com/mkelsey/cbx/internal/meta"
	"github.com/mkelsey/cbx/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "convert":
		return runConvert(args)
	case "pages":
		return runPagesNoun(args)
	case "revert":
		return runRevert(args)
	case "backups":
		return runBackupsNoun(args)
	case "meta":
		return runMetaNoun(args)
	case "history":
		return runHistory(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// setup loads config, initializes logging, and opens the history ledger.
// The ledger is optional; a failure to open it degrades to a warning.
func setup(configPath string) (*config.Config, *history.Store) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		cfg = config.Default()
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)

	ledger, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		log.Warn("history ledger unavailable", "error", err)
		ledger = nil
	}
	return cfg, ledger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseBackupPolicy(v string) (convert.BackupPolicy, error) {
	switch v {
	case "copy":
		return convert.BackupCopy, nil
	case "move":
		return convert.BackupMove, nil
	case "none":
		return convert.BackupNone, nil
	default:
		return convert.BackupNone, fmt.Errorf("backup mode %q is not copy, move, or none", v)
	}
}

func runConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	recursive := fs.Bool("r", false, "Recurse into subdirectories")
	overwrite := fs.Bool("overwrite", false, "Replace an existing .cbz target")
	backupMode := fs.String("backup", "copy", "Backup policy: copy, move, or none")
	backupDir := fs.String("backup-dir", "", "Backup folder (default: backups/ next to each file)")
	workers := fs.Int("workers", 0, "Concurrent conversions for directory runs")
	watchTUI := fs.Bool("watch", false, "Show the live monitor TUI during a directory run")
	serve := fs.Bool("serve", false, "Serve the status API during a directory run")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cbx convert <file-or-directory> [flags]")
		return 1
	}
	path := fs.Arg(0)

	policy, err := parseBackupPolicy(*backupMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	opts := convert.Options{
		Overwrite:  *overwrite,
		Backup:     policy,
		BackupRoot: firstNonEmpty(*backupDir, cfg.Convert.BackupRoot),
	}

	hub := events.NewHub(256)
	eng := convert.NewEngine(hub, recorderOrNil(ledger), cfg.Convert.ExtraToolPaths)

	ctx, cancel := signalContext()
	defer cancel()

	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
		return 1
	}

	if !info.IsDir() {
		res := eng.Convert(ctx, path, opts)
		printResult(res)
		if !res.Success {
			return 1
		}
		return 0
	}

	nWorkers := *workers
	if nWorkers == 0 {
		nWorkers = cfg.Convert.Workers
	}
	return runBatch(ctx, eng, hub, ledger, cfg, path, convert.BatchOptions{
		Options:   opts,
		Recursive: *recursive,
		Workers:   nWorkers,
	}, *watchTUI, *serve)
}

func runBatch(ctx context.Context, eng *convert.Engine, hub *events.Hub, ledger *history.Store,
	cfg *config.Config, root string, opts convert.BatchOptions, watchTUI, serve bool) int {

	if serve {
		srv := api.New(cfg.API.Listen, hub, ledger, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("status server stopped", "error", err)
			}
		}()
	}

	type batchOutcome struct {
		br  convert.BatchResult
		err error
	}
	done := make(chan batchOutcome, 1)
	go func() {
		br, err := eng.ConvertDirectory(ctx, root, opts)
		done <- batchOutcome{br, err}
	}()

	if watchTUI {
		if err := watch.Run(hub); err != nil {
			log.Warn("monitor exited", "error", err)
		}
	}

	out := <-done
	br := out.br
	if out.err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", out.err)
		return 1
	}

	fmt.Printf("Converted: %d succeeded, %d failed", br.Succeeded, br.Failed)
	if br.Skipped > 0 {
		fmt.Printf(", %d skipped", br.Skipped)
	}
	fmt.Println()
	for _, line := range br.Errors {
		fmt.Fprintf(os.Stderr, "  failed: %s\n", line)
	}

	if br.Failed > 0 || ctx.Err() != nil {
		return 1
	}
	return 0
}

func runPagesNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printPagesHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "drop":
		return runPagesDrop(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown pages action: %s\n\n", args[0])
		printPagesHelp(os.Stderr)
		return 1
	}
}

func runPagesDrop(args []string) int {
	fs := flag.NewFlagSet("drop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	pagesFlag := fs.String("pages", "", "Comma-separated 1-based page numbers to remove")
	backupMode := fs.String("backup", "move", "Backup policy: copy, move, or none")
	backupDir := fs.String("backup-dir", "", "Backup folder (default: backups/ next to the file)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *pagesFlag == "" {
		fmt.Fprintln(os.Stderr, "Usage: cbx pages drop <archive> --pages 1,3,5 [flags]")
		return 1
	}

	pages, err := parsePageList(*pagesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	policy, err := parseBackupPolicy(*backupMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	eng := convert.NewEngine(nil, recorderOrNil(ledger), cfg.Convert.ExtraToolPaths)
	ctx, cancel := signalContext()
	defer cancel()

	res := eng.EditPages(ctx, fs.Arg(0), pages, convert.Options{
		Backup:     policy,
		BackupRoot: firstNonEmpty(*backupDir, cfg.Convert.BackupRoot),
	})
	printResult(res)
	if !res.Success {
		return 1
	}
	return 0
}

func runRevert(args []string) int {
	fs := flag.NewFlagSet("revert", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	backupDir := fs.String("backup-dir", "", "Backup folder the file was backed up into")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cbx revert <archive> [flags]")
		return 1
	}

	cfg, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	eng := convert.NewEngine(nil, recorderOrNil(ledger), cfg.Convert.ExtraToolPaths)
	rec, err := eng.Revert(fs.Arg(0), firstNonEmpty(*backupDir, cfg.Convert.BackupRoot))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Restored %s from %s\n", fs.Arg(0), rec.BackupPath)
	return 0
}

func runBackupsNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printBackupsHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "prune":
		return runBackupsPrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown backups action: %s\n\n", args[0])
		printBackupsHelp(os.Stderr)
		return 1
	}
}

func runBackupsPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cbx backups prune <directory>")
		return 1
	}

	_, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	report, err := backup.Prune(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %d backup files, %d backup folders\n", report.RemovedFiles, report.RemovedDirs)
	return 0
}

func runMetaNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printMetaHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "scan":
		return runMetaScan(args[1:])
	case "missing":
		return runMetaMissing(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown meta action: %s\n\n", args[0])
		printMetaHelp(os.Stderr)
		return 1
	}
}

// catalogPath keeps the metadata catalog next to the history ledger.
func catalogPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.History.Path), "catalog.db")
}

func runMetaScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cbx meta scan <directory>")
		return 1
	}

	cfg, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	cat, err := meta.Open(ctx, catalogPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cat.Close()

	report, err := cat.Scan(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Scanned %d archives: %d with metadata, %d without\n",
		report.Scanned, report.With, report.Without)
	for _, line := range report.Errors {
		fmt.Fprintf(os.Stderr, "  unreadable: %s\n", line)
	}
	return 0
}

func runMetaMissing(args []string) int {
	fs := flag.NewFlagSet("missing", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, ledger := setup(*configPath)
	if ledger != nil {
		defer ledger.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	cat, err := meta.Open(ctx, catalogPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cat.Close()

	comics, err := cat.Missing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, co := range comics {
		fmt.Println(co.FilePath)
	}
	fmt.Fprintf(os.Stderr, "%d archives without ComicInfo.xml\n", len(comics))
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	limit := fs.Int("limit", 20, "Maximum entries to show")
	source := fs.String("source", "", "Show history for one source path")
	jsonOut := fs.Bool("json", false, "Output entries as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signalContext()
	defer cancel()

	ledger, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer ledger.Close()

	var entries []history.Entry
	if *source != "" {
		entries, err = ledger.ForSource(ctx, *source)
	} else {
		entries, err = ledger.Recent(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "FAIL " + e.Kind
			if e.RolledBack {
				status += " (rolled back)"
			}
		}
		fmt.Printf("%s  %-7s %-24s %s\n",
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			e.Operation, status, e.SourcePath)
	}
	return 0
}

func printResult(res convert.Result) {
	if res.Success {
		fmt.Println(res.Message)
		if res.BackupPath != "" {
			fmt.Printf("Backup: %s\n", res.BackupPath)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", res.Kind, res.Message)
	if res.RolledBack {
		fmt.Fprintln(os.Stderr, "Original restored from backup.")
	}
}

// parsePageList accepts single pages and ranges, e.g. "1,3,7-9".
func parsePageList(v string) ([]int, error) {
	var pages []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start < 1 || end < start {
				return nil, fmt.Errorf("page range %q is not like 7-9", part)
			}
			for n := start; n <= end; n++ {
				pages = append(pages, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("page %q is not a positive integer", part)
		}
		pages = append(pages, n)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages given")
	}
	return pages, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// recorderOrNil avoids handing a typed-nil interface to the engine.
func recorderOrNil(ledger *history.Store) convert.Recorder {
	if ledger == nil {
		return nil
	}
	return ledger
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("cbx %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`cbx - Comic archive conversion and page tools

Usage:
  cbx <command> [flags]

Commands:
  convert <path>        Convert a .cbr or .pdf (or a directory of them) to .cbz
  pages drop <archive>  Remove pages from a .cbz or .cbr in place
  revert <archive>      Restore an archive from its newest backup
  backups prune <dir>   Delete backup folders created by earlier runs
  meta scan <dir>       Catalog which archives contain ComicInfo.xml
  meta missing          List cataloged archives without metadata
  history               Show recorded job outcomes
  version               Show version information

Convert Flags:
  -r                    Recurse into subdirectories
  --overwrite           Replace an existing .cbz target
  --backup MODE         copy (default), move, or none
  --backup-dir DIR      Backup folder (default: backups/ next to each file)
  --workers N           Concurrent conversions for directory runs
  --watch               Live monitor TUI during a directory run
  --serve               Status API (healthz, history, SSE events) during a run

Use 'cbx <command> -h' for full flags. Exit code is 0 only when every
file processed successfully.
`)
}

func printPagesHelp(w *os.File) {
	fmt.Fprint(w, `Usage: cbx pages drop <archive> --pages 1,3,5 [flags]

Removes the given 1-based pages and renumbers the remainder. The
original is moved to the backup folder first (--backup move, the
default), so 'cbx revert' can undo the edit.
`)
}

func printBackupsHelp(w *os.File) {
	fmt.Fprint(w, `Usage: cbx backups prune <directory>

Recursively deletes backups/ folders and the archive backups inside
them. Non-archive files inside backups/ are left alone.
`)
}

func printMetaHelp(w *os.File) {
	fmt.Fprint(w, `Usage:
  cbx meta scan <directory>   Probe archives for ComicInfo.xml
  cbx meta missing            List archives without metadata
`)
}
