package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/franksops/gofetch/config"
	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/logger"
	"github.com/franksops/gofetch/store"
	"github.com/franksops/gofetch/transport"
	"github.com/franksops/gofetch/ui"
	"github.com/mattn/go-isatty"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitAborted = 130
)

const stateFile = "state.db"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cliArgs holds the parsed command line. Values lives in a Config so that
// only the flags that were actually set are laid over the loaded settings.
type cliArgs struct {
	fs      *flag.FlagSet
	values  *config.Config
	timeout time.Duration
	noRetry bool
	cfgPath string
	history bool
}

func parseArgs(args []string, stderr io.Writer) (*cliArgs, error) {
	def := config.Default()
	cli := &cliArgs{values: config.Default()}
	v := cli.values

	fs := flag.NewFlagSet("gfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs, stderr) }

	fs.StringVar(&v.Verb, "verb", def.Verb, "HTTP method (verb) to be used: GET, POST, PUT, DELETE or HEAD")
	fs.StringVar(&v.Data, "data", "", "Append data to the request, in 'x-www-form-urlencoded' format (\"-\" reads it from STDIN)")
	fs.BoolVar(&v.NoProxy, "no-proxy", false, "Don't use a proxy server for address resolution")
	fs.StringVar(&v.UserAgent, "agent", def.UserAgent, "Overwrite the default 'user agent' string")
	fs.BoolVar(&v.NoRedirect, "no-redir", false, "Disable automatic redirection")
	fs.Int64Var(&v.RangeStart, "range-off", 0, "Offset (start) of the byte range to be downloaded")
	fs.Int64Var(&v.RangeEnd, "range-end", 0, "End of the byte range to be downloaded")
	fs.BoolVar(&v.Insecure, "insecure", false, "Don't fail if the server certificate is invalid (HTTPS only)")
	fs.StringVar(&v.Referrer, "refer", "", "Include the given 'referrer' address in the request")
	fs.BoolVar(&v.Notify, "notify", false, "Ring the terminal bell when the download completed or failed")
	fs.DurationVar(&v.ConnectTimeout, "time-cn", def.ConnectTimeout, "Connection timeout")
	fs.DurationVar(&v.ReceiveTimeout, "time-rc", def.ReceiveTimeout, "Receive timeout")
	fs.DurationVar(&cli.timeout, "timeout", 0, "Connection and receive timeout")
	fs.IntVar(&v.Retries, "retry", def.Retries, "Max. number of connection retries")
	fs.BoolVar(&cli.noRetry, "no-retry", false, "Do not retry if the connection failed (same as -retry=0)")
	fs.BoolVar(&v.ForceCRL, "force-crl", false, "Fail the connection if the CRL could not be retrieved")
	fs.BoolVar(&v.SetFileTime, "set-ftime", false, "Set the file's modification time to 'Last-Modified'")
	fs.BoolVar(&v.Update, "update", false, "Replace the local file only if the server has a newer version")
	fs.BoolVar(&v.KeepFailed, "keep-failed", false, "Keep the incomplete output file when the download has failed")
	fs.BoolVar(&v.Checksum, "checksum", false, "Print the CRC64 checksum of the downloaded data")
	fs.IntVar(&v.Chunks, "chunks", def.Chunks, fmt.Sprintf("Split the download into this many parallel parts (1-%d)", config.MaxChunks))
	fs.StringVar(&v.UI, "ui", def.UI, "Progress display: auto, tui, console or quiet")
	fs.StringVar(&v.StateDir, "state-dir", "", "Directory of the run journal (disabled when empty)")
	fs.StringVar(&v.LogFile, "log-file", "", "Write a JSON log to this file")
	fs.BoolVar(&v.Verbose, "verbose", false, "Enable detailed diagnostic output")
	fs.StringVar(&cli.cfgPath, "config", "", "Read options from this YAML file (default $HOME/.gfetch.yaml)")
	fs.BoolVar(&cli.history, "history", false, "List the runs recorded in -state-dir and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cli.fs = fs

	if rest := fs.Args(); len(rest) > 0 {
		v.Source = rest[0]
		if len(rest) > 1 {
			v.Output = rest[1]
		}
		if len(rest) > 2 {
			return nil, fmt.Errorf("%w: excess argument %q encountered", config.ErrConfig, rest[2])
		}
	}
	return cli, nil
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  gfetch [options] <source_addr> <output_file>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Required:")
	fmt.Fprintln(w, "  <source_addr> : Source internet address (URL), \"-\" reads it from STDIN")
	fmt.Fprintln(w, "  <output_file> : Output file, \"-\" for STDOUT, NUL to discard, or s3://bucket/key")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  gfetch http://www.warr.org/buckethead.html output.html")
	fmt.Fprintln(w, "  gfetch -verb=POST -data=\"foo=bar\" http://localhost/form.php result")
	fmt.Fprintln(w, "  gfetch -chunks=4 https://example.com/big.iso big.iso")
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then GFETCH_* variables, then the flags given on the command line.
func loadConfig(cli *cliArgs) (*config.Config, error) {
	cfg := config.Default()

	path := cli.cfgPath
	if path == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	cfg.Source = cli.values.Source
	cfg.Output = cli.values.Output
	cli.fs.Visit(func(f *flag.Flag) {
		applyFlag(cfg, cli, f.Name)
	})
	return cfg, nil
}

func applyFlag(cfg *config.Config, cli *cliArgs, name string) {
	v := cli.values
	switch name {
	case "verb":
		cfg.Verb = v.Verb
	case "data":
		cfg.Data = v.Data
	case "no-proxy":
		cfg.NoProxy = v.NoProxy
	case "agent":
		cfg.UserAgent = v.UserAgent
	case "no-redir":
		cfg.NoRedirect = v.NoRedirect
	case "range-off":
		cfg.RangeStart = v.RangeStart
	case "range-end":
		cfg.RangeEnd = v.RangeEnd
	case "insecure":
		cfg.Insecure = v.Insecure
	case "refer":
		cfg.Referrer = v.Referrer
	case "notify":
		cfg.Notify = v.Notify
	case "time-cn":
		cfg.ConnectTimeout = v.ConnectTimeout
	case "time-rc":
		cfg.ReceiveTimeout = v.ReceiveTimeout
	case "timeout":
		cfg.ConnectTimeout = cli.timeout
		cfg.ReceiveTimeout = cli.timeout
	case "retry":
		cfg.Retries = v.Retries
	case "no-retry":
		if cli.noRetry {
			cfg.Retries = 0
		}
	case "force-crl":
		cfg.ForceCRL = v.ForceCRL
	case "set-ftime":
		cfg.SetFileTime = v.SetFileTime
	case "update":
		cfg.Update = v.Update
	case "keep-failed":
		cfg.KeepFailed = v.KeepFailed
	case "checksum":
		cfg.Checksum = v.Checksum
	case "chunks":
		cfg.Chunks = v.Chunks
	case "ui":
		cfg.UI = v.UI
	case "state-dir":
		cfg.StateDir = v.StateDir
	case "log-file":
		cfg.LogFile = v.LogFile
	case "verbose":
		cfg.Verbose = v.Verbose
	}
}

// readStdin resolves the "-" placeholders of the source address and the
// request body, one line each, in that order.
func readStdin(cfg *config.Config, stdin io.Reader) (bool, error) {
	if cfg.Source != "-" && cfg.Data != "-" {
		return false, nil
	}
	r := bufio.NewReader(stdin)
	line := func(what string) (string, error) {
		s, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && s != "") {
			return "", fmt.Errorf("failed to read %s from STDIN: %w", what, err)
		}
		return strings.TrimSpace(s), nil
	}

	var err error
	if cfg.Source == "-" {
		if cfg.Source, err = line("source address"); err != nil {
			return true, err
		}
	}
	if cfg.Data == "-" {
		if cfg.Data, err = line("request data"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// encodeBody returns data in 'x-www-form-urlencoded' form. Well-formed
// key=value pairs are re-encoded, anything else is escaped as a whole.
func encodeBody(data string) string {
	if data == "" {
		return ""
	}
	if values, err := url.ParseQuery(data); err == nil && len(values) > 0 && strings.Contains(data, "=") {
		return values.Encode()
	}
	return url.QueryEscape(data)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch engine.KindOf(err) {
	case engine.KindAborted:
		return exitAborted
	case engine.KindConfig:
		return exitUsage
	}
	if errors.Is(err, config.ErrConfig) {
		return exitUsage
	}
	return exitFailure
}

func isTerminal(f any) bool {
	file, ok := f.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newRenderer(cfg *config.Config, console *ui.Console, u *url.URL, abort *engine.Signal, stdinUsed bool, stderr io.Writer) ui.Renderer {
	mode := cfg.UI
	if mode == config.UIAuto {
		mode = config.UIConsole
		if !stdinUsed && isTerminal(stderr) && isTerminal(os.Stdin) && cfg.Output != "-" {
			mode = config.UITUI
		}
	}
	switch mode {
	case config.UIQuiet:
		return ui.QuietRenderer{}
	case config.UITUI:
		return ui.NewTUIRenderer(u, cfg.Output, stderr, abort.Set)
	default:
		return ui.NewConsoleRenderer(console, u, abort)
	}
}

// newJob creates the job for the download. On the command line a zero
// -range-end means up to the end of the resource.
func newJob(u *url.URL, cfg *config.Config) engine.FetchJob {
	job := engine.NewFetchJob(u, cfg.Output)
	if cfg.RangeStart > 0 || cfg.RangeEnd > 0 {
		job.Ranged = true
		job.RangeStart = cfg.RangeStart
		job.RangeEnd = cfg.RangeEnd
		if job.RangeEnd == 0 {
			job.RangeEnd = -1
		}
	}
	return job
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Verb:            cfg.Verb,
		Body:            encodeBody(cfg.Data),
		Referrer:        cfg.Referrer,
		UpdateMode:      cfg.Update,
		SetFileTime:     cfg.SetFileTime,
		KeepFailed:      cfg.KeepFailed,
		Checksum:        cfg.Checksum,
		MaxRetries:      cfg.Retries,
		ForceRevocation: cfg.ForceCRL,
		Transport: transport.Options{
			UserAgent:      cfg.UserAgent,
			NoProxy:        cfg.NoProxy,
			NoRedirect:     cfg.NoRedirect,
			Insecure:       cfg.Insecure,
			ForceCRL:       cfg.ForceCRL,
			ConnectTimeout: cfg.ConnectTimeout,
			ReceiveTimeout: cfg.ReceiveTimeout,
			Verbose:        cfg.Verbose,
		},
	}
}

func openJournal(stateDir string) (*store.BoltStore, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewBoltStore(filepath.Join(stateDir, stateFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize run journal: %w", err)
	}
	return st, nil
}

func printHistory(stateDir string, out io.Writer) error {
	if stateDir == "" {
		return fmt.Errorf("%w: -history needs -state-dir", config.ErrConfig)
	}
	st, err := openJournal(stateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATE\tPART\tBYTES\tURL\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.State, r.Part,
			ui.FormatBytes(r.BytesTransferred), r.URL, r.Output)
	}
	return w.Flush()
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	console := ui.NewConsole(stderr)

	cli, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		console.Error(err.Error())
		return exitUsage
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		console.Error(err.Error())
		return exitUsage
	}

	if cli.history {
		if err := printHistory(cfg.StateDir, stdout); err != nil {
			console.Error(err.Error())
			return exitCode(err)
		}
		return exitOK
	}

	if cfg.Source == "" || cfg.Output == "" {
		console.Error("Required parameter is missing!")
		fmt.Fprintln(stderr)
		usage(cli.fs, stderr)
		return exitUsage
	}

	stdinUsed, err := readStdin(cfg, stdin)
	if err != nil {
		console.Error(err.Error())
		return exitUsage
	}

	warnings, err := cfg.Validate()
	if err != nil {
		console.Error(err.Error())
		return exitUsage
	}
	for _, w := range warnings {
		console.Warn(w)
	}

	closer := logger.Init(cfg.LogFile, cfg.Verbose, stderr)
	defer closer.Close()
	log := logger.Log

	u, err := transport.ParseURL(cfg.Source)
	if err != nil {
		console.Error(err.Error())
		return exitUsage
	}
	if cfg.Referrer != "" {
		if _, err := transport.ParseURL(cfg.Referrer); err != nil {
			console.Error("The specified referrer address is invalid!")
			return exitUsage
		}
	}
	if cfg.Insecure {
		console.Warn("Using insecure HTTPS mode, certificates will *not* be checked!")
	}

	abort := engine.NewSignal()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			abort.Set()
		}
	}()

	var fopts []engine.FetcherOption
	fopts = append(fopts, engine.WithLogger(log))
	if cfg.StateDir != "" {
		st, err := openJournal(cfg.StateDir)
		if err != nil {
			console.Error(err.Error())
			return exitFailure
		}
		defer st.Close()
		fopts = append(fopts, engine.WithTracker(engine.NewRunTracker(st, engine.DefaultCheckpointConfig)))
	}

	renderer := newRenderer(cfg, console, u, abort, stdinUsed, stderr)
	fopts = append(fopts, engine.WithObserver(renderer))

	job := newJob(u, cfg)
	opts := engineOptions(cfg)

	log.Info("download starting", "url", u.Redacted(), "output", cfg.Output, "chunks", cfg.Chunks)

	if err := renderer.Start(); err != nil {
		console.Error(fmt.Sprintf("failed to start progress display: %v", err))
		return exitFailure
	}

	ctx := context.Background()
	var report *engine.Report
	if cfg.Chunks > 1 {
		report, err = engine.NewMultipart(job, opts, cfg.Chunks, abort, fopts...).Run(ctx)
	} else {
		report, err = engine.NewFetcher(job, opts, abort, fopts...).Run(ctx)
	}
	renderer.Stop()

	switch {
	case err != nil:
		console.Failed(report, err)
		log.Error("download failed", "url", u.Redacted(), "error", err)
	case report.Skipped:
		console.Skipped(report)
		log.Info("download skipped", "url", u.Redacted())
	default:
		console.Completed(report)
		log.Info("download completed", "url", u.Redacted(), "bytes", report.Transferred, "elapsed", report.Elapsed)
	}
	if cfg.Notify {
		console.Bell()
	}
	return exitCode(err)
}
