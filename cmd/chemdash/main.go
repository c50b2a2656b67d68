package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"chemdash/internal/config"
	"chemdash/internal/gateway"
	"chemdash/internal/logger"
	"chemdash/internal/models"
	"chemdash/internal/session"
	"chemdash/internal/store"
)

var configPath = flag.String("config", defaultConfigPath(), "Path to configuration file")

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(base, "chemdash", "config.yaml")
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: chemdash [flags] <command> [args]

Commands:
  health                          Check backend liveness
  signup <email>                  Create an account
  login <email> [-remember]       Log in; -remember stores the email locally
  logout                          Log out and clear local tokens
  upload <file.csv>               Upload a CSV dataset and show its analytics
  analytics [id]                  Show analytics for a dataset (latest if omitted)
  history                         List uploaded datasets
  report [id] [-o path]           Download the PDF report for a dataset
  forgot-password <email>         Request a password reset email
  reset-password <uid> <token>    Complete a password reset
  theme [dark|light]              Show or set the stored theme preference

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Debug("Configuration loaded from %s", *configPath)

	st := store.New(cfg.Storage.FilePath, cfg.Storage.FilePermissions, cfg.Storage.DirPermissions)
	if err := st.Load(); err != nil {
		logger.Fatal("Failed to load client state: %v", err)
	}

	sess := session.NewManager(cfg.API.BaseURL, cfg.API.Timeout, st)
	gw := gateway.New(cfg.API.BaseURL, cfg.API.Timeout, cfg.API.UserAgent, sess)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	if err := run(ctx, args[0], args[1:], gw, st); err != nil {
		if errors.Is(err, gateway.ErrRateLimited) {
			fmt.Fprintln(os.Stderr, "Too many attempts. Please wait a minute and try again.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, gw *gateway.Gateway, st *store.Store) error {
	switch command {
	case "health":
		return runHealth(ctx, gw)
	case "signup":
		return runSignup(ctx, args, gw)
	case "login":
		return runLogin(ctx, args, gw, st)
	case "logout":
		return gw.Logout(ctx)
	case "upload":
		return runUpload(ctx, args, gw)
	case "analytics":
		return runAnalytics(ctx, args, gw)
	case "history":
		return runHistory(ctx, gw)
	case "report":
		return runReport(ctx, args, gw)
	case "forgot-password":
		return runForgotPassword(ctx, args, gw)
	case "reset-password":
		return runResetPassword(ctx, args, gw)
	case "theme":
		return runTheme(args, st)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runHealth(ctx context.Context, gw *gateway.Gateway) error {
	if !gw.Health(ctx) {
		return errors.New("backend is unreachable")
	}
	fmt.Println("Backend is up.")
	return nil
}

func runSignup(ctx context.Context, args []string, gw *gateway.Gateway) error {
	if len(args) != 1 {
		return errors.New("usage: signup <email>")
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	if err := gw.Signup(ctx, args[0], password); err != nil {
		return err
	}
	fmt.Println("Account created. You can now log in.")
	return nil
}

func runLogin(ctx context.Context, args []string, gw *gateway.Gateway, st *store.Store) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	remember := fs.Bool("remember", false, "remember this email for next time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	email := ""
	if fs.NArg() > 0 {
		email = fs.Arg(0)
	} else {
		email = st.Get(store.KeyRememberedEmail)
	}
	if email == "" {
		return errors.New("usage: login <email> [-remember]")
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	if err := gw.Login(ctx, email, password); err != nil {
		return err
	}

	if *remember {
		if err := st.Set(store.KeyRememberedEmail, email); err != nil {
			logger.Warn("Failed to remember email: %v", err)
		}
	}
	fmt.Println("Logged in.")
	return nil
}

func runUpload(ctx context.Context, args []string, gw *gateway.Gateway) error {
	if len(args) != 1 {
		return errors.New("usage: upload <file.csv>")
	}
	path := args[0]
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return fmt.Errorf("only CSV files can be uploaded: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	snapshot, err := gw.Upload(ctx, filepath.Base(path), file)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s (%d records).\n", snapshot.FileName, snapshot.TotalRecords)
	printSnapshot(snapshot)
	return nil
}

func runAnalytics(ctx context.Context, args []string, gw *gateway.Gateway) error {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	snapshot, err := gw.Analytics(ctx, id)
	if err != nil {
		return err
	}
	printSnapshot(snapshot)
	return nil
}

func runHistory(ctx context.Context, gw *gateway.Gateway) error {
	page, err := gw.History(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tUPLOADED\tRECORDS")
	for _, entry := range page.Datasets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", entry.ID, entry.FileName, entry.UploadTime, entry.TotalRecords)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	limit := page.MaxHistory
	if limit <= 0 {
		limit = models.MaxHistoryEntries
	}
	fmt.Printf("%d/%d datasets\n", len(page.Datasets), limit)
	if page.AtCapacity() {
		fmt.Println("Storage full: the next upload will replace your oldest dataset.")
	}
	return nil
}

func runReport(ctx context.Context, args []string, gw *gateway.Gateway) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	output := fs.String("o", "", "output path (defaults to the suggested report name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := ""
	if fs.NArg() > 0 {
		id = fs.Arg(0)
	}

	data, name, err := gw.Report(ctx, id)
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = name
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report saved to %s (%d bytes).\n", path, len(data))
	return nil
}

func runForgotPassword(ctx context.Context, args []string, gw *gateway.Gateway) error {
	if len(args) != 1 {
		return errors.New("usage: forgot-password <email>")
	}
	message, err := gw.ForgotPassword(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(message)
	return nil
}

func runResetPassword(ctx context.Context, args []string, gw *gateway.Gateway) error {
	if len(args) != 2 {
		return errors.New("usage: reset-password <uid> <token>")
	}
	password, err := promptPassword("New password: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	message, err := gw.ResetPassword(ctx, args[0], args[1], password)
	if err != nil {
		return err
	}
	fmt.Println(message)
	return nil
}

func runTheme(args []string, st *store.Store) error {
	if len(args) == 0 {
		theme := st.Get(store.KeyTheme)
		if theme == "" {
			theme = "dark"
		}
		fmt.Println(theme)
		return nil
	}
	theme := args[0]
	if theme != "dark" && theme != "light" {
		return errors.New("theme must be dark or light")
	}
	return st.Set(store.KeyTheme, theme)
}

func printSnapshot(s *models.AnalyticsSnapshot) {
	fmt.Printf("Dataset %s: %s (uploaded %s, %d records)\n", s.ID, s.FileName, s.UploadTime, s.TotalRecords)
	fmt.Printf("Columns: %d total, %d numeric, %d categorical\n",
		len(s.Columns), len(s.NumericColumns), len(s.CategoricalColumns))

	if len(s.Statistics) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COLUMN\tMEAN\tMEDIAN\tMIN\tMAX\tSTD\tUNIT")
		for _, stat := range s.Statistics {
			fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%g\t%g\t%s\n",
				stat.Column, stat.Mean, stat.Median, stat.Min, stat.Max, stat.Std, stat.Unit)
		}
		if err := w.Flush(); err != nil {
			logger.Warn("Failed to render statistics: %v", err)
		}
	}

	fmt.Printf("Charts: %d bar, %d line, %d pie, %d histogram, %d grouped\n",
		len(s.Charts.BarCharts), len(s.Charts.LineCharts), len(s.Charts.PieCharts),
		len(s.Charts.Histograms), len(s.Charts.GroupedBarCharts))
	if s.Charts.RadarChart.HealthScore > 0 {
		fmt.Printf("%s: health score %.1f\n", s.Charts.RadarChart.Title, s.Charts.RadarChart.HealthScore)
	}
}

// promptPassword reads a password without echo when stdin is a terminal,
// falling back to a plain line read otherwise (pipes, tests).
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
