package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/promptlab/promptlab/internal/auth"
	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/langfuse"
	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/migrations"
)

const defaultDoctorFormat = "text"

const doctorCheckTimeout = 5 * time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

// langfuseHealthChecker is swapped in tests.
var langfuseHealthChecker = func(ctx context.Context, cfg config.LangfuseConfig) (*langfuse.HealthStatus, error) {
	client, err := langfuse.NewClient(langfuse.ClientOptions{
		Host:       cfg.Host,
		PublicKey:  cfg.PublicKey,
		SecretKey:  cfg.SecretKey,
		Timeout:    doctorCheckTimeout,
		MaxRetries: -1,
	})
	if err != nil {
		return nil, err
	}
	return client.Health(ctx)
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 5),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, skipped := "failed to load config", "skipped: config failed to load"
		if stage == configStageValidate {
			summary, skipped = "config is invalid", "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", skipped),
			doctorSkippedCheck("auth_posture", skipped),
			doctorSkippedCheck("langfuse", skipped),
			doctorSkippedCheck("playground", skipped),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorAuthPostureCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorLangfuseCheck(cfg.Langfuse))
	doc.Checks = append(doc.Checks, runDoctorPlaygroundCheck(cfg.Playground))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()

	store, err := openTraceStore(ctx, cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize trace storage"
		check.Details = []string{err.Error()}
		return check
	}

	if _, err := store.QueryTraces(ctx, trace.TraceFilter{Limit: 1}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "trace storage connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := closeTraceStore(store); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch driver := strings.TrimSpace(cfg.Storage.Driver); driver {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite trace storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
		if sqliteStore, ok := store.(*trace.SQLiteStore); ok {
			check.Details = append(check.Details, describeMigrations(ctx, sqliteStore)...)
		}
	case "postgres":
		check.Summary = "connected to postgres trace storage"
	default:
		check.Summary = "connected to trace storage"
	}

	if closeErr := closeTraceStore(store); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "trace storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
	}
	return check
}

func describeMigrations(ctx context.Context, store *trace.SQLiteStore) []string {
	statuses, err := migrations.Check(ctx, store.DB(), migrations.DriverSQLite)
	if err != nil {
		return []string{fmt.Sprintf("schema migrations: %v", err)}
	}
	applied := 0
	for _, status := range statuses {
		if status.Applied {
			applied++
		}
	}
	return []string{fmt.Sprintf("schema migrations: %d/%d applied", applied, len(statuses))}
}

func runDoctorAuthPostureCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "auth_posture"}
	protectedRules := countProtectedAuthorizationRules(auth.AuthorizationMatrix())
	header := strings.TrimSpace(cfg.Auth.Header)

	if !cfg.Auth.Enabled {
		check.Status = doctorStatusWarn
		check.Summary = "api auth is disabled"
		check.Details = []string{
			fmt.Sprintf("auth.enabled=false; requests act as %q (role %s)", cfg.Auth.AnonymousUserID, cfg.Auth.AnonymousRole),
			fmt.Sprintf("%d protected authorization rules are bypassed", protectedRules),
		}
		return check
	}

	keys := authKeysFromConfig(cfg.Auth.Keys)
	if _, err := auth.NewAuthorizer(auth.Options{
		Enabled: true,
		Header:  header,
		Keys:    keys,
	}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "api auth configuration is not runnable"
		check.Details = []string{err.Error()}
		return check
	}

	users := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		users[key.UserID] = struct{}{}
	}
	check.Status = doctorStatusPass
	check.Summary = "api auth posture is healthy"
	check.Details = []string{
		fmt.Sprintf("auth header: %s", header),
		fmt.Sprintf("api keys: %d across %d users", len(keys), len(users)),
		fmt.Sprintf("protected authorization rules: %d", protectedRules),
	}
	return check
}

func runDoctorLangfuseCheck(cfg config.LangfuseConfig) doctorCheck {
	if !cfg.Enabled {
		return doctorSkippedCheck("langfuse", "langfuse export is disabled")
	}
	check := doctorCheck{Name: "langfuse"}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()

	status, err := langfuseHealthChecker(ctx, cfg)
	if err != nil {
		check.Status = doctorStatusWarn
		check.Summary = "langfuse health check failed; traces will queue and may be dropped"
		check.Details = []string{
			fmt.Sprintf("host: %s", cfg.Host),
			fmt.Sprintf("error class: %s", langfuse.ClassifyExportError(err)),
			err.Error(),
		}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "langfuse is reachable"
	check.Details = []string{
		fmt.Sprintf("host: %s", cfg.Host),
		fmt.Sprintf("status: %s", nonEmpty(status.Status, "(unreported)")),
	}
	if version := strings.TrimSpace(status.Version); version != "" {
		check.Details = append(check.Details, fmt.Sprintf("version: %s", version))
	}
	return check
}

func runDoctorPlaygroundCheck(cfg config.PlaygroundConfig) doctorCheck {
	if !cfg.Enabled {
		return doctorSkippedCheck("playground", "playground is disabled")
	}
	check := doctorCheck{
		Name:    "playground",
		Status:  doctorStatusPass,
		Summary: "playground provider is configured",
		Details: []string{
			fmt.Sprintf("base url: %s", cfg.BaseURL),
			fmt.Sprintf("default model: %s", cfg.DefaultModel),
		},
	}
	if _, ok := cfg.Pricing[cfg.DefaultModel]; !ok {
		check.Status = doctorStatusWarn
		check.Summary = "playground default model has no pricing; run cost will be omitted"
	}
	return check
}

func countProtectedAuthorizationRules(rules []auth.AuthorizationRule) int {
	count := 0
	for _, rule := range rules {
		if !rule.Public {
			count++
		}
	}
	return count
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "Promptlab Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
