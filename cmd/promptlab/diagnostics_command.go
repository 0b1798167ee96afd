package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/promptlab/promptlab/internal/langfuse"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTarget  = "langfuse"
	defaultDiagnosticsTimeout = 5 * time.Second
	defaultAuthHeaderName     = "X-Promptlab-Key"
	langfuseDiagnosticsPath   = "/api/diagnostics/langfuse"
)

type langfuseDiagnosticsDocument struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Diagnostics   langfuse.Diagnostics `json:"diagnostics"`
}

func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	baseURL := flagSet.String("base-url", "", "Server base URL (defaults to value derived from config)")
	apiKey := flagSet.String("api-key", "", "API key token for protected diagnostics route access")
	authHeader := flagSet.String("auth-header", "", "API key header name (defaults to config auth.header)")
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintf(errOut, "diagnostics accepts at most one positional argument: %q\n", defaultDiagnosticsTarget)
		return 2
	}

	target := defaultDiagnosticsTarget
	if flagSet.NArg() == 1 {
		target = strings.TrimSpace(flagSet.Arg(0))
	}
	if target != defaultDiagnosticsTarget {
		fmt.Fprintf(errOut, "unsupported diagnostics target %q: expected %q\n", target, defaultDiagnosticsTarget)
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid diagnostics timeout %q: must be greater than 0\n", timeout.String())
		return 2
	}

	resolvedBaseURL, resolvedAuthHeader, err := resolveDiagnosticsConnection(strings.TrimSpace(*configPath), strings.TrimSpace(*baseURL), strings.TrimSpace(*authHeader))
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}

	document, err := fetchLangfuseDiagnostics(resolvedBaseURL, resolvedAuthHeader, strings.TrimSpace(*apiKey), *timeout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if err := writeLangfuseDiagnostics(out, normalizedFormat, document, resolvedBaseURL); err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}

func resolveDiagnosticsConnection(configPath, baseURL, authHeader string) (string, string, error) {
	resolvedBaseURL := strings.TrimSpace(baseURL)
	resolvedAuthHeader := strings.TrimSpace(authHeader)

	if resolvedBaseURL == "" || resolvedAuthHeader == "" {
		cfg, stage, err := loadAndValidateConfig(configPath)
		if err != nil {
			if resolvedBaseURL == "" {
				if stage == configStageLoad {
					return "", "", fmt.Errorf("load config: %w", err)
				}
				return "", "", fmt.Errorf("config validation failed: %w", err)
			}
		} else {
			if resolvedBaseURL == "" {
				resolvedBaseURL = serverBaseURL(cfg)
			}
			if resolvedAuthHeader == "" {
				resolvedAuthHeader = strings.TrimSpace(cfg.Auth.Header)
			}
		}
	}

	normalizedBaseURL, err := normalizeDiagnosticsBaseURL(resolvedBaseURL)
	if err != nil {
		return "", "", err
	}
	return normalizedBaseURL, nonEmpty(resolvedAuthHeader, defaultAuthHeaderName), nil
}

func normalizeDiagnosticsBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func fetchLangfuseDiagnostics(baseURL, authHeader, apiKey string, timeout time.Duration) (langfuseDiagnosticsDocument, error) {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader(authHeader, apiKey)
	}

	var document langfuseDiagnosticsDocument
	resp, err := client.R().SetResult(&document).Get(langfuseDiagnosticsPath)
	if err != nil {
		return langfuseDiagnosticsDocument{}, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		body := resp.Body()
		message := strings.TrimSpace(string(body))
		var errorPayload map[string]any
		if err := json.Unmarshal(body, &errorPayload); err == nil {
			if value, ok := errorPayload["error"].(string); ok && strings.TrimSpace(value) != "" {
				message = strings.TrimSpace(value)
			}
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		return langfuseDiagnosticsDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode(), message)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return langfuseDiagnosticsDocument{}, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return document, nil
}

func writeLangfuseDiagnostics(out io.Writer, format string, document langfuseDiagnosticsDocument, baseURL string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	default:
		return writeLangfuseDiagnosticsText(out, document, baseURL)
	}
}

func writeLangfuseDiagnosticsText(out io.Writer, document langfuseDiagnosticsDocument, baseURL string) error {
	d := document.Diagnostics
	fmt.Fprintln(out, "Promptlab Langfuse Export")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(strings.TrimSpace(baseURL), "/")+langfuseDiagnosticsPath)
	fmt.Fprintf(meta, "Langfuse host\t%s\n", nonEmpty(d.Host, "(unknown)"))
	fmt.Fprintf(meta, "Queue pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueuePressureState)))
	fmt.Fprintf(meta, "High watermark pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueueHighWatermarkPressureState)))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nQueue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Capacity\t%d\n", d.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", d.QueueDepth)
	fmt.Fprintf(queue, "Depth high watermark\t%d\n", d.QueueDepthHighWatermark)
	fmt.Fprintf(queue, "Utilization (pct)\t%d\n", d.QueueUtilizationPct)
	fmt.Fprintf(queue, "Enqueue accepted total\t%d\n", d.EnqueueAcceptedTotal)
	fmt.Fprintf(queue, "Exported total\t%d\n", d.ExportedTotal)
	fmt.Fprintf(queue, "Last export at\t%s\n", diagnosticsTimePtrOr(d.LastExportAt, "(none)"))
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nDrops")
	drops := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(drops, "Enqueue dropped total\t%d\n", d.EnqueueDroppedTotal)
	fmt.Fprintf(drops, "Export dropped total\t%d\n", d.ExportDroppedTotal)
	fmt.Fprintf(drops, "Total dropped\t%d\n", d.TotalDroppedTotal)
	fmt.Fprintf(drops, "Last enqueue drop at\t%s\n", diagnosticsTimePtrOr(d.LastEnqueueDropAt, "(none)"))
	fmt.Fprintf(drops, "Last export drop at\t%s\n", diagnosticsTimePtrOr(d.LastExportDropAt, "(none)"))
	fmt.Fprintf(drops, "Last export drop operation\t%s\n", nonEmpty(d.LastExportDropOperation, "(none)"))
	if err := drops.Flush(); err != nil {
		return err
	}

	if len(d.ExportFailuresByClass) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nFailures by class")
	classes := make([]string, 0, len(d.ExportFailuresByClass))
	for class := range d.ExportFailuresByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	failures := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, class := range classes {
		fmt.Fprintf(failures, "%s\t%d\n", class, d.ExportFailuresByClass[class])
	}
	return failures.Flush()
}

func diagnosticsTimePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
