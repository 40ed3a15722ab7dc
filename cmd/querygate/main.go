package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfestrada/querygate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("querygate", flag.ExitOnError)
	var (
		dbPath     = fs.String("db", "", "path to the database file (required)")
		configPath = fs.String("config", "", "path to a JSON config file")
		explain    = fs.Bool("explain", false, "explain the query instead of executing it")
		maxRows    = fs.Int("max-rows", 0, "cap the result at this many rows (0 = no cap)")
		timeoutSec = fs.Int("timeout", 0, "query timeout in seconds (0 = configured default)")
		listTables = fs.Bool("list-tables", false, "list tables and views, then exit")
		describe   = fs.String("describe", "", "describe the named table, then exit")
		logLevel   = fs.String("log-level", "warn", "log level: debug, info, warn, error")
		logFormat  = fs.String("log-format", "text", "log format: json, text")
	)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "querygate — governed read-only SQL over an embedded database")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  querygate -db data.db \"SELECT ...\"")
		fmt.Fprintln(os.Stderr, "  querygate -db data.db -explain \"SELECT ...\"")
		fmt.Fprintln(os.Stderr, "  echo \"SELECT ...\" | querygate -db data.db")
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dbPath == "" {
		fs.Usage()
		return fmt.Errorf("-db is required")
	}

	config := querygate.Config{}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	logger := setupLogger(querygate.LoggingConfig{Level: *logLevel, Format: *logFormat})

	ctx := context.Background()
	engine, err := querygate.New(ctx, *dbPath, config, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if *listTables {
		tables, err := engine.ListTables(ctx)
		if err != nil {
			return err
		}
		return printJSON(tables)
	}
	if *describe != "" {
		desc, err := engine.DescribeTable(ctx, *describe)
		if err != nil {
			return err
		}
		return printJSON(desc)
	}

	sqlText := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if sqlText == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read query from stdin: %w", err)
		}
		sqlText = strings.TrimSpace(string(data))
	}
	if sqlText == "" {
		return fmt.Errorf("no query given: pass SQL as an argument or on stdin")
	}

	if *explain {
		explanation, err := engine.Explain(ctx, sqlText)
		if err != nil {
			return err
		}
		return printJSON(explanation)
	}

	var result *querygate.QueryResult
	switch {
	case *maxRows > 0:
		result, err = engine.ExecuteWithLimits(ctx, sqlText, *maxRows)
	case *timeoutSec > 0:
		result, err = engine.ExecuteWithTimeout(ctx, sqlText, time.Duration(*timeoutSec)*time.Second)
	default:
		result, err = engine.Execute(ctx, sqlText)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(config querygate.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
