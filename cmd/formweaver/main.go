// Command formweaver drives a form-filling session against a live page.
//
// Usage:
//
//	formweaver -config session.yaml -url https://erp.example/entry -rows rows.json
//	formweaver -url https://erp.example/entry -scan     # scan controls and exit
//	formweaver ... -resume sess_0195...                 # continue a stored session
//
// Rows are a JSON array of source records:
//
//	[{"index": 0, "key": "A001", "values": {"编号": "A001", "金额": "10"}}]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/formweaver/anchor"
	"github.com/hazyhaar/formweaver/browser"
	"github.com/hazyhaar/formweaver/dbopen"
	"github.com/hazyhaar/formweaver/progress"
	"github.com/hazyhaar/formweaver/scan"
	"github.com/hazyhaar/formweaver/session"
)

func main() {
	configPath := flag.String("config", "", "path to session.yaml")
	pageURL := flag.String("url", "", "page to fill")
	rowsPath := flag.String("rows", "", "path to rows JSON")
	scanOnly := flag.Bool("scan", false, "scan the page controls and exit")
	resumeID := flag.String("resume", "", "session id to restore from the progress database")
	remote := flag.String("remote", "", "websocket URL of an already-running chrome")
	headful := flag.Bool("headful", false, "run chrome with a visible window")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL, *rowsPath, *resumeID, *remote, *headful, *scanOnly); err != nil {
		logger.Error("formweaver: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL, rowsPath, resumeID, remote string, headful, scanOnly bool) error {
	if pageURL == "" {
		fmt.Fprintln(os.Stderr, "usage: formweaver -url <url> [-config session.yaml -rows rows.json] [-scan]")
		os.Exit(1)
	}

	var cfg session.Config
	if configPath != "" {
		var err error
		cfg, err = session.LoadFile(configPath)
		if err != nil {
			return err
		}
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL: remote,
		Headful:   headful,
		Logger:    logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	page, err := mgr.Open(ctx, pageURL)
	if err != nil {
		return err
	}
	defer page.Close()

	if scanOnly {
		return runScan(ctx, logger, page, cfg)
	}
	return runFill(ctx, logger, page, cfg, rowsPath, resumeID)
}

// runScan prints the scanned control fingerprints as JSON, one per line.
func runScan(ctx context.Context, logger *slog.Logger, page *browser.Page, cfg session.Config) error {
	res, err := scan.New(page, cfg.ScanConfig(), logger).Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	logger.Info("formweaver: scan done",
		"controls", len(res.Fingerprints),
		"frames", res.FramesScanned,
		"stable", res.Stable,
		"fallback", res.Fallback)

	enc := json.NewEncoder(os.Stdout)
	for _, fp := range res.Fingerprints {
		if err := enc.Encode(fp); err != nil {
			return fmt.Errorf("encode fingerprint: %w", err)
		}
	}
	return nil
}

func runFill(ctx context.Context, logger *slog.Logger, page *browser.Page, cfg session.Config, rowsPath, resumeID string) error {
	rows, err := loadRows(rowsPath)
	if err != nil {
		return err
	}

	var store *progress.Store
	if cfg.DBPath != "" {
		db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(progress.Schema))
		if err != nil {
			return err
		}
		defer db.Close()
		store = progress.NewStore(db, logger)
		defer store.Close()
	}

	c := session.New(page, cfg, store, logger)
	if err := c.Configure(ctx, rows); err != nil {
		return err
	}

	if resumeID != "" {
		if store == nil {
			return fmt.Errorf("resume %s: no db_path configured", resumeID)
		}
		sum, err := store.Summary(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("resume %s: %w", resumeID, err)
		}
		recs, err := store.Records(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("resume %s: %w", resumeID, err)
		}
		if err := c.RestoreFrom(sum, recs); err != nil {
			return err
		}
		logger.Info("formweaver: restored session", "session", resumeID, "cursor", sum.Cursor)
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	for {
		c.Wait()
		done, total, filled, failed, pageNo := c.Progress()
		logger.Info("formweaver: session state",
			"session", c.SessionID(),
			"state", c.State().String(),
			"done", done, "total", total,
			"filled", filled, "failed", failed,
			"page", pageNo)

		if c.State() != session.StatePaused {
			break
		}
		fmt.Fprintln(os.Stderr, "session paused; review the page (turn it if needed) and press Enter to continue")
		if _, err := stdin.ReadString('\n'); err != nil {
			c.Cancel()
			c.Wait()
			break
		}
		if err := c.Resume(ctx); err != nil {
			return err
		}
	}

	if c.State() != session.StateCompleted {
		return fmt.Errorf("session %s ended %s", c.SessionID(), c.State())
	}
	return nil
}

func loadRows(path string) ([]anchor.Row, error) {
	if path == "" {
		return nil, fmt.Errorf("no -rows file given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	var rows []anchor.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse rows %s: %w", path, err)
	}
	return rows, nil
}
