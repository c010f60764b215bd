// db-backup snapshots a docket SQLite database: checkpoint the WAL, copy the
// file, then open the copy and run an integrity check against it.
package main

import (
	"compress/gzip"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// docketTables are spot-checked after the copy so an empty or foreign
// database is noticed at backup time, not restore time.
var docketTables = []string{"documents", "jobs", "review_items", "audit_logs"}

func main() {
	var (
		dbPath     = flag.String("db", "", "source database path (required)")
		backupPath = flag.String("backup", "", "backup destination path (optional, auto-generated if not provided)")
		verify     = flag.Bool("verify", true, "run integrity check on backup")
		compress   = flag.Bool("compress", false, "compress backup with gzip")
		checkpoint = flag.Bool("checkpoint", true, "run checkpoint before backup to merge WAL")
	)
	flag.Parse()

	if *dbPath == "" {
		die("--db path is required")
	}

	*dbPath = expandPath(*dbPath)

	if *backupPath == "" {
		timestamp := time.Now().Format("20060102-150405")
		base := strings.TrimSuffix(filepath.Base(*dbPath), filepath.Ext(*dbPath))
		ext := ".db"
		if *compress {
			ext = ".db.gz"
		}
		*backupPath = fmt.Sprintf("%s-backup-%s%s", base, timestamp, ext)
	}
	*backupPath = expandPath(*backupPath)

	fmt.Printf("docket backup\n")
	fmt.Printf("Source: %s\n", *dbPath)
	fmt.Printf("Destination: %s\n", *backupPath)

	if err := os.MkdirAll(filepath.Dir(*backupPath), 0o755); err != nil {
		die("create backup directory: %v", err)
	}

	db, err := sql.Open("sqlite", *dbPath+"?mode=ro")
	if err != nil {
		die("open source database: %v", err)
	}
	defer db.Close()

	// Merge the WAL into the main file so the copy is self-contained.
	if *checkpoint {
		fmt.Printf("Running WAL checkpoint...\n")
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Printf("Warning: checkpoint failed: %v\n", err)
		}
	}

	fmt.Printf("Creating backup...\n")
	start := time.Now()

	if err := performBackup(*dbPath, *backupPath, *compress); err != nil {
		die("backup failed: %v", err)
	}

	fmt.Printf("Backup completed in %v\n", time.Since(start))

	if *verify {
		fmt.Printf("Verifying backup integrity...\n")
		if err := verifyBackup(*backupPath, *compress); err != nil {
			die("backup verification failed: %v", err)
		}
		fmt.Printf("Backup verification successful\n")
	}

	if info, err := os.Stat(*backupPath); err == nil {
		fmt.Printf("Backup size: %d bytes (%.2f MB)\n", info.Size(), float64(info.Size())/1024/1024)
	}

	fmt.Printf("Backup completed successfully\n")
}

func performBackup(srcPath, dstPath string, compress bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %v", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %v", err)
	}
	defer dst.Close()

	var w io.Writer = dst
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(dst)
		w = gz
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy: %v", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %v", err)
		}
	}
	return dst.Sync()
}

func verifyBackup(backupPath string, compress bool) error {
	checkPath := backupPath

	// A compressed backup is inflated to a temp file for checking; SQLite
	// can't read the gzip stream directly.
	if compress {
		tmp, err := inflateToTemp(backupPath)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		checkPath = tmp
	}

	db, err := sql.Open("sqlite", checkPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open backup: %v", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query: %v", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	for _, table := range docketTables {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.QueryRow(query).Scan(&count); err != nil {
			fmt.Printf("Warning: could not count rows in %s: %v\n", table, err)
		} else {
			fmt.Printf("Verified table %s: %d rows\n", table, count)
		}
	}

	return nil
}

func inflateToTemp(gzPath string) (string, error) {
	src, err := os.Open(gzPath)
	if err != nil {
		return "", fmt.Errorf("open compressed backup: %v", err)
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return "", fmt.Errorf("read gzip header: %v", err)
	}
	defer gz.Close()

	tmp, err := os.CreateTemp("", "docket-backup-verify-*.db")
	if err != nil {
		return "", fmt.Errorf("create temp file: %v", err)
	}
	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("inflate backup: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %v", err)
	}
	return tmp.Name(), nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
