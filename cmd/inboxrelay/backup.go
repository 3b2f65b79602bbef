package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"inboxrelay/internal/config"
	"inboxrelay/internal/ledger"
	"inboxrelay/internal/logging"

	"github.com/spf13/cobra"
)

const (
	manifestMember = "manifest.json"
	ledgerMember   = "ledger.db"
)

// manifest describes a backup archive. It is the first archive member.
type manifest struct {
	Version   string       `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Config    string       `json:"config,omitempty"` // member name, keeps the config's extension
	Ledger    *ledgerStats `json:"ledger,omitempty"`
}

type ledgerStats struct {
	Schema      int   `json:"schema"`
	Consumed    int64 `json:"consumed"`
	Quarantined int64 `json:"quarantined"`
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the config and delivery ledger",
		Long: `Creates a compressed .tar.gz archive with the configuration file, a
consistent snapshot of the ledger and a manifest. The relay may keep running.
The browser profile is not included; run 'inboxrelay login' again after
restoring on a new machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("inboxrelay-backup-%s.tar.gz", ts))
			}

			m, err := createBackup(cmd.Context(), outputPath, cfgPath, dbPath)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			if m.Config != "" {
				fmt.Fprintf(out, "  - %s\n", m.Config)
			}
			if m.Ledger != nil {
				fmt.Fprintf(out, "  - %s (schema v%d, %d consumed, %d quarantined)\n",
					ledgerMember, m.Ledger.Schema, m.Ledger.Consumed, m.Ledger.Quarantined)
			}
			if info, err := os.Stat(outputPath); err == nil {
				fmt.Fprintf(out, "Archive size: %s\n", humanSize(info.Size()))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.inboxrelay/backups/inboxrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config and ledger from a backup archive",
		Long: `Restores a backup made by 'inboxrelay backup'. The archived config must
validate and the archived ledger must open before anything is overwritten.
The ledger is restored to the location named by the restored config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: inboxrelay restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			if !force {
				existing := []string{cfgPath, resolveDBPath(cfgPath)}
				for _, p := range existing {
					if _, err := os.Stat(p); err == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "WARNING: %s exists and will be overwritten.\n", p)
						fmt.Fprintf(cmd.OutOrStdout(), "Stop a running relay first. Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			m, restored, err := restoreBackup(inputPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restore completed from: %s (created %s by v%s)\n",
				inputPath, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Version)
			for _, f := range restored {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// resolveDBPath reads the ledger location from the config, falling back to
// the default ledger path when the config cannot be loaded.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Ledger.DBPath != "" {
		return cfg.Ledger.DBPath
	}
	return config.ExpandPath(config.Defaults().Ledger.DBPath)
}

// createBackup archives the config file and a snapshot of the ledger, each
// only if present.
func createBackup(ctx context.Context, outputPath, cfgPath, dbPath string) (manifest, error) {
	m := manifest{Version: version, CreatedAt: time.Now().UTC()}

	staging, err := os.MkdirTemp("", "inboxrelay-backup-")
	if err != nil {
		return m, err
	}
	defer os.RemoveAll(staging)

	members := map[string]string{}
	if _, err := os.Stat(cfgPath); err == nil {
		m.Config = "config" + filepath.Ext(cfgPath)
		members[m.Config] = cfgPath
	}
	if _, err := os.Stat(dbPath); err == nil {
		snap := filepath.Join(staging, ledgerMember)
		stats, err := snapshotLedger(ctx, dbPath, snap)
		if err != nil {
			return m, err
		}
		m.Ledger = &stats
		members[ledgerMember] = snap
	}
	if len(members) == 0 {
		return m, fmt.Errorf("nothing to back up (ledger: %s, config: %s)", dbPath, cfgPath)
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, err
	}
	return m, writeArchive(outputPath, manifestJSON, members)
}

func snapshotLedger(ctx context.Context, dbPath, dest string) (ledgerStats, error) {
	var stats ledgerStats
	store, err := ledger.Open(ledger.Config{Path: dbPath, Logger: logging.Discard()})
	if err != nil {
		return stats, err
	}
	defer store.Close()

	if err := store.Snapshot(ctx, dest); err != nil {
		return stats, err
	}
	if stats.Schema, err = store.SchemaVersion(); err != nil {
		return stats, err
	}
	totals, err := store.Totals(ctx)
	if err != nil {
		return stats, err
	}
	stats.Consumed, stats.Quarantined = totals.Consumed, totals.Quarantined
	return stats, nil
}

// writeArchive writes the manifest first, then members sorted by name.
func writeArchive(outputPath string, manifestJSON []byte, members map[string]string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    manifestMember,
		Mode:    0o600,
		Size:    int64(len(manifestJSON)),
		ModTime: time.Now(),
	}); err != nil {
		return err
	}
	if _, err := tarWriter.Write(manifestJSON); err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(members)) {
		if err := addFileToTar(tarWriter, name, members[name]); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// restoreBackup unpacks the archive into a staging directory, checks that
// the config validates and the ledger opens, and only then moves them into
// place.
func restoreBackup(archivePath, cfgPath string) (manifest, []string, error) {
	var m manifest

	staging, err := os.MkdirTemp("", "inboxrelay-restore-")
	if err != nil {
		return m, nil, err
	}
	defer os.RemoveAll(staging)

	staged, err := extractArchive(archivePath, staging)
	if err != nil {
		return m, nil, err
	}
	raw, ok := staged[manifestMember]
	if !ok {
		return m, nil, errors.New("archive has no manifest, not an inboxrelay backup")
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, nil, fmt.Errorf("read manifest: %w", err)
	}

	dbPath := resolveDBPath(cfgPath)
	stagedCfg, hasCfg := staged[m.Config]
	if m.Config != "" {
		if !hasCfg {
			return m, nil, fmt.Errorf("manifest lists %s but the archive lacks it", m.Config)
		}
		if configFormat(m.Config) != configFormat(cfgPath) {
			return m, nil, fmt.Errorf("archived %s cannot replace %s; pass --config with a matching extension", m.Config, cfgPath)
		}
		cfg, err := config.Load(stagedCfg)
		if err != nil {
			return m, nil, fmt.Errorf("archived config: %w", err)
		}
		dbPath = cfg.Ledger.DBPath
	}
	stagedDB, hasDB := staged[ledgerMember]
	if m.Ledger != nil {
		if !hasDB {
			return m, nil, fmt.Errorf("manifest lists %s but the archive lacks it", ledgerMember)
		}
		store, err := ledger.Open(ledger.Config{Path: stagedDB, Logger: logging.Discard()})
		if err != nil {
			return m, nil, fmt.Errorf("archived ledger: %w", err)
		}
		if err := store.Close(); err != nil {
			return m, nil, fmt.Errorf("archived ledger: %w", err)
		}
	}

	var restored []string
	if m.Config != "" {
		if err := installFile(stagedCfg, cfgPath); err != nil {
			return m, restored, err
		}
		restored = append(restored, cfgPath)
	}
	if m.Ledger != nil {
		// WAL files of the replaced ledger would be replayed onto the restored one.
		for _, side := range []string{dbPath + "-wal", dbPath + "-shm"} {
			if err := os.Remove(side); err != nil && !errors.Is(err, os.ErrNotExist) {
				return m, restored, err
			}
		}
		if err := installFile(stagedDB, dbPath); err != nil {
			return m, restored, err
		}
		restored = append(restored, dbPath)
	}
	return m, restored, nil
}

func configFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// extractArchive writes the known members of archivePath into dir and maps
// member name to extracted path. Unknown members are skipped.
func extractArchive(archivePath, dir string) (map[string]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	staged := map[string]string{}
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(header.Name)
		if name != manifestMember && name != ledgerMember && !strings.HasPrefix(name, "config.") {
			continue
		}
		dest := filepath.Join(dir, name)
		if err := writeFile(dest, tarReader); err != nil {
			return nil, err
		}
		staged[name] = dest
	}
	return staged, nil
}

// installFile copies src over dst through a temporary sibling and a rename.
func installFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".restore"
	if err := writeFile(tmp, in); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install %s: %w", dst, err)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
