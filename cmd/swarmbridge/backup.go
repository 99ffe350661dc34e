package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/store"
)

// Archive sections. Each entry is stored as <section>/<relative path>.
const (
	sectionStore  = "store"
	sectionNATS   = "nats"
	sectionConfig = "config"
)

type archiveSource struct {
	section string
	path    string // file or directory
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: swarmbridge backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Fold the WAL into the main database file
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := db.Checkpoint(); err != nil {
		db.Close()
		return fmt.Errorf("checkpoint store: %w", err)
	}
	db.Close()

	sources := []archiveSource{
		{sectionStore, cfg.Store.Path},
		{sectionNATS, cfg.NATS.DataDir},
		{sectionConfig, config.Path()},
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	count, err := writeArchive(f, sources)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", count, formatSize(size))
	return nil
}

// writeArchive streams every source into a zstd-compressed tar and returns
// the number of regular files written. Missing sources are skipped.
func writeArchive(w io.Writer, sources []archiveSource) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, src := range sources {
		if src.path == "" {
			continue
		}
		info, err := os.Stat(src.path)
		if os.IsNotExist(err) {
			slog.Warn("backup source missing, skipping", "section", src.section, "path", src.path)
			continue
		}
		if err != nil {
			return count, fmt.Errorf("stat %s: %w", src.path, err)
		}

		if !info.IsDir() {
			if err := addFile(tw, path.Join(src.section, filepath.Base(src.path)), src.path, info); err != nil {
				return count, err
			}
			count++
			continue
		}

		err = filepath.WalkDir(src.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src.path, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			name := path.Join(src.section, filepath.ToSlash(rel))
			if d.IsDir() {
				hdr, err := tar.FileInfoHeader(info, "")
				if err != nil {
					return err
				}
				hdr.Name = name + "/"
				return tw.WriteHeader(hdr)
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if err := addFile(tw, name, p, info); err != nil {
				return err
			}
			count++
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("archive %s: %w", src.section, err)
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

func addFile(tw *tar.Writer, name, src string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", src, err)
	}
	hdr.Name = name

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: swarmbridge restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targets := map[string]string{
		sectionStore:  filepath.Dir(cfg.Store.Path),
		sectionNATS:   cfg.NATS.DataDir,
		sectionConfig: filepath.Dir(config.Path()),
	}

	// Pre-scan: refuse to clobber existing files
	entries, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("Archive contains no files.")
		return nil
	}
	if !overwrite {
		for _, name := range entries {
			section, rel := splitArchivePath(name)
			dst := filepath.Join(targets[section], filepath.FromSlash(rel))
			if _, err := os.Stat(dst); err == nil {
				return fmt.Errorf("%s already exists, add -overwrite to replace files", dst)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	count, err := extractArchive(f, targets)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", count)
	return nil
}

// extractArchive writes each entry below the target directory of its
// section and returns the number of files written.
func extractArchive(r io.Reader, targets map[string]string) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		root, ok := targets[section]
		if !ok || root == "" {
			continue
		}
		dst := filepath.Join(root, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return count, fmt.Errorf("create dir %s: %w", dst, err)
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return count, err
			}
			slog.Info("restored file", "path", dst)
			count++
		}
	}
	return count, nil
}

func writeFile(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}

// scanArchive reads tar headers and returns the names of the regular files
// that belong to a known section, without extracting file data.
func scanArchive(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if section, _ := splitArchivePath(hdr.Name); section != "" {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

// splitArchivePath splits an entry name into its section and the path
// relative to it. Unknown sections and paths escaping the section yield
// empty strings.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return "", ""
	}

	section, rel, _ = strings.Cut(name, "/")
	switch section {
	case sectionStore, sectionNATS, sectionConfig:
	default:
		return "", ""
	}

	if rel == "" {
		return section, "./"
	}
	if !filepath.IsLocal(strings.TrimSuffix(rel, "/")) {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
