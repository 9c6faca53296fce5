// Package archive reads and writes the container files the pipeline
// processes. ZIP and CBZ are handled natively so the codec can see raw entry
// name bytes and repack controls the encoded names; RAR and 7z inputs go
// through an external archiver and are always repacked as ZIP.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"arcfilter/codec"
)

// Entry describes one archive member after name decoding.
type Entry struct {
	Path       string // decoded, slash-separated
	RawName    []byte
	Encoding   string
	Confidence codec.Confidence
	Size       int64
}

// ExtractedEntry pairs an entry with the temp file holding its bytes.
// Extracted files use short deterministic names so over-limit entry names
// never hit platform path limits; originals are restored at repack.
type ExtractedEntry struct {
	Entry
	TempPath string
}

// ProcessedLogName is the journal entry embedded in each repacked archive.
const ProcessedLogName = "processed.log"

// Gateway lists, extracts and creates archives. runner may be nil, in which
// case RAR/7z inputs are rejected.
type Gateway struct {
	runner *Runner
}

// NewGateway wraps the external runner (nil disables RAR/7z support).
func NewGateway(runner *Runner) *Gateway {
	return &Gateway{runner: runner}
}

// IsNativeFormat reports whether the path is a natively handled ZIP variant.
func IsNativeFormat(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return true
	}
	return false
}

// List returns the archive's entries with decoded names, sorted
// lexicographically by decoded path. Directory markers are skipped.
func (g *Gateway) List(ctx context.Context, path string) ([]Entry, error) {
	var entries []Entry
	var err error
	if IsNativeFormat(path) {
		entries, err = listZip(path)
	} else {
		if g.runner == nil {
			return nil, fmt.Errorf("no external archiver available for %s", path)
		}
		entries, err = g.runner.List(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ExtractAll unpacks every entry into destDir and returns the entries with
// their temp file locations, sorted lexicographically by decoded path.
func (g *Gateway) ExtractAll(ctx context.Context, path, destDir string) ([]ExtractedEntry, error) {
	var extracted []ExtractedEntry
	var err error
	if IsNativeFormat(path) {
		extracted, err = extractZip(path, destDir)
	} else {
		if g.runner == nil {
			return nil, fmt.Errorf("no external archiver available for %s", path)
		}
		extracted, err = g.extractExternal(ctx, path, destDir)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(extracted, func(i, j int) bool { return extracted[i].Path < extracted[j].Path })
	return extracted, nil
}

// listZip reads the central directory of a ZIP/CBZ natively, preserving raw
// name bytes and the UTF-8 flag for the codec.
func listZip(path string) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open archive %s: %v", path, err)
	}
	defer r.Close()

	var entries []Entry
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		raw := []byte(f.Name)
		name, enc, conf := codec.Decode(raw, !f.NonUTF8)
		if name == "" {
			continue
		}
		entries = append(entries, Entry{
			Path:       name,
			RawName:    raw,
			Encoding:   enc,
			Confidence: conf,
			Size:       int64(f.UncompressedSize64),
		})
	}
	return entries, nil
}

// extractZip unpacks a ZIP/CBZ natively. Each entry lands in a short
// deterministic temp name (e000001.jpg, ...) keyed by central-directory order.
func extractZip(path, destDir string) ([]ExtractedEntry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open archive %s: %v", path, err)
	}
	defer r.Close()

	var extracted []ExtractedEntry
	seen := make(map[string]bool)
	for i, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		raw := []byte(f.Name)
		name, enc, conf := codec.Decode(raw, !f.NonUTF8)
		if name == "" {
			continue
		}
		name = uniquify(name, seen)

		tempPath := filepath.Join(destDir, shortName(i, name))
		if err := writeZipEntry(f, tempPath); err != nil {
			return nil, err
		}

		extracted = append(extracted, ExtractedEntry{
			Entry: Entry{
				Path:       name,
				RawName:    raw,
				Encoding:   enc,
				Confidence: conf,
				Size:       int64(f.UncompressedSize64),
			},
			TempPath: tempPath,
		})
	}
	return extracted, nil
}

// extractExternal unpacks RAR/7z via the external archiver and walks the
// destination to recover the entry set.
func (g *Gateway) extractExternal(ctx context.Context, path, destDir string) ([]ExtractedEntry, error) {
	if err := g.runner.ExtractAll(ctx, path, destDir); err != nil {
		return nil, err
	}

	var extracted []ExtractedEntry
	err := filepath.Walk(destDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(destDir, p)
		if relErr != nil {
			return relErr
		}
		name := filepath.ToSlash(rel)
		extracted = append(extracted, ExtractedEntry{
			Entry: Entry{
				Path:       name,
				RawName:    []byte(name),
				Encoding:   "utf-8",
				Confidence: codec.HighConfidence,
				Size:       info.Size(),
			},
			TempPath: p,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk extraction dir for %s: %v", path, err)
	}
	return extracted, nil
}

// FileToAdd names one surviving entry for repack.
type FileToAdd struct {
	Name       string // decoded entry path inside the new archive
	SourcePath string // temp file holding the bytes
}

// Create writes a new ZIP at outPath containing files plus a processed.log
// entry. Entry names are written as UTF-8 with the UTF-8 flag set. Image
// payloads are stored uncompressed (they are already compressed formats);
// everything else is deflated.
func (g *Gateway) Create(outPath string, files []FileToAdd, processedLog []byte) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("cannot create archive %s: %v", outPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, f := range files {
		if err := addFile(zw, f); err != nil {
			zw.Close()
			return fmt.Errorf("cannot add %s to %s: %v", f.Name, outPath, err)
		}
	}

	if len(processedLog) > 0 {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   ProcessedLogName,
			Method: zip.Deflate,
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("cannot add %s: %v", ProcessedLogName, err)
		}
		if _, err := w.Write(processedLog); err != nil {
			zw.Close()
			return fmt.Errorf("cannot write %s: %v", ProcessedLogName, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("cannot finalize archive %s: %v", outPath, err)
	}
	return out.Sync()
}

// addFile streams one temp file into the zip writer.
func addFile(zw *zip.Writer, f FileToAdd) error {
	src, err := os.Open(f.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	method := zip.Deflate
	if compressedExt(f.Name) {
		method = zip.Store
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   f.Name,
		Method: method,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// compressedExt reports formats that gain nothing from deflate.
func compressedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".jpe", ".png", ".gif", ".webp", ".avif", ".jxl", ".heic", ".heif":
		return true
	}
	return false
}

// writeZipEntry copies one zip member to a file on disk.
func writeZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("cannot open entry %s: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("cannot create %s: %v", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("cannot extract entry %s: %v", f.Name, err)
	}
	return nil
}

// shortName builds the deterministic temp filename for the i-th entry.
func shortName(i int, decodedName string) string {
	return fmt.Sprintf("e%06d%s", i, strings.ToLower(filepath.Ext(decodedName)))
}

// uniquify disambiguates decoded names that collide after transcoding.
func uniquify(name string, seen map[string]bool) string {
	if !seen[name] {
		seen[name] = true
		return name
	}
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s~%d", name, n)
		if !seen[cand] {
			seen[cand] = true
			return cand
		}
	}
}
