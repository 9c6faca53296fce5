package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"arcfilter/codec"
	"arcfilter/logging"
)

// ErrTimeout marks an archiver invocation that exceeded its time budget.
var ErrTimeout = errors.New("archiver invocation timed out")

// ArchiverError carries the captured stderr of a failed archiver run.
type ArchiverError struct {
	Bin    string
	Args   []string
	Stderr string
	Err    error
}

func (e *ArchiverError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Bin, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += " (" + strings.TrimSpace(e.Stderr) + ")"
	}
	return msg
}

func (e *ArchiverError) Unwrap() error {
	return e.Err
}

// archiverNames are the binaries probed on PATH, in order of preference.
var archiverNames = []string{"7z", "7zz", "7za"}

// standardLocations returns platform-typical install paths checked before PATH.
func standardLocations() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\7-Zip\7z.exe`,
			`C:\Program Files (x86)\7-Zip\7z.exe`,
		}
	case "darwin":
		return []string{
			"/opt/homebrew/bin/7zz",
			"/usr/local/bin/7z",
			"/usr/local/bin/7zz",
		}
	default:
		return []string{
			"/usr/bin/7z",
			"/usr/bin/7zz",
			"/usr/local/bin/7z",
		}
	}
}

// FindArchiver locates the external archiver binary. An explicit override
// wins; otherwise platform-standard locations are checked, then PATH.
func FindArchiver(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("archiver binary not found at %s: %v", override, err)
		}
		return override, nil
	}

	for _, loc := range standardLocations() {
		if info, err := os.Stat(loc); err == nil && !info.IsDir() {
			return loc, nil
		}
	}

	for _, name := range archiverNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", errors.New("no external archiver found (tried 7z, 7zz, 7za)")
}

// Runner drives the external archiver with a per-invocation timeout.
type Runner struct {
	bin     string
	timeout time.Duration
}

// NewRunner wraps the binary at bin. timeout bounds each invocation.
func NewRunner(bin string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Runner{bin: bin, timeout: timeout}
}

// Bin returns the resolved archiver path.
func (r *Runner) Bin() string {
	return r.bin
}

// run executes one archiver invocation, killing it at the timeout.
func (r *Runner) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, r.bin, strings.Join(args, " "))
		}
		logging.LogError("archiver failed: %s %s: %v", r.bin, strings.Join(args, " "), err)
		return nil, &ArchiverError{Bin: r.bin, Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// List reads the entry table with `7z l -slt` and parses the Path/Size blocks.
// Names come back already decoded by the archiver; confidence is high only in
// the sense that no further trial decoding applies.
func (r *Runner) List(ctx context.Context, archivePath string) ([]Entry, error) {
	out, err := r.run(ctx, "l", "-slt", "-ba", archivePath)
	if err != nil {
		return nil, err
	}
	return parseListing(out), nil
}

// parseListing walks `-slt` output: blank-line-separated blocks of
// "Key = Value" pairs.
func parseListing(out []byte) []Entry {
	var entries []Entry
	var path string
	var size int64
	var isDir bool

	flush := func() {
		if path != "" && !isDir {
			entries = append(entries, Entry{
				Path:       strings.ReplaceAll(path, "\\", "/"),
				RawName:    []byte(path),
				Encoding:   "utf-8",
				Confidence: codec.HighConfidence,
				Size:       size,
			})
		}
		path, size, isDir = "", 0, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		key, value, found := strings.Cut(line, " = ")
		if !found {
			continue
		}
		switch key {
		case "Path":
			path = value
		case "Size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				size = n
			}
		case "Folder":
			isDir = value == "+"
		case "Attributes":
			if strings.HasPrefix(value, "D") {
				isDir = true
			}
		}
	}
	flush()
	return entries
}

// ExtractAll unpacks the whole archive into destDir.
func (r *Runner) ExtractAll(ctx context.Context, archivePath, destDir string) error {
	_, err := r.run(ctx, "x", "-y", "-o"+destDir, archivePath)
	return err
}

// ExtractSelection unpacks only the named entries, passed via a list file so
// arbitrary names survive argv quoting.
func (r *Runner) ExtractSelection(ctx context.Context, archivePath, destDir string, names []string) error {
	listFile, err := os.CreateTemp("", "arcfilter-names-*.txt")
	if err != nil {
		return fmt.Errorf("cannot create name list file: %v", err)
	}
	defer os.Remove(listFile.Name())

	for _, name := range names {
		if _, err := fmt.Fprintln(listFile, name); err != nil {
			listFile.Close()
			return fmt.Errorf("cannot write name list file: %v", err)
		}
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("cannot close name list file: %v", err)
	}

	_, err = r.run(ctx, "x", "-y", "-o"+destDir, archivePath, "@"+listFile.Name())
	return err
}
