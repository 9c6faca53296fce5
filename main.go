package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"arcfilter/archive"
	"arcfilter/config"
	"arcfilter/filter"
	"arcfilter/hashindex"
	"arcfilter/inspector"
	"arcfilter/journal"
	"arcfilter/logging"
	"arcfilter/pipeline"
	"arcfilter/planner"
	"arcfilter/pool"
	"arcfilter/signalhandler"
	"arcfilter/utils"
)

const toolVersion = "arcfilter 1.0.0"

// Exit codes.
const (
	exitOK             = 0
	exitNoInputs       = 1
	exitInvalidConfig  = 2
	exitPartialFailure = 3
	exitFatalStartup   = 4
)

var rootCmd = &cobra.Command{
	Use:   "arcfilter",
	Short: "Filter low-value and duplicate images out of comic archives",
	Long: `Processes ZIP/CBZ/RAR/7z archives of images: drops small, blank and
duplicate pages (within and across archives, via a persistent perceptual-hash
index) and atomically repacks each archive with a backup of the original.`,
}

var processCmd = &cobra.Command{
	Use:   "process [paths...]",
	Short: "Filter and repack the archives under the given paths",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runProcess(args))
	},
}

var searchCmd = &cobra.Command{
	Use:   "search IMAGE",
	Short: "Find the hash-index entry nearest to an image file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runSearch(args[0]))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.Bool("remove-small", true, "Drop images below the minimum dimension")
	pf.Int("min-size", 631, "Minimum width and height in pixels")
	pf.Bool("remove-grayscale", true, "Drop near-grayscale and near-white pages")
	pf.Float64("grayscale-threshold", 0.90, "Achromatic sample fraction treated as grayscale")
	pf.Float64("white-threshold", 0.99, "Near-white sample fraction treated as blank")
	pf.Bool("remove-duplicates", true, "Drop exact and near-duplicate images")
	pf.Int("self-hamming", 2, "Hamming radius for in-archive near-duplicates")
	pf.Int("cross-hamming", 12, "Hamming radius for cross-archive duplicates")
	pf.String("hash-index-path", "", "Hash index file (empty disables cross-archive dedup)")
	pf.String("journal-path", "", "Resume journal file (default: next to the executable)")
	pf.Int("hash-bits", 64, "Perceptual hash width (64 or 256)")
	pf.String("bak-mode", "keep", "Backup disposition: keep, recycle or delete")
	pf.String("archiver-path", "", "External archiver binary override")
	pf.Int("max-workers", 0, "Worker count (0 = derive from CPU and memory budget)")
	pf.Int("memory-budget-mb", 0, "Memory budget in MB (0 = unbounded)")
	pf.StringSlice("exclude-paths", nil, "Skip archives whose path contains any of these substrings")
	pf.Bool("force", false, "Reprocess archives already recorded in the journal")
	pf.Bool("dry-run", false, "Plan and report without modifying any archive")
	pf.String("logfile", "arcfilter.log", "Debug log file path")

	pf.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(searchCmd)
}

func runProcess(inputs []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}

	if err := logging.SetupLogger(cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer logging.CloseLogger()

	signalhandler.SetupHandler()

	paths, err := pipeline.EnumerateArchives(inputs, cfg.ExcludePaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatalStartup
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "No archives found under the given paths.")
		return exitNoInputs
	}

	runner, runnerErr := newRunner(cfg, paths)
	if runnerErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runnerErr)
		return exitFatalStartup
	}

	insp, err := inspector.New(cfg.HashBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}

	var ix *hashindex.Index
	if cfg.HashIndexPath != "" {
		ix, err = hashindex.Open(cfg.HashIndexPath, cfg.HashBits)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFatalStartup
		}
		defer ix.Close()
	}

	journalPath := cfg.JournalPath
	if journalPath == "" {
		journalPath = utils.GetDefaultJournalPath()
	}
	jrnl, err := journal.Open(journalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatalStartup
	}
	defer jrnl.Close()

	p := pipeline.New(pipeline.Options{
		Inputs:       paths,
		ExcludePaths: cfg.ExcludePaths,
		Filter: filter.Options{
			RemoveSmall:    cfg.RemoveSmall,
			MinSize:        cfg.MinSize,
			RemoveGray:     cfg.RemoveGrayscale,
			GrayThreshold:  cfg.GrayscaleThreshold,
			WhiteThreshold: cfg.WhiteThreshold,
			RemoveDups:     cfg.RemoveDuplicates,
			SelfHamming:    cfg.SelfHamming,
			CrossHamming:   cfg.CrossHamming,
		},
		Planner:      planner.DefaultOptions(),
		BakMode:      archive.BakMode(cfg.BakMode),
		Force:        cfg.Force,
		DryRun:       cfg.DryRun,
		ToolVersion:  toolVersion,
		ParamsDigest: cfg.ParamsDigest(),
	}, archive.NewGateway(runner), insp, pipeline.WrapIndex(ix), jrnl)

	workers := pool.Workers(cfg.MaxWorkers, cfg.MemoryBudgetMB)
	stats, summary, err := p.Run(context.Background(), workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatalStartup
	}

	fmt.Print(pipeline.Report(stats, summary))

	if stats.ArchivesFailed > 0 || stats.IndexWriteFailures > 0 {
		return exitPartialFailure
	}
	return exitOK
}

// newRunner discovers the external archiver. Its absence is fatal only when a
// non-native archive is actually on the work list.
func newRunner(cfg *config.Config, paths []string) (*archive.Runner, error) {
	needed := false
	for _, p := range paths {
		if !archive.IsNativeFormat(p) {
			needed = true
			break
		}
	}

	bin, err := archive.FindArchiver(cfg.ArchiverPath)
	if err != nil {
		if needed {
			return nil, fmt.Errorf("RAR/7z inputs present but no external archiver found: %v", err)
		}
		return nil, nil
	}
	return archive.NewRunner(bin, 0), nil
}

func runSearch(imagePath string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}
	if cfg.HashIndexPath == "" {
		fmt.Fprintln(os.Stderr, "Error: search requires --hash-index-path")
		return exitInvalidConfig
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitNoInputs
	}

	insp, err := inspector.New(cfg.HashBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalidConfig
	}
	desc, err := insp.Inspect(imagePath, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot inspect %s: %v\n", imagePath, err)
		return exitNoInputs
	}

	ix, err := hashindex.Open(cfg.HashIndexPath, cfg.HashBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatalStartup
	}
	defer ix.Close()

	entry, dist, ok := ix.Query(desc.PHash, cfg.CrossHamming)
	if !ok {
		fmt.Printf("No entry within Hamming distance %d of %s (index holds %d entries).\n",
			cfg.CrossHamming, imagePath, ix.Len())
		return exitOK
	}

	fmt.Printf("Nearest: %s (distance %d, first seen %s)\n",
		entry.URI, dist, entry.FirstSeenAt.Format("2006-01-02 15:04:05"))
	return exitOK
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalidConfig)
	}
}
