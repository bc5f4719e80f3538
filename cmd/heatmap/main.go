// cmd/heatmap runs the tile heatmap pipeline on one local image without the
// NATS worker.
//
// Usage:
//
//	./heatmap -input scan.tiff
//	./heatmap -input scan.tiff -output scan_heat.png -tile 256 -false-color
//	./heatmap -input photo.jpg -max-dim 1000 -full-frame
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tendant/simple-heatmapper/internal/decode"
	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/pipeline"
	"github.com/tendant/simple-heatmapper/internal/tile"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes one heatmap job and returns the process exit code. Every exit
// path goes through its deferred cleanup.
func run(args []string) int {
	fs := flag.NewFlagSet("heatmap", flag.ContinueOnError)
	input := fs.String("input", "", "Input image path (required)")
	output := fs.String("output", "", "Output heatmap path (default: input_heatmap.png)")
	tileSize := fs.Int("tile", tile.DefaultSize, "Tile edge length in pixels")
	maxDim := fs.Int("max-dim", decode.DefaultMaxDimension, "Downscale sources whose longest edge exceeds this")
	fullFrame := fs.Bool("full-frame", false, "Decode oversized JPEG, GIF, BMP and WebP sources whole before downscaling")
	falseColor := fs.Bool("false-color", false, "Write a jet-colored RGB heatmap instead of grayscale")
	timeout := fs.Duration("timeout", 5*time.Minute, "Give up after this long")
	verbose := fs.Bool("v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		fs.Usage()
		return 1
	}
	if _, err := os.Stat(*input); os.IsNotExist(err) {
		log.Printf("❌ Input file not found: %s", *input)
		return 1
	}
	if !decode.SupportsPath(*input) {
		log.Printf("❌ Unsupported file type: %s\n\nSupported extensions: %s", *input, strings.Join(decode.SupportedExtensions(), " "))
		return 1
	}
	if *output == "" {
		ext := filepath.Ext(*input)
		*output = strings.TrimSuffix(*input, ext) + "_heatmap.png"
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	workDir, err := os.MkdirTemp("", "heatmap-*")
	if err != nil {
		log.Printf("❌ Failed to create work dir: %v", err)
		return 1
	}
	defer os.RemoveAll(workDir)

	manager := job.NewManager(nil, logger)
	done := make(chan job.Job, 1)
	manager.Observe(func(j job.Job) {
		switch {
		case j.Phase.Terminal():
			done <- j
		case j.Phase == job.PhaseTiling && j.Progress > 0:
			fmt.Printf("\r🧩 Tiling %dx%d grid... %3d%%", j.Cols, j.Rows, j.Progress)
		}
	})

	runner, err := pipeline.New(pipeline.Config{
		JobsDir:           workDir,
		TileSize:          *tileSize,
		MaxDimension:      *maxDim,
		FullFrameFallback: *fullFrame,
		FalseColor:        *falseColor,
		Workers:           1,
		QueueSize:         1,
	}, manager, logger)
	if err != nil {
		log.Printf("❌ %v", err)
		return 1
	}
	defer runner.Close()

	src, err := os.Open(*input)
	if err != nil {
		log.Printf("❌ Failed to open input: %v", err)
		return 1
	}
	defer src.Close()

	fmt.Printf("\n🎨 Generating heatmap...\n")
	start := time.Now()

	id, err := runner.Ingest(ctx, src, filepath.Base(*input))
	if err != nil {
		log.Printf("❌ Failed to stage input: %v", err)
		return 1
	}
	runner.Start(ctx)

	var final job.Job
	select {
	case final = <-done:
	case <-ctx.Done():
		runner.Cancel(id)
		log.Printf("\n❌ Timed out after %s", *timeout)
		return 1
	}
	fmt.Println()

	if final.Phase == job.PhaseFailed {
		log.Printf("❌ Heatmap failed: %s", final.Error)
		return 1
	}

	size, err := copyFile(final.ResultPath, *output)
	if err != nil {
		log.Printf("❌ Failed to write output: %v", err)
		return 1
	}
	duration := time.Since(start)

	fmt.Printf("\n✅ Heatmap generated!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📁 Output: %s\n", *output)
	fmt.Printf("📐 Working raster: %dx%d pixels\n", final.Width, final.Height)
	fmt.Printf("🧩 Grid: %d rows x %d cols (tile %d)\n", final.Rows, final.Cols, *tileSize)
	fmt.Printf("📏 Size: %s\n", formatBytes(size))
	fmt.Printf("⏱️  Time: %v\n", duration.Round(time.Millisecond))
	fmt.Println()
	return 0
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
