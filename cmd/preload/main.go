package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"web/madtrees/cluster"
	"web/madtrees/logger"
	"web/madtrees/trees"
)

// Converts the full district dataset offline and writes a snapshot the
// server can resume from, skipping the slow first load.
func main() {
	dataDir := flag.String("data", "data", "Directory holding districts/index.json and the district files")
	outDir := flag.String("out", filepath.Join("data", "snapshots"), "Directory to write the snapshot to")
	format := flag.String("format", "zstd", "Snapshot format: zstd or mmap")
	workers := flag.Int("workers", 1, "Concurrent district loads (1 = sequential)")
	flag.Parse()

	if *format != "zstd" && *format != "mmap" {
		fmt.Printf("Unknown format %q\n", *format)
		os.Exit(1)
	}

	log := logger.Setup()

	sink := cluster.NewTreeCluster(cluster.TreeClusterOptions{
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 3,
		Radius:    60,
		Extent:    512,
		NodeSize:  64,
	})

	var strategy trees.Strategy = trees.Sequential{}
	if *workers > 1 {
		strategy = trees.Pool{Workers: *workers}
	}

	orch := trees.NewOrchestrator(&trees.DirFetcher{Dir: *dataDir}, sink, trees.OrchestratorOptions{
		Strategy: strategy,
		Log:      log,
		OnProgress: func(loaded, total, percent int) {
			fmt.Printf("Loaded %d/%d districts (%d%%)\n", loaded, total, percent)
		},
	})

	start := time.Now()
	if err := orch.LoadAll(context.Background()); err != nil {
		fmt.Printf("Load failed: %v\n", err)
		os.Exit(1)
	}

	loaded, total, _ := orch.Progress()
	fmt.Printf("Converted %d trees from %d/%d districts in %v\n",
		sink.Count(), loaded, total, time.Since(start))
	if loaded < total {
		fmt.Printf("Warning: %d districts failed and are not in the snapshot\n", total-loaded)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		fmt.Printf("Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	sink.LoadedDistricts = orch.State().LoadedCodes()
	timestamp := time.Now().Format("20060102-150405")
	var savePath string
	var err error
	switch *format {
	case "zstd":
		savePath = filepath.Join(*outDir, fmt.Sprintf("trees-%dp-%s-preload0.zst", sink.Count(), timestamp))
		err = sink.SaveCompressed(savePath)
	case "mmap":
		savePath = filepath.Join(*outDir, fmt.Sprintf("trees-%dp-%s-preload0.mmap", sink.Count(), timestamp))
		err = sink.SaveMMap(savePath)
	}
	if err != nil {
		fmt.Printf("Error saving snapshot: %v\n", err)
		os.Exit(1)
	}

	info, err := os.Stat(savePath)
	if err == nil {
		fmt.Printf("Snapshot saved to %s (%.1f MB)\n", savePath, float64(info.Size())/1024/1024)
	}
}
