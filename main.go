package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"web/madtrees/cluster"
	"web/madtrees/logger"
	"web/madtrees/metrics"
	"web/madtrees/trees"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Server struct {
	sink *cluster.TreeCluster
	orch *trees.Orchestrator

	mu        sync.Mutex
	lastError string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func generateSnapshotFilename(dir string, size int) string {
	timestamp := time.Now().Format("20060102-150405")
	id := uuid.New().String()[:8] // first 8 chars of UUID for brevity
	return filepath.Join(dir, fmt.Sprintf("trees-%dp-%s-%s.zst", size, timestamp, id))
}

type SnapshotInfo struct {
	ID        string    `json:"id"`
	NumTrees  int       `json:"numTrees"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
}

// listSnapshots parses trees-{n}p-{timestamp}-{id}.zst filenames in dir.
func listSnapshots(dir string) ([]SnapshotInfo, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	snapshots := make([]SnapshotInfo, 0)
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".zst" {
			continue
		}
		name := strings.TrimSuffix(file.Name(), ".zst")
		parts := strings.Split(name, "-")
		if len(parts) != 5 || parts[0] != "trees" {
			continue
		}
		numTrees, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
		if err != nil {
			continue
		}
		timestamp, err := time.Parse("20060102-150405", parts[2]+"-"+parts[3])
		if err != nil {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, SnapshotInfo{
			ID:        parts[4],
			NumTrees:  numTrees,
			Timestamp: timestamp,
			FileSize:  info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func latestSnapshotPath(dir string) string {
	files, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, file := range files {
		if !file.IsDir() && strings.HasPrefix(file.Name(), "trees-") && filepath.Ext(file.Name()) == ".zst" {
			names = append(names, file.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	// Timestamp is embedded in the name, so lexical order is load order.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1])
}

func (s *Server) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Server) getLastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// triggerLoad kicks one traversal off in the background. The orchestrator
// is idempotent and re-entrancy guarded, so triggering is always cheap.
func (s *Server) triggerLoad() {
	go func() {
		if err := s.orch.LoadAll(context.Background()); err != nil {
			// Only an index failure reaches here; district failures are
			// contained inside the traversal.
			fmt.Printf("District index load failed: %v\n", err)
			s.setLastError(err.Error())
			return
		}
		s.setLastError("")
		metrics.RenderedPoints.Set(float64(s.sink.Count()))
	}()
}

func (s *Server) saveSnapshot(dir string) (string, error) {
	s.sink.LoadedDistricts = s.orch.State().LoadedCodes()
	savePath := generateSnapshotFilename(dir, s.sink.Count())
	if err := s.sink.SaveCompressed(savePath); err != nil {
		return "", err
	}
	return savePath, nil
}

func getBoundsFromQuery(c *gin.Context) (cluster.KDBounds, error) {
	north, err := strconv.ParseFloat(c.Query("north"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid north parameter")
	}
	south, err := strconv.ParseFloat(c.Query("south"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid south parameter")
	}
	east, err := strconv.ParseFloat(c.Query("east"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid east parameter")
	}
	west, err := strconv.ParseFloat(c.Query("west"), 64)
	if err != nil {
		return cluster.KDBounds{}, fmt.Errorf("invalid west parameter")
	}
	return cluster.KDBounds{
		MinX: float32(west),
		MinY: float32(south),
		MaxX: float32(east),
		MaxY: float32(north),
	}, nil
}

func main() {
	godotenv.Load()
	log := logger.Setup()

	port := envOr("PORT", "8000")
	dataDir := envOr("DATA_DIR", "data")
	dataURL := os.Getenv("DATA_URL")
	snapshotDir := envOr("SNAPSHOT_DIR", filepath.Join("data", "snapshots"))
	reloadCron := envOr("RELOAD_CRON", "@every 5m")
	workers, _ := strconv.Atoi(envOr("LOAD_WORKERS", "1"))

	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		fmt.Printf("Error creating snapshot directory: %v\n", err)
	}

	var fetcher trees.Fetcher
	if dataURL != "" {
		fetcher = &trees.HTTPFetcher{
			BaseURL: dataURL,
			Client:  &http.Client{Timeout: 30 * time.Second},
		}
		fmt.Printf("Fetching district data from %s\n", dataURL)
	} else {
		fetcher = &trees.DirFetcher{Dir: dataDir}
		fmt.Printf("Reading district data from %s\n", dataDir)
	}

	// Resume from the latest snapshot when one exists; otherwise start
	// with an empty sink and let the orchestrator fill it.
	var sink *cluster.TreeCluster
	if path := latestSnapshotPath(snapshotDir); path != "" {
		loadStart := time.Now()
		loaded, err := cluster.LoadCompressedTreeCluster(path)
		if err != nil {
			fmt.Printf("Failed to load snapshot %s: %v\n", path, err)
		} else {
			sink = loaded
			fmt.Printf("Loaded snapshot %s (%d trees, %d districts) in %v\n",
				path, sink.Count(), len(sink.LoadedDistricts), time.Since(loadStart))
		}
	}
	if sink == nil {
		sink = cluster.NewTreeCluster(cluster.TreeClusterOptions{
			MinZoom:   0,
			MaxZoom:   16,
			MinPoints: 3,
			Radius:    60,
			Extent:    512,
			NodeSize:  64,
		})
	}

	var strategy trees.Strategy = trees.Sequential{}
	if workers > 1 {
		strategy = trees.Pool{Workers: workers}
	}

	orch := trees.NewOrchestrator(fetcher, sink, trees.OrchestratorOptions{
		Strategy: strategy,
		Log:      log,
		OnProgress: func(loaded, total, percent int) {
			fmt.Printf("Loaded %d/%d districts (%d%%)\n", loaded, total, percent)
			metrics.RenderedPoints.Set(float64(sink.Count()))
		},
	})
	orch.SeedLoaded(sink.LoadedDistricts)

	server := &Server{sink: sink, orch: orch}
	server.triggerLoad()

	// Re-trigger periodically: the traversal is idempotent, so this only
	// retries districts that failed earlier.
	var reloader *cron.Cron
	if reloadCron != "" {
		reloader = cron.New()
		if _, err := reloader.AddFunc(reloadCron, server.triggerLoad); err != nil {
			fmt.Printf("Invalid RELOAD_CRON %q: %v\n", reloadCron, err)
		} else {
			reloader.Start()
		}
	}

	r := gin.Default()

	// Enable CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Clustered view for the current viewport
	r.GET("/api/clusters", func(c *gin.Context) {
		zoom, err := strconv.Atoi(c.Query("zoom"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid zoom parameter"})
			return
		}
		bounds, err := getBoundsFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		geojson, err := server.sink.ToGeoJSON(bounds, zoom)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, geojson)
	})

	// Summary of the current viewport for the inspector panel
	r.GET("/api/clusters/summary", func(c *gin.Context) {
		zoom, err := strconv.Atoi(c.Query("zoom"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid zoom parameter"})
			return
		}
		bounds, err := getBoundsFromQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		clusters := server.sink.GetClusters(bounds, zoom)
		c.JSON(http.StatusOK, cluster.SummarizeView(clusters))
	})

	// District manifest plus which districts are on screen
	r.GET("/api/districts", func(c *gin.Context) {
		index, err := server.orch.Index(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total_districts": index.TotalDistricts,
			"total_trees":     index.TotalTrees,
			"districts":       index.Districts,
			"loaded":          server.orch.State().LoadedCodes(),
		})
	})

	// Loading progress indicator
	r.GET("/api/progress", func(c *gin.Context) {
		loaded, total, percent := server.orch.Progress()
		resp := gin.H{
			"loaded":   loaded,
			"total":    total,
			"percent":  percent,
			"rendered": server.sink.Count(),
			"loading":  server.orch.State().Loading(),
		}
		if msg := server.getLastError(); msg != "" {
			resp["error"] = msg
		}
		c.JSON(http.StatusOK, resp)
	})

	// Trigger a traversal; a no-op when one is already running
	r.POST("/api/load", func(c *gin.Context) {
		if server.orch.State().Loading() {
			c.JSON(http.StatusAccepted, gin.H{"message": "Load already in progress"})
			return
		}
		server.triggerLoad()
		c.JSON(http.StatusOK, gin.H{"message": "Load started"})
	})

	// Save a snapshot of the fully converted marker set
	r.POST("/api/snapshot", func(c *gin.Context) {
		if server.sink.Count() == 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "Nothing loaded yet"})
			return
		}
		savePath, err := server.saveSnapshot(snapshotDir)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		info, _ := os.Stat(savePath)
		c.JSON(http.StatusOK, gin.H{
			"message": "Snapshot saved",
			"path":    savePath,
			"size":    formatFileSize(info.Size()),
		})
	})

	// Rendered count and dataset totals for the performance indicator
	r.GET("/api/stats", func(c *gin.Context) {
		resp := gin.H{
			"rendered":         server.sink.Count(),
			"loaded_districts": server.orch.State().LoadedCount(),
		}
		if index, err := server.orch.Index(c.Request.Context()); err == nil {
			resp["total_districts"] = index.TotalDistricts
			resp["total_trees"] = index.TotalTrees
		}
		c.JSON(http.StatusOK, resp)
	})

	// List available snapshots
	r.GET("/api/snapshots", func(c *gin.Context) {
		snapshots, err := listSnapshots(snapshotDir)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snapshots)
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Printf("Starting server on :%s...\n", port)
		if err := r.Run(":" + port); err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	}()

	<-quit
	fmt.Println("\nShutting down server...")
	if reloader != nil {
		reloader.Stop()
	}

	if server.sink.Count() > 0 {
		savePath, err := server.saveSnapshot(snapshotDir)
		if err != nil {
			fmt.Printf("Failed to save snapshot on shutdown: %v\n", err)
		} else if info, err := os.Stat(savePath); err == nil {
			fmt.Printf("Snapshot saved to %s (%s)\n", savePath, formatFileSize(info.Size()))
		}
	}

	fmt.Println("Server stopped")
}
