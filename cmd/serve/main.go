package main

import (
	"errors"
	"flag"
	"log/slog"
	gohttp "net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tilezen/go-tilestitch/http"
	"github.com/tilezen/go-tilestitch/internal/logger"
	"github.com/tilezen/go-tilestitch/tilepack"
)

func loggingMiddleware(next gohttp.Handler) gohttp.Handler {
	return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		start := time.Now()
		defer func() {
			slog.Debug("HTTP", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "user_agent", r.UserAgent(), "elapsed", time.Since(start))
		}()
		next.ServeHTTP(w, r)
	})
}

// archiveOptions reads what the archive was fetched with from its metadata.
func archiveOptions(reader tilepack.MbtilesReader, regionSize int) (http.ArchiveOptions, error) {
	metadata, err := reader.Metadata()
	if err != nil {
		return http.ArchiveOptions{}, err
	}

	scale, err := metadata.Scale()
	if err != nil {
		return http.ArchiveOptions{}, err
	}

	opts := http.ArchiveOptions{Scale: scale, RegionSize: regionSize}

	if world, ok := metadata.Get("world"); ok {
		opts.World = world
	}

	if mode, err := metadata.ViewMode(); err == nil {
		opts.ModeToken = mode.Token()
	}

	return opts, nil
}

func main() {
	_ = godotenv.Load()
	logger.Setup()

	mbtilesFile := flag.String("input", "", "The name of the mbtiles archive to serve from.")
	addr := flag.String("listen", ":8080", "The address and port to listen on")
	regionSize := flag.Int("region-size", tilepack.DefaultRegionSize, "Tiles per region folder in served paths.")
	flag.Parse()

	if *mbtilesFile == "" {
		slog.Error("HTTP", "error", "need to provide -input parameter")
		os.Exit(1)
	}

	reader, err := tilepack.NewMbtilesReader(*mbtilesFile)
	if err != nil {
		slog.Error("HTTP", "error", "couldn't create mbtiles reader", "input", *mbtilesFile, "cause", err)
		os.Exit(1)
	}
	defer reader.Close()

	opts, err := archiveOptions(reader, *regionSize)
	if err != nil {
		slog.Error("HTTP", "error", "archive has no usable metadata, run ensure-metadata first", "input", *mbtilesFile, "cause", err)
		os.Exit(1)
	}

	router := gohttp.NewServeMux()
	router.Handle("/tiles/", http.MbtilesHandler(reader, opts))
	router.HandleFunc("/", defaultHandler)

	server := &gohttp.Server{
		Addr:         *addr,
		Handler:      loggingMiddleware(router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	slog.Info("HTTP", "listen", *addr, "input", *mbtilesFile, "world", opts.World, "mode", opts.ModeToken, "scale", opts.Scale)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, gohttp.ErrServerClosed) {
		slog.Error("HTTP", "error", "could not listen", "listen", *addr, "cause", err)
		os.Exit(1)
	}
}

func defaultHandler(w gohttp.ResponseWriter, r *gohttp.Request) {
	gohttp.NotFound(w, r)
}
