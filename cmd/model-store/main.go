package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vrischmann/envconfig"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/blobs"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
)

type Config struct {
	Listen      string `envconfig:"MODEL_STORE_LISTEN,default=:8080"`
	CacheDir    string `envconfig:"CACHE_DIR,default=~/.cache/flowdeploy/artifacts"`
	CacheBucket string `envconfig:"CACHE_BUCKET"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	cfg := Config{}
	if err := envconfig.InitWithOptions(&cfg, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "listen address")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "cache directory")
	flag.StringVar(&cfg.CacheBucket, "cache-bucket", cfg.CacheBucket, "bucket backing the cache (gs://<bucket> or s3://<bucket>)")
	flag.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "endpoint of an S3-compatible server")
	klog.InitFlags(nil)
	flag.Parse()

	cacheDir, err := expandHome(cfg.CacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	blobstore, err := openBlobstore(ctx, cfg)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("/", &httpServer{
		artifactCache: &artifactCache{BaseDir: cacheDir, blobstore: blobstore},
		metrics:       registry,
	})

	log.Info("serving artifacts", "listen", cfg.Listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
		return fmt.Errorf("serving on %q: %w", cfg.Listen, err)
	}
	return nil
}

func expandHome(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(dir, "~/")), nil
}

func openBlobstore(ctx context.Context, cfg Config) (blobs.BlobReader, error) {
	log := klog.FromContext(ctx)

	switch {
	case cfg.CacheBucket == "":
		log.Info("no cache bucket configured, serving local cache only")
		return nil, nil
	case strings.HasPrefix(cfg.CacheBucket, "gs://"):
		bucket := strings.TrimPrefix(cfg.CacheBucket, "gs://")
		log.Info("using GCS cache", "bucket", bucket)
		return &blobs.GCSBlobstore{Bucket: bucket}, nil
	case strings.HasPrefix(cfg.CacheBucket, "s3://"):
		bucket := strings.TrimPrefix(cfg.CacheBucket, "s3://")
		log.Info("using S3 cache", "bucket", bucket, "endpoint", cfg.S3Endpoint)
		s3, err := blobs.NewS3Blobstore(ctx, bucket, cfg.S3Endpoint)
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("cache bucket must be gs://<bucket> or s3://<bucket>, got %q", cfg.CacheBucket)
	}
}

type httpServer struct {
	artifactCache *artifactCache
	metrics       *metrics.Registry
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 && tokens[0] != "" {
		if r.Method == http.MethodGet {
			s.serveGETArtifact(w, r, tokens[0])
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETArtifact(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	if err := (blobs.BlobInfo{Hash: hash}).Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, filled, err := s.artifactCache.GetArtifact(ctx, hash)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.metrics.RecordArtifactRequest("not_found")
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.metrics.RecordArtifactRequest("error")
		log.Error(err, "error getting artifact", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if filled {
		s.metrics.RecordArtifactRequest("fill")
	} else {
		s.metrics.RecordArtifactRequest("hit")
	}

	log.V(2).Info("serving artifact", "path", p)
	http.ServeFile(w, r, p)
}

// artifactCache serves artifacts from BaseDir, filling misses from the blobstore when one is configured.
type artifactCache struct {
	BaseDir   string
	blobstore blobs.BlobReader
}

func (c *artifactCache) GetArtifact(ctx context.Context, hash string) (string, bool, error) {
	localPath := filepath.Join(c.BaseDir, hash)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("checking artifact %q: %w", hash, err)
	}

	if c.blobstore == nil {
		return "", false, status.Errorf(codes.NotFound, "artifact %q not found", hash)
	}
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Hash: hash}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, status.Errorf(codes.NotFound, "artifact %q not found", hash)
		}
		return "", false, fmt.Errorf("filling cache with artifact %q: %w", hash, err)
	}
	return localPath, true, nil
}
