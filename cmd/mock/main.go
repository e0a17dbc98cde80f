package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"maabo/internal/config"
	"maabo/internal/model"
)

// mock 是本地发布服务器：提供版本清单和引擎压缩包，用于手动验证更新流程。
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	binary := flag.String("binary", "", "engine binary to publish (e.g. a build of cmd/mockengine)")
	version := flag.String("version", "0.5.0", "version to advertise")
	target := flag.String("target", config.DefaultTarget(), "manifest asset key")
	failRate := flag.Float64("fail-rate", 0, "probability that a download is cut off midway")
	flag.Parse()

	if *binary == "" {
		log.Fatal("-binary is required")
	}
	content, err := os.ReadFile(*binary)
	if err != nil {
		log.Fatalf("read binary: %v", err)
	}
	binName := "maa"
	if strings.HasSuffix(strings.ToLower(*binary), ".exe") {
		binName = "maa.exe"
	}
	archive, err := tarGz("maa-cli/"+binName, content)
	if err != nil {
		log.Fatalf("build archive: %v", err)
	}
	sum := sha256.Sum256(archive)
	tag := "v" + strings.TrimPrefix(*version, "v")
	assetName := "maa_cli-" + *target + ".tar.gz"

	manifest := model.Manifest{
		Version: strings.TrimPrefix(*version, "v"),
		Details: model.ManifestDetails{
			Tag: tag,
			Assets: map[string]model.ReleaseAsset{
				*target: {Name: assetName, Size: int64(len(archive)), SHA256: hex.EncodeToString(sum[:])},
			},
		},
	}

	r := chi.NewRouter()
	r.Get("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Get("/mock/version/stable.json", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, manifest)
	})
	r.Get("/mock/download/{tag}/{name}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "tag") != tag || chi.URLParam(r, "name") != assetName {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		if *failRate > 0 && rand.Float64() < *failRate {
			// 声明完整长度但只写一半，模拟下载中断
			w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
			_, _ = w.Write(archive[:len(archive)/2])
			return
		}
		_, _ = w.Write(archive)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock release server on %s: manifest /mock/version/stable.json, asset %s (%s)", *addr, assetName, filepath.Base(*binary))
	log.Fatal(srv.ListenAndServe())
}

func tarGz(name string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg, ModTime: time.Now()}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
