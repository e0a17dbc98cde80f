package updater

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// extractBinary 从下载的资产中取出名为 want 的文件，写入 dir 下的临时文件并返回路径。
// 非压缩包资产视为二进制本身。
func extractBinary(archive, assetName, dir, want string) (string, error) {
	lower := strings.ToLower(assetName)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return stage(dir, func(w io.Writer) error { return copyFromTarGz(archive, want, w) })
	case strings.HasSuffix(lower, ".zip"):
		return stage(dir, func(w io.Writer) error { return copyFromZip(archive, want, w) })
	default:
		return stage(dir, func(w io.Writer) error {
			f, err := os.Open(archive)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		})
	}
}

func stage(dir string, fill func(io.Writer) error) (string, error) {
	out, err := os.CreateTemp(dir, ".maabo-bin-*")
	if err != nil {
		return "", err
	}
	name := out.Name()
	if err := fill(out); err != nil {
		_ = out.Close()
		return name, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return name, err
	}
	return name, out.Close()
}

func copyFromTarGz(archive, want string, w io.Writer) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found in archive", want)
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != want {
			continue
		}
		_, err = io.Copy(w, tr)
		return err
	}
}

func copyFromZip(archive, want string, w io.Writer) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = io.Copy(w, rc)
		_ = rc.Close()
		return err
	}
	return fmt.Errorf("%s not found in archive", want)
}
