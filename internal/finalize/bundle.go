package finalize

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/mattjoyce/snapline/internal/workspace"
)

// writeBundle packs final.json and the collected artifacts into a zstd
// compressed tarball. Entries use paths relative to finalDir.
func writeBundle(path, finalDir string, artifacts []Artifact) (err error) {
	tmp := path + ".partial"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	files := []string{workspace.SealFile}
	for _, a := range artifacts {
		files = append(files, filepath.FromSlash(a.Path))
	}
	for _, rel := range files {
		if err = addFile(tw, finalDir, rel); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			_ = out.Close()
			return err
		}
	}

	if err = tw.Close(); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err = zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("close zstd: %w", err)
	}
	if err = out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func addFile(tw *tar.Writer, base, rel string) error {
	f, err := os.Open(filepath.Join(base, rel))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", rel, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("tar body %s: %w", rel, err)
	}
	return nil
}

// ReadBundle lists entry names and contents of a bundle, for inspection.
func ReadBundle(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readBundle(f)
}

func readBundle(r io.Reader) (map[string][]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = data
	}
}
