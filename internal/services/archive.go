package services

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// BuildArchive recursively packages the bundle directory into a single zip at
// zipPath, preserving relative paths but discarding the root prefix. Maximum
// compression; the archive is fully flushed and closed before this returns,
// so the caller can upload the finished file. Returns the zip size in bytes.
func BuildArchive(bundleDir, zipPath string) (int64, error) {
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}

	zipWriter := zip.NewWriter(zipFile)
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	err = filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}

		return addFileToZip(zipWriter, path, filepath.ToSlash(rel))
	})
	if err != nil {
		zipWriter.Close()
		zipFile.Close()
		os.Remove(zipPath)
		return 0, fmt.Errorf("failed to archive %s: %w", bundleDir, err)
	}

	if err := zipWriter.Close(); err != nil {
		zipFile.Close()
		os.Remove(zipPath)
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		os.Remove(zipPath)
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	return info.Size(), nil
}

func addFileToZip(zipWriter *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}
