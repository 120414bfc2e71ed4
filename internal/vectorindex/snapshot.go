package vectorindex

import (
	"encoding/gob"
	"os"
	"path/filepath"

	memerrors "memcore/internal/errors"
)

func saveGob(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return memerrors.Storage("create snapshot directory", err)
	}
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return memerrors.Storage("create snapshot file", err)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return memerrors.Storage("encode snapshot", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return memerrors.Storage("close snapshot file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return memerrors.Storage("rename snapshot file", err)
	}
	return nil
}

func loadGob(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return memerrors.Storage("open snapshot file", err)
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return memerrors.Storage("decode snapshot", err)
	}
	return nil
}
