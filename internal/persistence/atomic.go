// Package persistence implements the atomic JSON snapshot primitive shared
// by the stats aggregator and the cost tracker: write-temp-then-rename with
// an fsync in between, and a corrupt-file-tolerant reader, per spec §4.8.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteJSON serialises v and writes it to path atomically: a temp file in
// the same directory is written, fsynced, then renamed over path. A reader
// never observes a partially-written file.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: rename temp file: %w", err)
	}
	return nil
}

// ReadJSON reads path and unmarshals it into v. A missing file is not an
// error: v is left unmodified so the caller's zero-value defaults apply. A
// corrupt (unparseable) file is logged and treated the same as missing --
// the reader never fails startup over a damaged snapshot.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("persistence: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.LogAttrs(context.Background(), slog.LevelError, "persistence: corrupt snapshot, starting from defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return nil
}
