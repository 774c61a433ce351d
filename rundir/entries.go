package rundir

// This file contains helpers for loading the records of preserved runs.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perfgo/smokerun/model"
)

type Entry struct {
	Run      model.Run
	FullPath string
	Kept     bool
	Failed   bool
}

// Entries loads the records of all run directories under the smoke root.
// Directories without a readable run.json are skipped with a warning.
func (m *Manager) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read smoke root: %w", err)
	}

	var entries []Entry
	for _, d := range dirEntries {
		if !d.IsDir() || !IsRunName(d.Name()) {
			continue
		}
		dir := filepath.Join(m.root, d.Name())
		recordPath := filepath.Join(dir, RecordFile)
		if _, err := os.Stat(recordPath); err != nil {
			continue
		}

		run, err := parseRecord(recordPath)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", recordPath).Msg("Failed to parse run.json")
			continue
		}
		entries = append(entries, Entry{
			Run:      run,
			FullPath: dir,
			Kept:     fileExists(filepath.Join(dir, KeepMarker)),
			Failed:   fileExists(filepath.Join(dir, FailedMarker)),
		})
	}
	return entries, nil
}

func parseRecord(path string) (model.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Run{}, err
	}

	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
