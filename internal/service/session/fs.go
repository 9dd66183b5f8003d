package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func ensureDraftDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create draft dir %s: %w", dir, err)
	}
	return nil
}

// readDraftFile 文件不存在时返回 ErrNoDraft
func readDraftFile(path string) (*Draft, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("read draft %s: %w", path, err)
	}
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", path, err)
	}
	return &d, nil
}

// writeDraftFile 先写同目录临时文件再改名，读者看不到半截内容
func writeDraftFile(path string, d *Draft) error {
	dir := filepath.Dir(path)
	if err := ensureDraftDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", d.SessionID, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write draft %s: %w", d.SessionID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write draft %s: %w", d.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write draft %s: %w", d.SessionID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write draft %s: %w", d.SessionID, err)
	}
	return nil
}

func removeDraftFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove draft %s: %w", path, err)
	}
	return nil
}
