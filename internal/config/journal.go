package config

import (
	"fmt"
	"strings"
	"time"

	"tierloop/internal/storage"
)

// ToJournalConfig maps the journal section. ok is false when the section is
// absent or its driver is "none".
func (c *Config) ToJournalConfig() (storage.Config, bool, error) {
	j := c.Journal
	if j == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(j.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(j.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=%s", driver)
	}
	busy, err := ParseDurationOrDefault("journal.busy_timeout", j.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxRecords: j.MaxRecords}, true, nil
}
