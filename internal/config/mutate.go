package config

import (
	"fmt"
	"strings"
	"sync"
)

var writeMu sync.Mutex

// AppendAllowFrom adds entry to the string list at key (a dotted config path
// such as "channels.wecom.accounts.corp.allow_from") and writes the file back.
// Entries already present, compared case-insensitively, are not duplicated.
// It reports whether the file changed. Environment overrides are not written
// back.
func (l *Loader) AppendAllowFrom(key, entry string) (bool, error) {
	entry = strings.TrimSpace(entry)
	key = strings.Trim(strings.TrimSpace(key), ".")
	if entry == "" || key == "" {
		return false, fmt.Errorf("allow-from key and entry are required")
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	v, err := l.read(false)
	if err != nil {
		return false, err
	}

	current := v.GetStringSlice(key)
	for _, existing := range current {
		if strings.EqualFold(strings.TrimSpace(existing), entry) {
			return false, nil
		}
	}
	v.Set(key, append(current, entry))

	if err := writeJSON(l.path, v.AllSettings()); err != nil {
		return false, err
	}
	return true, nil
}
