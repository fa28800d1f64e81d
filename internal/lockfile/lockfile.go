// Package lockfile implements the append-only URL -> (sha256, timestamp)
// index that pins every fetched artifact to a verified digest, so a build
// is reproducible even if upstream mutates the file behind a URL.
package lockfile

import (
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Entry is one pinned URL, per the external YAML schema in §6.
type Entry struct {
	URL       string    `yaml:"url"`
	SHA256    string    `yaml:"sha256"`
	Timestamp time.Time `yaml:"timestamp"`
}

// UrlAndHash is anything Add can pin: a rendered URL paired with its
// verified digest.
type UrlAndHash interface {
	GetURL() string
	GetSHA256() string
}

// Lock is the in-memory, mutable view of one lockfile. Loading tolerates
// an absent file (empty lock); mutations only take effect on disk after
// an explicit Save.
type Lock struct {
	path    string
	entries map[string]Entry
	tainted bool
	newURLs map[string]bool
}

// Load reads path into a Lock. A missing file yields an empty Lock rather
// than an error.
func Load(path string) (*Lock, error) {
	lock := &Lock{
		path:    path,
		entries: make(map[string]Entry),
		newURLs: make(map[string]bool),
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return lock, nil
	}
	if err != nil {
		return nil, ops2deberr.Wrap(ops2deberr.KindLockFile, err, "failed to stat lockfile").WithContext(path)
	}
	if info.IsDir() {
		return nil, ops2deberr.New(ops2deberr.KindLockFile, "path points to a directory").WithContext(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ops2deberr.Wrap(ops2deberr.KindLockFile, err, "failed to read lockfile").WithContext(path)
	}

	var raw []Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ops2deberr.Wrap(ops2deberr.KindLockFile, err, "invalid YAML file").WithContext(path)
	}
	for _, entry := range raw {
		if entry.URL == "" || len(entry.SHA256) != 64 {
			return nil, ops2deberr.New(ops2deberr.KindLockFile, "malformed lockfile entry for url %q", entry.URL).WithContext(path)
		}
		lock.entries[entry.URL] = entry
	}
	return lock, nil
}

// Path returns the on-disk path this Lock was loaded from (and will save to).
func (l *Lock) Path() string {
	return l.path
}

// Contains reports whether url has a pinned entry.
func (l *Lock) Contains(url string) bool {
	_, ok := l.entries[url]
	return ok
}

// SHA256 looks up the pinned digest for url.
func (l *Lock) SHA256(url string) (string, error) {
	entry, ok := l.entries[url]
	if !ok {
		return "", ops2deberr.New(ops2deberr.KindLockFile, "Unknown hash for url %s, please run lock", url)
	}
	return entry.SHA256, nil
}

// Add pins each entry's URL to its hash, unless already present. Entries
// added during the same process invocation share a single timestamp,
// assigned lazily at Save time.
func (l *Lock) Add(entries []UrlAndHash) {
	for _, e := range entries {
		url := e.GetURL()
		if _, exists := l.entries[url]; exists {
			continue
		}
		l.entries[url] = Entry{URL: url, SHA256: e.GetSHA256()}
		l.newURLs[url] = true
		l.tainted = true
	}
}

// Remove deletes entries for the given URLs.
func (l *Lock) Remove(urls []string) {
	for _, url := range urls {
		if _, ok := l.entries[url]; ok {
			delete(l.entries, url)
			delete(l.newURLs, url)
			l.tainted = true
		}
	}
}

// Save writes the lockfile atomically if tainted and non-empty. URLs added
// this session are stamped with the current UTC second-precision instant.
// Entries are serialised sorted by (timestamp, url); calling Save twice in
// succession with no intervening mutation is a no-op.
func (l *Lock) Save() error {
	if !l.tainted || len(l.entries) == 0 {
		return nil
	}

	now := time.Now().UTC().Truncate(time.Second)
	for url := range l.newURLs {
		entry := l.entries[url]
		entry.Timestamp = now
		l.entries[url] = entry
	}
	l.newURLs = make(map[string]bool)

	ordered := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].URL < ordered[j].URL
	})

	data, err := yaml.Marshal(ordered)
	if err != nil {
		return ops2deberr.Wrap(ops2deberr.KindLockFile, err, "failed to serialise lockfile").WithContext(l.path)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindLockFile, err, "failed to write lockfile").WithContext(l.path)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindLockFile, err, "failed to commit lockfile").WithContext(l.path)
	}

	l.tainted = false
	return nil
}
