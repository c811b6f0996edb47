package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// DiscoveryWarning records a plugin directory skipped during a scan.
type DiscoveryWarning struct {
	Dir string
	Err error
}

// Discover scans plugin roots and returns valid manifests. Invalid entries
// are logged and skipped; discovery never aborts on a single bad plugin.
func Discover(roots ...string) []*Manifest {
	manifests, _ := DiscoverWithWarnings(roots...)
	return manifests
}

// DiscoverWithWarnings scans each root's immediate subdirectories for
// manifest files, returning valid manifests plus a warning for every entry
// that failed to parse or validate. A missing root is not an error.
func DiscoverWithWarnings(roots ...string) ([]*Manifest, []DiscoveryWarning) {
	var manifests []*Manifest
	var warnings []DiscoveryWarning
	seen := make(map[string]string) // plugin id -> dir

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			warnings = append(warnings, DiscoveryWarning{Dir: root, Err: fmt.Errorf("read plugin root: %w", err)})
			log.Printf("[Registry] skipping root %s: %v", root, err)
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())

			manifest, err := LoadFromDir(dir)
			if errors.Is(err, fs.ErrNotExist) {
				continue // not a plugin directory
			}
			if err != nil {
				warnings = append(warnings, DiscoveryWarning{Dir: dir, Err: err})
				log.Printf("[Registry] skipping %s: %v", dir, err)
				continue
			}

			if prev, dup := seen[manifest.ID]; dup {
				warnings = append(warnings, DiscoveryWarning{
					Dir: dir,
					Err: fmt.Errorf("duplicate plugin id %q (already provided by %s)", manifest.ID, prev),
				})
				log.Printf("[Registry] skipping %s: duplicate plugin id %q", dir, manifest.ID)
				continue
			}
			seen[manifest.ID] = dir
			manifests = append(manifests, manifest)
		}
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})
	return manifests, warnings
}
