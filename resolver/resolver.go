// Package resolver maps a store-relative path to the set of device ids
// allowed to read it, by walking .recipients files upward from the
// path's containing directory to the store root. Grounded on spec.md's
// Design Notes worklist idiom ("never recurse on arbitrary data") and on
// the teacher's FileStore path-join discipline for rejecting an escape
// out of the managed root.
package resolver

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/allonsy/basalt-go/errs"
)

// Resolver resolves a store-relative path to its recipient list.
type Resolver struct {
	StoreRoot string
}

func New(storeRoot string) Resolver { return Resolver{StoreRoot: storeRoot} }

// Canonicalize joins relPath onto the store root and rejects any result
// that, after cleaning, falls outside it. Exported so callers that need
// a guarded absolute path without also wanting recipient resolution
// (agentserver's decrypt handler) can reuse the same escape check
// Resolve itself relies on, instead of concatenating paths by hand.
func (r Resolver) Canonicalize(relPath string) (string, error) {
	joined := filepath.Join(r.StoreRoot, relPath)
	cleanRoot := filepath.Clean(r.StoreRoot)
	cleanJoined := filepath.Clean(joined)
	if cleanJoined != cleanRoot && !strings.HasPrefix(cleanJoined, cleanRoot+string(filepath.Separator)) {
		return "", errs.Policyf("path escapes store root: %s", relPath)
	}
	return cleanJoined, nil
}

// Resolve returns the device ids listed in the nearest .recipients file
// found by walking from relPath's containing directory up to the store
// root, one directory at a time (an explicit worklist, never recursion
// on untrusted path data). The walk ends at the store root, whose own
// .recipients is the store default; if no .recipients file is found
// anywhere on the walk, it returns an empty list.
func (r Resolver) Resolve(relPath string) ([]string, error) {
	absPath, err := r.Canonicalize(relPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)
	root := filepath.Clean(r.StoreRoot)

	for {
		ids, found, err := readRecipients(filepath.Join(dir, ".recipients"))
		if err != nil {
			return nil, err
		}
		if found {
			return ids, nil
		}
		if dir == root {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, nil
}

func readRecipients(path string) (ids []string, found bool, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.IO, "read recipients file", openErr)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, errs.Wrap(errs.IO, "scan recipients file", err)
	}
	return ids, true, nil
}

// FilterTrusted splits ids into those present in trusted (kept) and
// those not (dropped), preserving order. It logs nothing; warning about
// dropped ids is the caller's responsibility.
func FilterTrusted(ids []string, trusted map[string]bool) (kept []string, dropped []string) {
	for _, id := range ids {
		if trusted[id] {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	return kept, dropped
}
