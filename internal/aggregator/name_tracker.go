package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"toolgate/internal/fault"
	"toolgate/internal/runtime"
)

// NameTracker owns the namespacing of backend tool names. Every exposed
// name is `<prefix>_<native-name>`, where the prefix derives
// deterministically from the backend's definition id. Prefixes are unique
// across backends, which makes exposed names unique without ever renaming
// the tool itself.
type NameTracker struct {
	mu sync.RWMutex
	// prefix per backend id
	prefixes map[string]string
	// reverse index: prefix -> backend id
	owners map[string]string
	// exposed name -> (backend id, native name)
	mapping map[string]toolRef
}

type toolRef struct {
	backendID  string
	nativeName string
}

// NewNameTracker creates an empty tracker.
func NewNameTracker() *NameTracker {
	return &NameTracker{
		prefixes: make(map[string]string),
		owners:   make(map[string]string),
		mapping:  make(map[string]toolRef),
	}
}

// Prefix returns the namespacing prefix for a backend, registering it on
// first use. When two backend ids derive the same short id, later ones
// fall back to the hashed form so the prefix stays collision-free.
func (nt *NameTracker) Prefix(backendID string) string {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.prefixLocked(backendID)
}

func (nt *NameTracker) prefixLocked(backendID string) string {
	if p, ok := nt.prefixes[backendID]; ok {
		return p
	}

	p := runtime.ShortID(backendID)
	if owner, taken := nt.owners[p]; taken && owner != backendID {
		sum := sha256.Sum256([]byte(backendID))
		p = p + hex.EncodeToString(sum[:2])
	}
	nt.prefixes[backendID] = p
	nt.owners[p] = backendID
	return p
}

// ExposedName registers and returns the namespaced name for a backend
// tool.
func (nt *NameTracker) ExposedName(backendID, nativeName string) string {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	exposed := nt.prefixLocked(backendID) + "_" + nativeName
	nt.mapping[exposed] = toolRef{backendID: backendID, nativeName: nativeName}
	return exposed
}

// Resolve translates an exposed name back to its backend and native name.
func (nt *NameTracker) Resolve(exposedName string) (backendID, nativeName string, err error) {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	ref, ok := nt.mapping[exposedName]
	if !ok {
		return "", "", fault.New(fault.UnknownTool, "unknown tool %q", exposedName)
	}
	return ref.backendID, ref.nativeName, nil
}

// Retain prunes every exposed name not present in the latest catalog, so
// tools dropped from a backend or disabled by an allow-list edit stop
// resolving. Prefixes stay registered: they are deterministic per backend.
func (nt *NameTracker) Retain(exposed map[string]struct{}) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	for name := range nt.mapping {
		if _, ok := exposed[name]; !ok {
			delete(nt.mapping, name)
		}
	}
}

// DropBackend removes a backend's prefix and all of its exposed names.
func (nt *NameTracker) DropBackend(backendID string) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if p, ok := nt.prefixes[backendID]; ok {
		delete(nt.prefixes, backendID)
		delete(nt.owners, p)
	}
	for exposed, ref := range nt.mapping {
		if ref.backendID == backendID {
			delete(nt.mapping, exposed)
		}
	}
}
