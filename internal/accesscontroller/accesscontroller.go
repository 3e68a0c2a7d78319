// Package accesscontroller implements the per-database policy object: an
// immutable, content-addressed list of keys permitted to append, plus the
// admin role reserved (but currently unused for authorization decisions —
// spec §9 open question) by the rest of the system.
package accesscontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/RunLaszloRun/orbit-db/internal/dberr"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
)

// wildcardWrite permits any identity to append, spec §3 "write = {'*'}".
const wildcardWrite = "*"

// canonicalForm is the JSON shape persisted to the object store, field
// order fixed per spec §6.
type canonicalForm struct {
	Admin []string `json:"admin"`
	Write []string `json:"write"`
}

// AccessController is the mutable builder used while assembling a policy;
// once Save'd its content-addressed form is immutable (spec §3).
type AccessController struct {
	mu    sync.RWMutex
	admin map[string]struct{}
	write map[string]struct{}
}

// New creates an empty access controller (no admins, no writers).
func New() *AccessController {
	return &AccessController{
		admin: make(map[string]struct{}),
		write: make(map[string]struct{}),
	}
}

// NewWithDefaults applies the database-creation default from spec §4.2: if
// writeKeys is non-empty, use it verbatim; otherwise grant the creator's
// own key.
func NewWithDefaults(writeKeys []string, creatorKey string) *AccessController {
	ac := New()
	if len(writeKeys) > 0 {
		for _, k := range writeKeys {
			ac.Add("write", k)
		}
	} else {
		ac.Add("write", creatorKey)
	}
	return ac
}

// Add grants role ("admin" or "write") to key.
func (ac *AccessController) Add(role, key string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	switch role {
	case "admin":
		ac.admin[key] = struct{}{}
	case "write":
		ac.write[key] = struct{}{}
	}
}

// CanAppend reports whether identityHex is permitted to append an entry:
// either it is explicitly listed under "write", or "write" is the
// wildcard "*" (spec §3 authorization rule). The admin role is not
// consulted, matching the reserved-but-unused behavior spec §9 documents.
func (ac *AccessController) CanAppend(identityHex string) bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if _, ok := ac.write[wildcardWrite]; ok {
		return true
	}
	_, ok := ac.write[identityHex]
	return ok
}

func (ac *AccessController) toCanonicalForm() canonicalForm {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	cf := canonicalForm{
		Admin: make([]string, 0, len(ac.admin)),
		Write: make([]string, 0, len(ac.write)),
	}
	for k := range ac.admin {
		cf.Admin = append(cf.Admin, k)
	}
	for k := range ac.write {
		cf.Write = append(cf.Write, k)
	}
	// Sorting makes Save deterministic: equal policies produce equal CIDs
	// regardless of the order Add was called in (spec §4.2).
	sort.Strings(cf.Admin)
	sort.Strings(cf.Write)
	return cf
}

// Save canonically encodes the policy and stores it, returning its CID.
// Equal policies always produce equal CIDs.
func (ac *AccessController) Save(ctx context.Context, store objectstore.ObjectStore) (objectstore.CID, error) {
	data, err := json.Marshal(ac.toCanonicalForm())
	if err != nil {
		return "", fmt.Errorf("accesscontroller: marshal: %w", err)
	}
	return store.Put(ctx, data)
}

// Load fetches and parses the access controller at cid. It rejects
// content that does not parse as the canonical form (spec §4.2: "load
// must reject CIDs whose content does not parse").
func Load(ctx context.Context, store objectstore.ObjectStore, cid objectstore.CID) (*AccessController, error) {
	data, err := store.Get(ctx, cid)
	if err != nil {
		return nil, err
	}

	var cf canonicalForm
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, dberr.MalformedEntry("access controller content does not parse: " + err.Error())
	}

	ac := New()
	for _, k := range cf.Admin {
		ac.Add("admin", k)
	}
	for _, k := range cf.Write {
		ac.Add("write", k)
	}
	return ac, nil
}
