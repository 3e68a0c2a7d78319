// Package address implements the content-addressed database identity
// scheme: an Address binds a database name to the CID of its manifest,
// and a Manifest binds that name to a store type and an access
// controller CID (spec §4.1).
package address

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RunLaszloRun/orbit-db/internal/dberr"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
)

// Scheme is the fixed URI scheme for every address this module mints.
const Scheme = "peerdb"

// StoreType enumerates the known typed-view kinds a manifest may declare.
// The views themselves are out of scope for this module (spec §1); the
// type tag is still validated so open() can reject a type mismatch.
type StoreType string

const (
	TypeEventLog StoreType = "eventlog"
	TypeFeed     StoreType = "feed"
	TypeKeyValue StoreType = "keyvalue"
	TypeCounter  StoreType = "counter"
	TypeDocStore StoreType = "docstore"
)

// IsKnownType reports whether t is one of the enumerated store types.
func IsKnownType(t StoreType) bool {
	switch t {
	case TypeEventLog, TypeFeed, TypeKeyValue, TypeCounter, TypeDocStore:
		return true
	default:
		return false
	}
}

// Address identifies a database: the CID of its manifest, plus the
// human-readable name carried alongside it.
type Address struct {
	Root objectstore.CID
	Name string
}

// String renders the canonical "/<scheme>/<manifestCid>/<name>" form,
// normalized with no trailing slash (spec §6).
func (a Address) String() string {
	return fmt.Sprintf("/%s/%s/%s", Scheme, a.Root, strings.TrimSuffix(a.Name, "/"))
}

// Parse requires the form "/<scheme>/<cid>/<name>"; any other string
// (including a bare name) is rejected with InvalidAddress.
func Parse(s string) (Address, error) {
	trimmed := strings.TrimSuffix(s, "/")
	parts := strings.Split(trimmed, "/")
	// "/scheme/cid/name" splits into ["", "scheme", "cid", "name"].
	if len(parts) < 4 || parts[0] != "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return Address{}, dberr.InvalidAddress(s)
	}
	name := strings.Join(parts[3:], "/")
	return Address{Root: objectstore.CID(parts[2]), Name: name}, nil
}

// IsValid reports whether s parses as a well-formed address.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Manifest is the immutable record a database's address is minted from:
// its CID plus the name it was created with form the address.
type Manifest struct {
	Name              string    `json:"name"`
	Type              StoreType `json:"type"`
	AccessController  objectstore.CID `json:"accessController"`
}

// Create canonically encodes and stores a manifest, returning its CID.
func Create(ctx context.Context, store objectstore.ObjectStore, name string, storeType StoreType, accessControllerCID objectstore.CID) (objectstore.CID, error) {
	if !IsKnownType(storeType) {
		return "", dberr.InvalidType(string(storeType))
	}

	m := Manifest{Name: name, Type: storeType, AccessController: accessControllerCID}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("address: marshal manifest: %w", err)
	}
	return store.Put(ctx, data)
}

// LoadManifest fetches and parses the manifest at cid.
func LoadManifest(ctx context.Context, store objectstore.ObjectStore, cid objectstore.CID) (*Manifest, error) {
	data, err := store.Get(ctx, cid)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dberr.MalformedEntry("manifest content does not parse: " + err.Error())
	}
	return &m, nil
}

// For constructs the canonical address string for a manifest CID and name.
func For(manifestCID objectstore.CID, name string) Address {
	return Address{Root: manifestCID, Name: name}
}
