// Package entry implements the atomic log record: payload, parents, a
// logical clock, a signer identity, and a signature — the canonical form
// described in spec §6, kept content-addressed and immutable once created.
package entry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/RunLaszloRun/orbit-db/internal/accesscontroller"
	"github.com/RunLaszloRun/orbit-db/internal/dberr"
	"github.com/RunLaszloRun/orbit-db/internal/keystore"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
)

// canonicalVersion is the "v" field of the canonical form; bumped if the
// wire layout ever changes incompatibly.
const canonicalVersion = 2

// Entry is a single, immutable, content-addressed log record.
type Entry struct {
	CID       objectstore.CID   `json:"hash"`
	LogID     string            `json:"id"`
	Payload   []byte            `json:"payload"`
	Parents   []objectstore.CID `json:"next"`
	V         int               `json:"v"`
	Clock     Clock             `json:"clock"`
	Key       string            `json:"key"`
	Identity  string            `json:"identity"`
	Signature []byte            `json:"sig"`
}

// unsigned is the subset of fields hashed to produce the signature, in the
// fixed field order spec §6 requires: id, payload, next, v, clock, key,
// identity (hash and sig are excluded).
type unsigned struct {
	LogID    string            `json:"id"`
	Payload  []byte            `json:"payload"`
	Parents  []objectstore.CID `json:"next"`
	V        int               `json:"v"`
	Clock    Clock             `json:"clock"`
	Key      string            `json:"key"`
	Identity string            `json:"identity"`
}

// signedForm additionally carries the signature; its bytes are what gets
// content-addressed into the entry's CID.
type signedForm struct {
	unsigned
	Signature []byte `json:"sig"`
}

func (e *Entry) toUnsigned() unsigned {
	return unsigned{
		LogID:    e.LogID,
		Payload:  e.Payload,
		Parents:  e.Parents,
		V:        e.V,
		Clock:    e.Clock,
		Key:      e.Key,
		Identity: e.Identity,
	}
}

// signingBytes returns the canonical bytes the signature is computed over.
func signingBytes(u unsigned) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("entry: marshal for signing: %w", err)
	}
	return data, nil
}

// hashingBytes returns the canonical bytes the CID is computed over
// (signing bytes plus the signature).
func hashingBytes(u unsigned, sig []byte) ([]byte, error) {
	data, err := json.Marshal(signedForm{unsigned: u, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("entry: marshal for hashing: %w", err)
	}
	return data, nil
}

// MaxParentTime returns 1 + the maximum clock.Time among parents, or 1 if
// parents is empty — the append-monotonicity invariant from spec §3/§8.
func MaxParentTime(parents []*Entry) uint64 {
	var max uint64
	for _, p := range parents {
		if p.Clock.Time > max {
			max = p.Clock.Time
		}
	}
	return max + 1
}

// Create builds, signs, content-addresses, and stores a new entry.
// logID identifies the database (oplog) this entry belongs to; parentEntries
// are the immediate predecessors (the current heads at append time).
func Create(
	ctx context.Context,
	store objectstore.ObjectStore,
	identity keystore.Identity,
	logID string,
	payload []byte,
	parentEntries []*Entry,
) (*Entry, error) {
	parents := make([]objectstore.CID, len(parentEntries))
	for i, p := range parentEntries {
		parents[i] = p.CID
	}

	clock := Clock{ID: identity.PublicKey(), Time: MaxParentTime(parentEntries)}

	u := unsigned{
		LogID:    logID,
		Payload:  payload,
		Parents:  parents,
		V:        canonicalVersion,
		Clock:    clock,
		Key:      identity.PublicKey(),
		Identity: identity.PublicKey(),
	}

	toSign, err := signingBytes(u)
	if err != nil {
		return nil, err
	}

	sig, err := identity.Sign(toSign)
	if err != nil {
		return nil, fmt.Errorf("entry: sign: %w", err)
	}

	toHash, err := hashingBytes(u, sig)
	if err != nil {
		return nil, err
	}

	cid, err := store.Put(ctx, toHash)
	if err != nil {
		return nil, fmt.Errorf("entry: store: %w", err)
	}

	e := &Entry{
		CID:       cid,
		LogID:     u.LogID,
		Payload:   u.Payload,
		Parents:   u.Parents,
		V:         u.V,
		Clock:     u.Clock,
		Key:       u.Key,
		Identity:  u.Identity,
		Signature: sig,
	}
	return e, nil
}

// Decode parses the canonical hashed bytes (as returned by an object
// store Get) back into an Entry, assigning the given cid.
func Decode(cid objectstore.CID, data []byte) (*Entry, error) {
	var sf signedForm
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, dberr.MalformedEntry("could not decode entry: " + err.Error())
	}
	return &Entry{
		CID:       cid,
		LogID:     sf.LogID,
		Payload:   sf.Payload,
		Parents:   sf.Parents,
		V:         sf.V,
		Clock:     sf.Clock,
		Key:       sf.Key,
		Identity:  sf.Identity,
		Signature: sf.Signature,
	}, nil
}

// Verify checks an entry's signature, recomputes its CID against the
// bytes it claims to have come from, and asks the access controller
// whether the signer is permitted to append. It returns the specific
// dberr kind spec §4.3 calls for: InvalidEntry on signature mismatch,
// NotAuthorized on policy rejection, MalformedEntry on structural issues.
func Verify(e *Entry, ac *accesscontroller.AccessController) error {
	if e.Identity == "" || len(e.Signature) == 0 {
		return dberr.MalformedEntry("entry missing identity or signature")
	}

	u := e.toUnsigned()
	toSign, err := signingBytes(u)
	if err != nil {
		return dberr.MalformedEntry("could not re-encode entry: " + err.Error())
	}

	ok, err := verifySignature(e.Identity, toSign, e.Signature)
	if err != nil {
		return dberr.InvalidEntry("signature verification error", err)
	}
	if !ok {
		return dberr.InvalidEntry("signature does not match identity", nil)
	}

	toHash, err := hashingBytes(u, e.Signature)
	if err != nil {
		return dberr.MalformedEntry("could not re-encode entry: " + err.Error())
	}
	if got := objectstore.Sum(toHash); got != e.CID {
		return dberr.MalformedEntry(fmt.Sprintf("cid mismatch: have %s, computed %s", e.CID, got))
	}

	if !ac.CanAppend(e.Identity) {
		return dberr.NotAuthorized(e.Identity)
	}

	return nil
}

// verifySignature is split out so tests can stub it without dragging in a
// keystore; production callers always go through keystore.Verify.
var verifySignature = func(publicKeyHex string, data, sig []byte) (bool, error) {
	return keystore.Verify(publicKeyHex, data, sig)
}

// Equal reports whether two entries are byte-for-byte identical, including
// the signature. CID equality alone already implies this (Verify
// recomputes the CID from an entry's bytes before it is ever stored), so
// callers comparing two entries obtained from a trusted store can just
// compare CIDs directly; Equal exists for callers holding two decoded
// Entry values without a CID to compare.
func Equal(a, b *Entry) bool {
	if a.CID != b.CID {
		return false
	}
	au, _ := signingBytes(a.toUnsigned())
	bu, _ := signingBytes(b.toUnsigned())
	return bytes.Equal(au, bu) && bytes.Equal(a.Signature, b.Signature)
}
