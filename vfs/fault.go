package vfs

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sphildreth/decentdb/dberr"
)

// FaultAction is what a matching fault rule does to an operation.
type FaultAction int

const (
	// ActionError fails the operation with the rule's Err (or a generic
	// IO error if Err is nil).
	ActionError FaultAction = iota
	// ActionShortWrite truncates a write to ShortBytes octets, reporting
	// success for the truncated length (the caller must detect the
	// short write itself, the same way a real disk-full condition would
	// surface).
	ActionShortWrite
	// ActionDropSync silently reports success without the underlying
	// sync having occurred.
	ActionDropSync
)

// FaultOp names the operation a rule matches.
type FaultOp string

const (
	OpRead      FaultOp = "read"
	OpWrite     FaultOp = "write"
	OpSync      FaultOp = "sync"
	OpTruncate  FaultOp = "truncate"
)

// FaultRule is a labeled, repeatable fault injected into a specific
// operation. Count bounds how many times it fires; zero means unlimited.
type FaultRule struct {
	Label      string
	Op         FaultOp
	Action     FaultAction
	ShortBytes int
	Err        error
	Count      int

	fired int
}

// FaultLogEntry records one operation on which a fault rule fired, for
// debugging crash scenarios. Operations that no rule matches are not
// logged.
type FaultLogEntry struct {
	Op              FaultOp
	Label           string
	Action          string
	RequestedBytes  int
	AppliedBytes    int
	ResultErrorKind dberr.Kind
}

// FaultVFS wraps a VFS with labeled fault rules: it can return errors,
// perform short writes, or silently drop syncs on a per-operation
// basis, and it keeps a log of every call on which a rule fired.
type FaultVFS struct {
	inner VFS
	log   zerolog.Logger

	mu    sync.Mutex
	rules map[FaultOp][]*FaultRule
	entries []FaultLogEntry
}

// NewFaultVFS wraps inner (typically a MemVFS or OSVFS) with fault
// injection. A zero-value logger is fine; callers that want visibility
// into injected faults pass a configured one.
func NewFaultVFS(inner VFS, log zerolog.Logger) *FaultVFS {
	return &FaultVFS{inner: inner, log: log, rules: make(map[FaultOp][]*FaultRule)}
}

// AddRule registers a fault rule. Rules for the same Op are tried in
// registration order; the first with remaining fire count wins.
func (v *FaultVFS) AddRule(r *FaultRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[r.Op] = append(v.rules[r.Op], r)
}

// Log returns a copy of the entries recorded so far.
func (v *FaultVFS) Log() []FaultLogEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]FaultLogEntry, len(v.entries))
	copy(out, v.entries)
	return out
}

func (v *FaultVFS) Open(path string, mode OpenMode) (File, error) {
	f, err := v.inner.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &faultFile{v: v, f: f, path: path}, nil
}

func (v *FaultVFS) Remove(path string) error { return v.inner.Remove(path) }

// match returns the next firing rule for op, or nil if none applies.
func (v *FaultVFS) match(op FaultOp) *FaultRule {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.rules[op] {
		if r.Count != 0 && r.fired >= r.Count {
			continue
		}
		r.fired++
		return r
	}
	return nil
}

func (v *FaultVFS) record(e FaultLogEntry) {
	v.mu.Lock()
	v.entries = append(v.entries, e)
	v.mu.Unlock()
	v.log.Debug().
		Str("op", string(e.Op)).
		Str("label", e.Label).
		Str("action", e.Action).
		Int("requested", e.RequestedBytes).
		Int("applied", e.AppliedBytes).
		Str("result_kind", string(e.ResultErrorKind)).
		Msg("vfs fault log")
}

type faultFile struct {
	v    *FaultVFS
	f    File
	path string
}

func (h *faultFile) ReadAt(b []byte, off int64) (int, error) {
	if r := h.v.match(OpRead); r != nil && r.Action == ActionError {
		err := dberr.Wrap(dberr.KindIO, "injected read fault", h.path, r.Err)
		h.v.record(FaultLogEntry{Op: OpRead, Label: r.Label, Action: "error", RequestedBytes: len(b), ResultErrorKind: dberr.KindIO})
		return 0, err
	}
	return h.f.ReadAt(b, off)
}

func (h *faultFile) WriteAt(b []byte, off int64) (int, error) {
	if r := h.v.match(OpWrite); r != nil {
		switch r.Action {
		case ActionError:
			err := dberr.Wrap(dberr.KindIO, "injected write fault", h.path, r.Err)
			h.v.record(FaultLogEntry{Op: OpWrite, Label: r.Label, Action: "error", RequestedBytes: len(b), ResultErrorKind: dberr.KindIO})
			return 0, err
		case ActionShortWrite:
			n := r.ShortBytes
			if n > len(b) {
				n = len(b)
			}
			applied, err := h.f.WriteAt(b[:n], off)
			h.v.record(FaultLogEntry{Op: OpWrite, Label: r.Label, Action: "short_write", RequestedBytes: len(b), AppliedBytes: applied})
			return applied, err
		}
	}
	return h.f.WriteAt(b, off)
}

func (h *faultFile) Sync() error {
	if r := h.v.match(OpSync); r != nil {
		switch r.Action {
		case ActionError:
			err := dberr.Wrap(dberr.KindIO, "injected sync fault", h.path, r.Err)
			h.v.record(FaultLogEntry{Op: OpSync, Label: r.Label, Action: "error", ResultErrorKind: dberr.KindIO})
			return err
		case ActionDropSync:
			h.v.record(FaultLogEntry{Op: OpSync, Label: r.Label, Action: "dropped"})
			return nil
		}
	}
	return h.f.Sync()
}

func (h *faultFile) Truncate(size int64) error {
	if r := h.v.match(OpTruncate); r != nil && r.Action == ActionError {
		err := dberr.Wrap(dberr.KindIO, "injected truncate fault", h.path, r.Err)
		h.v.record(FaultLogEntry{Op: OpTruncate, Label: r.Label, Action: "error", ResultErrorKind: dberr.KindIO})
		return err
	}
	return h.f.Truncate(size)
}

func (h *faultFile) Close() error       { return h.f.Close() }
func (h *faultFile) Size() (int64, error) { return h.f.Size() }
