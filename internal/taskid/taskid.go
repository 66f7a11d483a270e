// Package taskid derives and parses dispatch task identifiers.
//
// An id has the shape
//
//	<owner>:<kind><scope>:<tenant>:<suffix>
//
// where suffix is 32 lowercase hex characters taken from a random UUID. A
// dummy id (one that never ran, e.g. served from cache) replaces the first
// eight suffix characters with a BLAKE3 marker of the owner, so the property
// can be recovered from the id alone.
package taskid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Kind is the origin of a task.
type Kind byte

const (
	KindInteractive Kind = 'e'
	KindAutomatic   Kind = 'a'
	KindSystem      Kind = 's'
	KindMgmt        Kind = 'm'
)

// Scope says whether a task is bound to a tenant (datacenter).
type Scope byte

const (
	ScopeBound   Scope = 'd'
	ScopeUnbound Scope = 'u'
)

const (
	markerLen     = 8
	unboundTenant = "-"
)

var (
	ErrInvalid = errors.New("invalid task id")

	namePattern   = regexp.MustCompile(`^[A-Za-z0-9_.@]+$`)
	suffixPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// Params describe the id to mint.
type Params struct {
	Owner  string
	Tenant string
	Kind   Kind
	Scope  Scope
	Dummy  bool
}

// Parts is the parsed structure of an id.
type Parts struct {
	Owner  string
	Kind   Kind
	Scope  Scope
	Tenant string
	Suffix string
}

// ParseKind maps a kind name or letter to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "e", "interactive":
		return KindInteractive, nil
	case "a", "automatic":
		return KindAutomatic, nil
	case "s", "system":
		return KindSystem, nil
	case "m", "mgmt":
		return KindMgmt, nil
	}
	return 0, fmt.Errorf("unknown task kind %q", s)
}

// ParseScope maps a scope name or letter to a Scope. Empty yields zero,
// which New resolves from the tenant.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "d", "bound", "tenant":
		return ScopeBound, nil
	case "u", "unbound":
		return ScopeUnbound, nil
	}
	return 0, fmt.Errorf("unknown task scope %q", s)
}

func (k Kind) valid() bool {
	switch k {
	case KindInteractive, KindAutomatic, KindSystem, KindMgmt:
		return true
	}
	return false
}

func (s Scope) valid() bool { return s == ScopeBound || s == ScopeUnbound }

// New mints a fresh id. Concurrent calls never collide short of a UUIDv4
// collision.
func New(p Params) (string, error) {
	if p.Kind == 0 {
		p.Kind = KindInteractive
	}
	if p.Scope == 0 {
		if p.Tenant == "" {
			p.Scope = ScopeUnbound
		} else {
			p.Scope = ScopeBound
		}
	}
	parts := Parts{Owner: p.Owner, Kind: p.Kind, Scope: p.Scope, Tenant: p.Tenant}
	if err := parts.validate(); err != nil {
		return "", err
	}
	parts.Suffix = newSuffix(p.Owner, p.Dummy)
	return parts.String(), nil
}

// Parse splits and validates id.
func Parse(id string) (Parts, error) {
	fields := strings.Split(id, ":")
	if len(fields) != 4 || len(fields[1]) != 2 {
		return Parts{}, fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	p := Parts{
		Owner:  fields[0],
		Kind:   Kind(fields[1][0]),
		Scope:  Scope(fields[1][1]),
		Tenant: fields[2],
		Suffix: fields[3],
	}
	if p.Scope == ScopeUnbound {
		if p.Tenant != unboundTenant {
			return Parts{}, fmt.Errorf("%w: unbound id with tenant %q", ErrInvalid, p.Tenant)
		}
		p.Tenant = ""
	}
	if err := p.validate(); err != nil {
		return Parts{}, err
	}
	if !suffixPattern.MatchString(p.Suffix) {
		return Parts{}, fmt.Errorf("%w: bad suffix %q", ErrInvalid, p.Suffix)
	}
	return p, nil
}

// IsDummy reports whether id was minted with Params.Dummy.
func IsDummy(id string) bool {
	p, err := Parse(id)
	if err != nil {
		return false
	}
	return p.Suffix[:markerLen] == marker(p.Owner)
}

func (p Parts) String() string {
	tenant := p.Tenant
	if p.Scope == ScopeUnbound {
		tenant = unboundTenant
	}
	return p.Owner + ":" + string([]byte{byte(p.Kind), byte(p.Scope)}) + ":" + tenant + ":" + p.Suffix
}

func (p Parts) validate() error {
	if !namePattern.MatchString(p.Owner) {
		return fmt.Errorf("%w: owner %q", ErrInvalid, p.Owner)
	}
	if !p.Kind.valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalid, rune(p.Kind))
	}
	if !p.Scope.valid() {
		return fmt.Errorf("%w: scope %q", ErrInvalid, rune(p.Scope))
	}
	switch p.Scope {
	case ScopeBound:
		if !namePattern.MatchString(p.Tenant) {
			return fmt.Errorf("%w: tenant %q", ErrInvalid, p.Tenant)
		}
	case ScopeUnbound:
		if p.Tenant != "" {
			return fmt.Errorf("%w: unbound task cannot carry tenant %q", ErrInvalid, p.Tenant)
		}
	}
	return nil
}

func newSuffix(owner string, dummy bool) string {
	u := uuid.New()
	s := hex.EncodeToString(u[:])
	if dummy {
		s = marker(owner) + s[markerLen:]
	}
	return s
}

func marker(owner string) string {
	sum := blake3.Sum256([]byte(owner))
	return hex.EncodeToString(sum[:])[:markerLen]
}
