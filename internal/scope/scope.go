// Package scope resolves the repository-scope selector of a request.
package scope

import (
	"github.com/codecompass/compassd/internal/sandbox"
	"github.com/codecompass/compassd/internal/toolerr"
)

// maxRepos bounds multi-repo scopes.
const maxRepos = 10

// Type discriminates the scope variants.
type Type string

const (
	// TypeRepo selects exactly one repository.
	TypeRepo Type = "repo"

	// TypeRepos selects 1..10 distinct repositories.
	TypeRepos Type = "repos"

	// TypeAll selects the whole corpus. Gated by configuration.
	TypeAll Type = "all"
)

// Input is the free-form scope field as received on the wire.
type Input struct {
	Type  string   `json:"type"`
	Repo  string   `json:"repo,omitempty"`
	Repos []string `json:"repos,omitempty"`
}

// Scope is the canonical resolved value.
type Scope struct {
	Type  Type
	Repos []string
}

// IsGlobal reports whether the scope covers the whole corpus.
func (s Scope) IsGlobal() bool {
	return s.Type == TypeAll
}

// Single returns the repository name for single-repo scopes, or "".
func (s Scope) Single() string {
	if s.Type == TypeRepo && len(s.Repos) == 1 {
		return s.Repos[0]
	}
	return ""
}

// Resolver validates scope selectors against the global-scope permission.
type Resolver struct {
	allowGlobal bool
}

// NewResolver creates a Resolver. allowGlobal gates {type: "all"}.
func NewResolver(allowGlobal bool) *Resolver {
	return &Resolver{allowGlobal: allowGlobal}
}

// Resolve normalizes a scope input. When in is nil, legacyRepo (the
// top-level "repo" field of older clients) is interpreted as a single-repo
// scope. A scope is mandatory: both absent is BAD_REQUEST.
//
// Resolution is idempotent: re-resolving an already-canonical scope yields
// the same value.
func (r *Resolver) Resolve(in *Input, legacyRepo string) (Scope, error) {
	if in == nil {
		if legacyRepo == "" {
			return Scope{}, toolerr.BadRequest("scope is required")
		}
		in = &Input{Type: string(TypeRepo), Repo: legacyRepo}
	}

	switch Type(in.Type) {
	case TypeRepo:
		name := in.Repo
		if name == "" && len(in.Repos) == 1 {
			name = in.Repos[0]
		}
		if err := sandbox.ValidateRepoName(name); err != nil {
			return Scope{}, err
		}
		return Scope{Type: TypeRepo, Repos: []string{name}}, nil

	case TypeRepos:
		repos := dedupe(in.Repos)
		if len(repos) == 0 {
			return Scope{}, toolerr.BadRequest("repos scope requires at least one repository")
		}
		if len(repos) > maxRepos {
			return Scope{}, toolerr.BadRequest("repos scope allows at most %d repositories", maxRepos)
		}
		for _, name := range repos {
			if err := sandbox.ValidateRepoName(name); err != nil {
				return Scope{}, err
			}
		}
		return Scope{Type: TypeRepos, Repos: repos}, nil

	case TypeAll:
		if !r.allowGlobal {
			return Scope{}, toolerr.Forbidden("global scope is disabled; set ALLOW_GLOBAL_SCOPE=true to enable")
		}
		return Scope{Type: TypeAll}, nil

	default:
		return Scope{}, toolerr.BadRequest("unknown scope type %q", in.Type)
	}
}

// dedupe removes duplicates preserving first-occurrence order.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
