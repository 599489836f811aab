package functions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/blobstore"
	"github.com/watzon/funcbox/internal/metrics"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// SourceValidator checks that a language adapter can run a source. It
// returns the runtime identifier the definition should be stored with.
type SourceValidator interface {
	ValidateSource(runtime string, src Source) (string, error)
}

// Limits bounds the resources a definition may declare.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DefaultMemory  int
}

// Filter narrows List results. Tag and Name accept glob patterns.
type Filter struct {
	Tag     string
	Runtime string
	Name    string
}

// Registry stores versioned function definitions.
type Registry struct {
	store     Store
	validator SourceValidator
	limits    Limits
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewRegistry creates a registry over store. validator decides which
// languages and entry points are acceptable.
func NewRegistry(store Store, validator SourceValidator, limits Limits) *Registry {
	return &Registry{
		store:     store,
		validator: validator,
		limits:    limits,
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

// Register validates def and stores it as the new highest version of its id.
// The caller's definition is not modified.
func (r *Registry) Register(ctx context.Context, def *Definition) (*Registered, error) {
	if def == nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "definition", Message: "is required"}}}
	}

	normalized, err := r.normalize(def)
	if err != nil {
		metrics.RecordRegistration("invalid")
		return nil, err
	}

	head, err := r.store.Head(ctx, normalized.ID)
	if err != nil {
		return nil, fmt.Errorf("loading head: %w", err)
	}

	var expected int64
	now := r.now().UTC()
	normalized.Metadata.CreatedAt = now
	normalized.Metadata.UpdatedAt = now

	if head != nil {
		if CompareVersions(normalized.Metadata.Version, head.Version) <= 0 {
			metrics.RecordRegistration("conflict")
			return nil, &VersionConflictError{
				ID:        normalized.ID,
				Attempted: normalized.Metadata.Version,
				Current:   head.Version,
			}
		}
		expected = head.Revision
		normalized.Metadata.CreatedAt = head.CreatedAt
	}

	if err := r.store.Insert(ctx, normalized, expected); err != nil {
		if errors.Is(err, ErrHeadMoved) || errors.Is(err, ErrVersionExists) {
			metrics.RecordRegistration("conflict")
			return nil, r.conflict(ctx, normalized)
		}
		return nil, fmt.Errorf("storing function: %w", err)
	}

	metrics.RecordRegistration("ok")
	log.Info().
		Str("function_id", normalized.ID).
		Str("version", normalized.Metadata.Version).
		Str("runtime", normalized.Metadata.Runtime).
		Msg("Function registered")

	return &Registered{Definition: normalized.Clone(), Status: StatusActive}, nil
}

// conflict builds the error for a registration that lost a race.
func (r *Registry) conflict(ctx context.Context, def *Definition) error {
	current := ""
	if head, err := r.store.Head(ctx, def.ID); err == nil && head != nil {
		current = head.Version
	}
	log.Debug().
		Str("function_id", def.ID).
		Str("attempted", def.Metadata.Version).
		Str("current", current).
		Msg("Concurrent registration lost")
	return &VersionConflictError{ID: def.ID, Attempted: def.Metadata.Version, Current: current}
}

// Get returns the requested version of id, or the highest version when
// version is empty. It returns nil when nothing matches.
func (r *Registry) Get(ctx context.Context, id, version string) (*Registered, error) {
	head, err := r.store.Head(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading head: %w", err)
	}
	if head == nil {
		return nil, nil
	}

	if version == "" {
		version = head.Version
	} else if v, ok := NormalizeVersion(version); ok {
		version = v
	} else {
		return nil, nil
	}

	def, err := r.store.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, nil
	}

	status := StatusSuperseded
	if def.Metadata.Version == head.Version {
		status = StatusActive
	}
	return &Registered{Definition: def, Status: status}, nil
}

// Versions returns every version of id, highest first.
func (r *Registry) Versions(ctx context.Context, id string) ([]*Registered, error) {
	defs, err := r.store.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	return withStatus(sortDefinitions(defs)), nil
}

// List returns a snapshot of all versions matching filter, ordered by id
// ascending and then version descending.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Registered, error) {
	var tagMatch, nameMatch glob.Glob
	var err error
	if filter.Tag != "" {
		if tagMatch, err = glob.Compile(filter.Tag); err != nil {
			return nil, &ValidationError{Fields: []FieldError{{Field: "tag", Message: err.Error()}}}
		}
	}
	if filter.Name != "" {
		if nameMatch, err = glob.Compile(filter.Name); err != nil {
			return nil, &ValidationError{Fields: []FieldError{{Field: "name", Message: err.Error()}}}
		}
	}

	defs, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}

	// Status is computed before filtering so it reflects every version.
	all := withStatus(sortDefinitions(defs))

	result := make([]*Registered, 0, len(all))
	for _, reg := range all {
		md := reg.Definition.Metadata
		if filter.Runtime != "" && md.Runtime != filter.Runtime {
			continue
		}
		if nameMatch != nil && !nameMatch.Match(md.Name) {
			continue
		}
		if tagMatch != nil && !slices.ContainsFunc(md.Tags, tagMatch.Match) {
			continue
		}
		result = append(result, reg)
	}
	return result, nil
}

func sortDefinitions(defs []*Definition) []*Definition {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].ID != defs[j].ID {
			return defs[i].ID < defs[j].ID
		}
		return CompareVersions(defs[i].Metadata.Version, defs[j].Metadata.Version) > 0
	})
	return defs
}

// withStatus expects defs sorted by sortDefinitions.
func withStatus(defs []*Definition) []*Registered {
	result := make([]*Registered, len(defs))
	for i, def := range defs {
		status := StatusSuperseded
		if i == 0 || defs[i-1].ID != def.ID {
			status = StatusActive
		}
		result[i] = &Registered{Definition: def, Status: status}
	}
	return result
}

// normalize validates def and returns a cleaned copy with defaults applied.
func (r *Registry) normalize(def *Definition) (*Definition, error) {
	d := def.Clone()
	verr := &ValidationError{}

	d.ID = strings.TrimSpace(d.ID)
	if !idPattern.MatchString(d.ID) {
		verr.add("id", "must match %s", idPattern.String())
	}

	md := &d.Metadata
	md.Name = strings.TrimSpace(md.Name)
	if md.Name == "" {
		md.Name = d.ID
	}
	md.Description = strings.TrimSpace(r.sanitizer.Sanitize(md.Description))
	md.Author = strings.TrimSpace(md.Author)

	if v, ok := NormalizeVersion(strings.TrimSpace(md.Version)); ok {
		md.Version = v
	} else {
		verr.add("metadata.version", "%q is not a semantic version (MAJOR.MINOR.PATCH)", md.Version)
	}

	md.Tags = normalizeTags(md.Tags)

	switch {
	case md.Timeout < 0:
		verr.add("metadata.timeout", "must be positive")
	case md.Timeout == 0:
		md.Timeout = int(r.limits.DefaultTimeout / time.Second)
	case r.limits.MaxTimeout > 0 && time.Duration(md.Timeout)*time.Second > r.limits.MaxTimeout:
		verr.add("metadata.timeout", "must not exceed %s", r.limits.MaxTimeout)
	}

	switch {
	case md.Memory < 0:
		verr.add("metadata.memory", "must be non-negative")
	case md.Memory == 0:
		md.Memory = r.limits.DefaultMemory
	}

	src := &d.Source
	src.Language = strings.ToLower(strings.TrimSpace(src.Language))
	src.Handler = strings.TrimSpace(src.Handler)
	if src.Language == "" {
		verr.add("source.language", "is required")
	}
	if src.Handler == "" {
		verr.add("source.handler", "is required")
	}
	if src.Code == "" {
		verr.add("source.code", "is required")
	}

	if verr.empty() && r.validator != nil {
		runtime, err := r.validator.ValidateSource(strings.TrimSpace(md.Runtime), *src)
		if err != nil {
			verr.add("source", "%s", err.Error())
		} else {
			md.Runtime = runtime
		}
	}
	if md.Runtime == "" {
		md.Runtime = src.Language
	}

	if !verr.empty() {
		return nil, verr
	}

	src.Digest = blobstore.Digest([]byte(src.Code))
	return d, nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
