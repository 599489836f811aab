package functions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/blobstore"
	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/database"
)

type stubValidator struct{}

func (stubValidator) ValidateSource(runtime string, src Source) (string, error) {
	switch src.Language {
	case "cel", "javascript":
	default:
		return "", fmt.Errorf("unsupported language %q", src.Language)
	}
	if runtime != "" && runtime != src.Language {
		return "", fmt.Errorf("runtime %q cannot run %s", runtime, src.Language)
	}
	if src.Handler == "missing" {
		return "", errors.New("entry point missing is not exported")
	}
	return src.Language, nil
}

func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLimits() Limits {
	return Limits{DefaultTimeout: 30 * time.Second, MaxTimeout: 5 * time.Minute, DefaultMemory: 128}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewSQLStore(testDB(t), nil, 64*1024), stubValidator{}, testLimits())
}

func helloDef(version string) *Definition {
	return &Definition{
		ID: "hello-world",
		Metadata: Metadata{
			Name:    "Hello World",
			Version: version,
			Tags:    []string{"demo"},
		},
		Source: Source{
			Code:     `handler: '{"message": "Hello, " + input.name + "!"}'`,
			Language: "cel",
			Handler:  "handler",
		},
	}
}

func TestRegisterThenGet(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	registered, err := reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)
	require.Equal(t, StatusActive, registered.Status)
	require.Equal(t, "cel", registered.Definition.Metadata.Runtime)
	require.Equal(t, 30, registered.Definition.Metadata.Timeout)
	require.Equal(t, 128, registered.Definition.Metadata.Memory)
	require.Equal(t, blobstore.Digest([]byte(registered.Definition.Source.Code)), registered.Definition.Source.Digest)

	got, err := reg.Get(ctx, "hello-world", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "1.0.0", got.Definition.Metadata.Version)
	require.Equal(t, registered.Definition.Source, got.Definition.Source)
	require.Equal(t, []string{"demo"}, got.Definition.Metadata.Tags)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	got, err := reg.Get(ctx, "nope", "")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)

	got, err = reg.Get(ctx, "hello-world", "9.9.9")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestVersionConflict(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, helloDef("0.9.0"))
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "1.0.0", conflict.Current)
	require.Equal(t, "0.9.0", conflict.Attempted)

	_, err = reg.Register(ctx, helloDef("1.0.0"))
	require.True(t, IsVersionConflict(err), "re-registering the same version must conflict")

	_, err = reg.Register(ctx, helloDef("1.1.0"))
	require.NoError(t, err)

	got, err := reg.Get(ctx, "hello-world", "")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", got.Definition.Metadata.Version)

	old, err := reg.Get(ctx, "hello-world", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, StatusSuperseded, old.Status)
}

func TestSemverOrderingNotLexical(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.2.0", "1.10.0"} {
		_, err := reg.Register(ctx, helloDef(v))
		require.NoError(t, err)
	}

	_, err := reg.Register(ctx, helloDef("1.9.0"))
	require.True(t, IsVersionConflict(err))

	_, err = reg.Register(ctx, helloDef("2.0.0-rc.1"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, helloDef("2.0.0"))
	require.NoError(t, err, "release is greater than its prerelease")
}

func TestCreatedAtCarriedAcrossVersions(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return first }
	_, err := reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)

	later := first.Add(48 * time.Hour)
	reg.now = func() time.Time { return later }
	registered, err := reg.Register(ctx, helloDef("1.0.1"))
	require.NoError(t, err)

	md := registered.Definition.Metadata
	require.True(t, md.CreatedAt.Equal(first))
	require.True(t, md.UpdatedAt.Equal(later))
	require.False(t, md.UpdatedAt.Before(md.CreatedAt))
}

func TestRegisterValidation(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(d *Definition)
		field  string
	}{
		{"empty id", func(d *Definition) { d.ID = "" }, "id"},
		{"id with spaces", func(d *Definition) { d.ID = "hello world" }, "id"},
		{"bad version", func(d *Definition) { d.Metadata.Version = "one" }, "metadata.version"},
		{"short version", func(d *Definition) { d.Metadata.Version = "1.0" }, "metadata.version"},
		{"build metadata", func(d *Definition) { d.Metadata.Version = "1.0.0+abc" }, "metadata.version"},
		{"negative timeout", func(d *Definition) { d.Metadata.Timeout = -1 }, "metadata.timeout"},
		{"timeout over max", func(d *Definition) { d.Metadata.Timeout = 3600 }, "metadata.timeout"},
		{"negative memory", func(d *Definition) { d.Metadata.Memory = -5 }, "metadata.memory"},
		{"no handler", func(d *Definition) { d.Source.Handler = "" }, "source.handler"},
		{"no code", func(d *Definition) { d.Source.Code = "" }, "source.code"},
		{"unsupported language", func(d *Definition) { d.Source.Language = "cobol" }, "source"},
		{"missing export", func(d *Definition) { d.Source.Handler = "missing" }, "source"},
		{"runtime mismatch", func(d *Definition) { d.Metadata.Runtime = "javascript" }, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := helloDef("1.0.0")
			tt.mutate(def)

			_, err := reg.Register(ctx, def)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			require.True(t, found, "expected error on %s, got %v", tt.field, verr)
		})
	}

	got, err := reg.Get(ctx, "hello-world", "")
	require.NoError(t, err)
	require.Nil(t, got, "failed registrations must not store anything")
}

func TestRegisterNormalizes(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	def := helloDef("v1.2.3")
	def.Metadata.Description = `<script>alert(1)</script>Says <b>hello</b>`
	def.Metadata.Tags = []string{"b", "a", "b", " "}
	def.Source.Language = "CEL"

	registered, err := reg.Register(ctx, def)
	require.NoError(t, err)

	md := registered.Definition.Metadata
	require.Equal(t, "1.2.3", md.Version)
	require.Equal(t, "Says hello", md.Description)
	require.Equal(t, []string{"a", "b"}, md.Tags)
	require.Equal(t, "cel", registered.Definition.Source.Language)

	require.Equal(t, "v1.2.3", def.Metadata.Version, "caller's definition must not be modified")
}

func TestListOrdering(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	register := func(id, version string, tags ...string) {
		def := helloDef(version)
		def.ID = id
		def.Metadata.Tags = tags
		_, err := reg.Register(ctx, def)
		require.NoError(t, err)
	}

	register("zeta", "1.0.0", "billing")
	register("alpha", "1.0.0", "orders")
	register("alpha", "1.10.0", "orders")
	register("alpha", "1.2.0", "orders", "beta")

	all, err := reg.List(ctx, Filter{})
	require.NoError(t, err)

	var got []string
	for _, r := range all {
		got = append(got, r.Definition.ID+"@"+r.Definition.Metadata.Version+":"+string(r.Status))
	}
	require.Equal(t, []string{
		"alpha@1.10.0:active",
		"alpha@1.2.0:superseded",
		"alpha@1.0.0:superseded",
		"zeta@1.0.0:active",
	}, got)

	orders, err := reg.List(ctx, Filter{Tag: "ord*"})
	require.NoError(t, err)
	require.Len(t, orders, 3)

	beta, err := reg.List(ctx, Filter{Tag: "beta"})
	require.NoError(t, err)
	require.Len(t, beta, 1)
	require.Equal(t, StatusSuperseded, beta[0].Status)

	none, err := reg.List(ctx, Filter{Runtime: "javascript"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListIsSnapshot(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)

	first, err := reg.List(ctx, Filter{})
	require.NoError(t, err)
	first[0].Definition.Metadata.Tags[0] = "mutated"

	second, err := reg.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"demo"}, second[0].Definition.Metadata.Tags)
}

func TestConcurrentRegistrationsStayMonotonic(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, helloDef("1.0.0"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = reg.Register(ctx, helloDef(fmt.Sprintf("1.%d.0", i+1)))
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			require.True(t, IsVersionConflict(err), "unexpected error: %v", err)
		}
	}

	versions, err := reg.Versions(ctx, "hello-world")
	require.NoError(t, err)

	// Versions were accepted in increasing order, so the stored head is
	// the maximum of everything stored.
	head, err := reg.Get(ctx, "hello-world", "")
	require.NoError(t, err)
	require.Equal(t, versions[0].Definition.Metadata.Version, head.Definition.Metadata.Version)
	for i := 1; i < len(versions); i++ {
		require.Positive(t, CompareVersions(versions[i-1].Definition.Metadata.Version, versions[i].Definition.Metadata.Version))
	}
}

func TestLargeSourceStoredInBlobStore(t *testing.T) {
	db := testDB(t)
	blobDir := t.TempDir()
	blobs := blobstore.NewStore(blobstore.NewCompressedBackend(blobstore.NewFilesystemBackend(blobDir)))
	reg := NewRegistry(NewSQLStore(db, blobs, 128), stubValidator{}, testLimits())
	ctx := context.Background()

	def := helloDef("1.0.0")
	def.Source.Code = "handler: '" + strings.Repeat("x", 1024) + "'"

	registered, err := reg.Register(ctx, def)
	require.NoError(t, err)

	var inline *string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT code FROM functions WHERE id = ?`, "hello-world").Scan(&inline))
	require.Nil(t, inline, "large source should not be stored inline")

	got, err := reg.Get(ctx, "hello-world", "")
	require.NoError(t, err)
	require.Equal(t, def.Source.Code, got.Definition.Source.Code)
	require.Equal(t, registered.Definition.Source.Digest, got.Definition.Source.Digest)
}
