package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/supabase-community/supabase-go"
)

// Source provides persona and scenario snapshots.
type Source interface {
	Persona(ctx context.Context, id string) (Persona, error)
	Scenario(ctx context.Context, id string) (Scenario, error)
	Personas(ctx context.Context) ([]Persona, error)
	Scenarios(ctx context.Context) ([]Scenario, error)
}

// backend reads raw documents by slash-separated path.
type backend interface {
	read(ctx context.Context, name string) ([]byte, error)
	list(ctx context.Context, dir string) ([]string, error)
}

// Store decodes YAML documents laid out as personas/<id>.yaml and
// scenarios/<id>.yaml on a backend.
type Store struct {
	b backend
}

var _ Source = (*Store)(nil)

// NewFileStore reads documents from a local directory.
func NewFileStore(dir string) *Store { return &Store{b: fileBackend{root: dir}} }

// SupabaseConfig selects the bucket holding catalog documents.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// NewSupabaseStore reads documents from a Supabase Storage bucket. Listing uses
// personas/index.yaml and scenarios/index.yaml, each a YAML list of ids.
func NewSupabaseStore(cfg SupabaseConfig) (*Store, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("catalog: create supabase client: %w", err)
	}
	download := func(name string) ([]byte, error) {
		return client.Storage.DownloadFile(cfg.Bucket, name)
	}
	return &Store{b: bucketBackend{download: download}}, nil
}

// Persona loads one persona.
func (s *Store) Persona(ctx context.Context, id string) (Persona, error) {
	if !validID(id) {
		return Persona{}, fmt.Errorf("%w: persona %q", ErrNotFound, id)
	}
	data, err := s.b.read(ctx, path.Join("personas", id+".yaml"))
	if err != nil {
		return Persona{}, fmt.Errorf("persona %q: %w", id, err)
	}
	return DecodePersona(data)
}

// Scenario loads one scenario, normalized.
func (s *Store) Scenario(ctx context.Context, id string) (Scenario, error) {
	if !validID(id) {
		return Scenario{}, fmt.Errorf("%w: scenario %q", ErrNotFound, id)
	}
	data, err := s.b.read(ctx, path.Join("scenarios", id+".yaml"))
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %q: %w", id, err)
	}
	return DecodeScenario(data)
}

// Personas loads every persona, sorted by id.
func (s *Store) Personas(ctx context.Context) ([]Persona, error) {
	ids, err := s.b.list(ctx, "personas")
	if err != nil {
		return nil, err
	}
	out := make([]Persona, 0, len(ids))
	for _, id := range ids {
		p, err := s.Persona(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Scenarios loads every scenario, sorted by id.
func (s *Store) Scenarios(ctx context.Context) ([]Scenario, error) {
	ids, err := s.b.list(ctx, "scenarios")
	if err != nil {
		return nil, err
	}
	out := make([]Scenario, 0, len(ids))
	for _, id := range ids {
		sc, err := s.Scenario(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// DecodePersona parses and validates a persona document.
func DecodePersona(data []byte) (Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return Persona{}, fmt.Errorf("%w: persona id is required", ErrInvalidRecord)
	}
	return p, nil
}

// DecodeScenario parses, validates and normalizes a scenario document.
func DecodeScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(s.ID) == "" {
		return Scenario{}, fmt.Errorf("%w: scenario id is required", ErrInvalidRecord)
	}
	seen := map[string]bool{}
	for _, r := range s.Roles {
		if r.ID == "" {
			return Scenario{}, fmt.Errorf("%w: scenario %q has a role without id", ErrInvalidRecord, s.ID)
		}
		if seen[r.ID] {
			return Scenario{}, fmt.Errorf("%w: scenario %q repeats role %q", ErrInvalidRecord, s.ID, r.ID)
		}
		seen[r.ID] = true
		for _, p := range r.AllowedPhases {
			if !p.Valid() {
				return Scenario{}, fmt.Errorf("%w: role %q allows unknown phase %q", ErrInvalidRecord, r.ID, p)
			}
		}
	}
	if s.StartPhase != "" && !s.StartPhase.Valid() {
		return Scenario{}, fmt.Errorf("%w: unknown start phase %q", ErrInvalidRecord, s.StartPhase)
	}
	s.Normalize()
	return s, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

type fileBackend struct{ root string }

func (f fileBackend) read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f fileBackend) list(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "index.yaml" {
			continue
		}
		if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
			ids = append(ids, strings.TrimSuffix(name, ext))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type bucketBackend struct {
	download func(name string) ([]byte, error)
}

func (b bucketBackend) read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := b.download(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return data, nil
}

func (b bucketBackend) list(ctx context.Context, dir string) ([]string, error) {
	data, err := b.read(ctx, path.Join(dir, "index.yaml"))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: %s index: %v", ErrInvalidRecord, dir, err)
	}
	sort.Strings(ids)
	return ids, nil
}
