package broker

import (
	"context"
)

// Variant describes one entity kind. Kinds opt into identity merging by
// also implementing Identifiable and Mergeable.
type Variant interface {
	Type() string
}

// Identifiable variants can locate an existing entity with the same identity.
type Identifiable interface {
	Variant
	// IdentityKey returns the canonical identity of e, or false when e lacks
	// the identity attribute.
	IdentityKey(e Entity) (string, bool)
}

// Mergeable variants combine an incoming entity into an existing one.
type Mergeable interface {
	Variant
	// Merge returns existing extended with attributes only incoming has,
	// and the names of the appended attributes.
	Merge(existing, incoming Entity) (Entity, []string)
}

type keyedVariant struct {
	typ  string
	attr string
}

func (v keyedVariant) Type() string { return v.typ }

func (v keyedVariant) IdentityKey(e Entity) (string, bool) {
	a, ok := e.Attrs[v.attr]
	if !ok {
		return "", false
	}
	return a.canonical()
}

func (v keyedVariant) Merge(existing, incoming Entity) (Entity, []string) {
	merged := existing.Clone()
	var appended []string
	for _, name := range incoming.AttrNames() {
		if _, ok := merged.Attrs[name]; ok {
			continue
		}
		merged.Attrs[name] = incoming.Attrs[name]
		appended = append(appended, name)
	}
	if len(merged.Context) == 0 {
		merged.Context = incoming.Context
	}
	return merged, appended
}

type plainVariant struct {
	typ string
}

func (v plainVariant) Type() string { return v.typ }

var variants = map[string]Variant{
	TypeOrganization:      keyedVariant{TypeOrganization, "name"},
	TypeEVChargingStation: keyedVariant{TypeEVChargingStation, "name"},
	TypeDistribution:      keyedVariant{TypeDistribution, "name"},
	TypeBikeHireDocking:   keyedVariant{TypeBikeHireDocking, "stationName"},
	TypeDataService:       keyedVariant{TypeDataService, "title"},
	TypeKPI:               keyedVariant{TypeKPI, "source"},
	TypeDataServiceRun:    plainVariant{TypeDataServiceRun},
}

// VariantOf returns the variant for typ. Unknown types are plain.
func VariantOf(typ string) Variant {
	if v, ok := variants[typ]; ok {
		return v
	}
	return plainVariant{typ}
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	ID       string
	Created  bool
	Appended []string
}

// Store is an entity broker.
type Store interface {
	Get(ctx context.Context, id string) (Entity, error)
	Query(ctx context.Context, typ string) ([]Entity, error)
	Upsert(ctx context.Context, e Entity) (UpsertResult, error)
	Update(ctx context.Context, id string, attrs map[string]Attribute) error
	Close() error
}

// backend is the raw persistence a Store is built on.
type backend interface {
	Query(ctx context.Context, typ string) ([]Entity, error)
	create(ctx context.Context, e Entity) error
	appendAttrs(ctx context.Context, id string, attrs map[string]Attribute) error
}

// upsert implements create-or-merge-by-identity over a backend.
func upsert(ctx context.Context, b backend, e Entity) (UpsertResult, error) {
	if e.Type == "" {
		return UpsertResult{}, errMissingType
	}
	if e.ID == "" {
		e.ID = NewID(e.Type)
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]Attribute)
	}

	v := VariantOf(e.Type)
	ident, identOK := v.(Identifiable)
	merger, mergeOK := v.(Mergeable)

	if identOK && mergeOK {
		if key, ok := ident.IdentityKey(e); ok {
			existing, err := b.Query(ctx, e.Type)
			if err != nil {
				return UpsertResult{}, err
			}
			for _, cur := range existing {
				curKey, ok := ident.IdentityKey(cur)
				if !ok || curKey != key {
					continue
				}
				merged, appended := merger.Merge(cur, e)
				if len(appended) > 0 {
					add := make(map[string]Attribute, len(appended))
					for _, name := range appended {
						add[name] = merged.Attrs[name]
					}
					if err := b.appendAttrs(ctx, cur.ID, add); err != nil {
						return UpsertResult{}, err
					}
				}
				return UpsertResult{ID: cur.ID, Appended: appended}, nil
			}
		}
	}

	if err := b.create(ctx, e); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{ID: e.ID, Created: true}, nil
}
