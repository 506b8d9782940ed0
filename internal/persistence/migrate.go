package persistence

import (
	"encoding/json"
	"fmt"

	"mahaclassifier/internal/models"
)

// SchemaVersion is written by Save. Artifacts without a version tag are
// treated as version 0 and migrated on load.
const SchemaVersion = 1

var fieldAliases = []struct{ legacy, canonical string }{
	{"global_mu", "train_mu"},
	{"global_sigma", "train_sigma"},
	{"tau_train", "tau"},
}

// migrate rewrites a decoded document to the current schema in place.
func migrate(doc map[string]any) error {
	version, err := schemaVersion(doc)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: schema_version %d is newer than supported %d", ErrMalformedArtifact, version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	for _, a := range fieldAliases {
		v, ok := doc[a.legacy]
		if !ok {
			continue
		}
		if _, exists := doc[a.canonical]; !exists {
			doc[a.canonical] = v
		}
		delete(doc, a.legacy)
	}

	for _, field := range []string{"class_stats", "class_labels"} {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s must be an object", ErrMalformedArtifact, field)
		}
		normalized, err := normalizeClassKeys(m)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		doc[field] = normalized
	}

	doc["schema_version"] = json.Number(fmt.Sprint(SchemaVersion))
	return nil
}

func schemaVersion(doc map[string]any) (int, error) {
	raw, ok := doc["schema_version"]
	if !ok {
		return 0, nil
	}
	n, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: schema_version must be an integer", ErrMalformedArtifact)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: schema_version: %v", ErrMalformedArtifact, err)
	}
	return int(v), nil
}

// normalizeClassKeys maps every accepted spelling of a class ("0", "B",
// "Benign", ...) to its canonical key.
func normalizeClassKeys(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		c, err := models.ParseClassID(k)
		if err != nil {
			continue
		}
		if _, dup := out[c.Key()]; dup {
			return nil, fmt.Errorf("%w: class %s appears under more than one key", ErrMalformedArtifact, c)
		}
		out[c.Key()] = v
	}
	return out, nil
}
