package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// SchemaRelation classifies how a store's schema relates to what this build
// expects.
type SchemaRelation string

const (
	// RelationBehind means the store is at an older revision and needs an
	// upgrade (or a full legacy migration).
	RelationBehind SchemaRelation = "behind"
	// RelationAhead means the store was written by a newer build.
	RelationAhead SchemaRelation = "ahead"
	// RelationReconfigured means a version table exists under a different
	// prefix than the one configured.
	RelationReconfigured SchemaRelation = "reconfigured"
)

// SchemaVersionError reports a schema that this build cannot safely operate
// on. Callers decide the remedy: upgrade, legacy migration, or prefix fix.
type SchemaVersionError struct {
	Relation    SchemaRelation
	Current     string
	Head        string
	PriorPrefix string
}

func (e *SchemaVersionError) Error() string {
	switch e.Relation {
	case RelationBehind:
		return fmt.Sprintf("store schema revision %q is behind head %q: run an upgrade", e.Current, e.Head)
	case RelationAhead:
		return fmt.Sprintf("store schema revision %q is ahead of head %q: this build is too old", e.Current, e.Head)
	case RelationReconfigured:
		return fmt.Sprintf("store was written with table prefix %q, not the configured one", e.PriorPrefix)
	}
	return "store schema is incompatible"
}

// AmbiguousConfigurationError reports several version tables under different
// prefixes with no way to pick one.
type AmbiguousConfigurationError struct {
	Candidates []string
}

func (e *AmbiguousConfigurationError) Error() string {
	return fmt.Sprintf("multiple schema version tables found (prefixes %s): set the table prefix explicitly",
		strings.Join(e.Candidates, ", "))
}

// CheckRevision verifies the store's schema before any reads or writes.
//
// A fresh store (no tables at all) is initialized at the head revision. A
// populated store must carry a version table under the configured prefix at
// exactly the head revision; anything else comes back as a typed error.
// priorPrefix, when set, names the prefix a previous deployment used so a
// prefix change is reported as reconfigured rather than ambiguous.
func (s *Store) CheckRevision(ctx context.Context, priorPrefix string) error {
	names, err := s.tableNames(ctx)
	if err != nil {
		return err
	}

	// distinct prefixes owning a version table
	var candidates []string
	ownVersionTable := false
	for _, n := range names {
		if !strings.HasSuffix(n, versionTableBase) {
			continue
		}
		prefix := strings.TrimSuffix(n, versionTableBase)
		if prefix == s.prefix {
			ownVersionTable = true
		}
		candidates = append(candidates, prefix)
	}

	if ownVersionTable {
		current, err := s.currentRevision(ctx)
		if err != nil {
			return err
		}
		head := HeadRevision()
		switch {
		case current == head:
			return nil
		case revisionIndex(current) < 0:
			// unknown revision was stamped by a newer build
			return &SchemaVersionError{Relation: RelationAhead, Current: current, Head: head}
		case olderRevision(current, head):
			return &SchemaVersionError{Relation: RelationBehind, Current: current, Head: head}
		default:
			return &SchemaVersionError{Relation: RelationAhead, Current: current, Head: head}
		}
	}

	if len(candidates) == 1 {
		return &SchemaVersionError{Relation: RelationReconfigured, PriorPrefix: candidates[0]}
	}
	if len(candidates) > 1 {
		if priorPrefix != "" {
			for _, c := range candidates {
				if c == priorPrefix {
					return &SchemaVersionError{Relation: RelationReconfigured, PriorPrefix: priorPrefix}
				}
			}
		}
		return &AmbiguousConfigurationError{Candidates: candidates}
	}

	// no version table anywhere: either a brand-new store or a legacy one
	legacy, err := s.IsLegacy(ctx)
	if err != nil {
		return err
	}
	if legacy {
		return &SchemaVersionError{Relation: RelationBehind, Current: "legacy", Head: HeadRevision()}
	}

	s.logger.Info("initializing fresh store at head revision", "revision", HeadRevision())
	return s.Upgrade(ctx, HeadRevision())
}
