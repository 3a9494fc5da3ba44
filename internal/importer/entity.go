package importer

import (
	"context"
	"errors"
	"fmt"

	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/eval"
	"portfolio-backoffice/internal/models"
)

type attrValue struct {
	attributeTypeID int64
	value           any
}

// assembleEntity evaluates entity fields into final inputs. Instrument
// schemes are pre-seeded with their type defaults, relation user codes are
// swapped for ids, and nil finals are dropped.
func (imp *Importer) assembleEntity(ctx context.Context, db domain.DB, scheme models.ImportScheme, ec *eval.Context, seeds map[string]any, inputs map[string]any) (map[string]any, []attrValue, []string) {
	finals := make(map[string]any, len(scheme.EntityFields)+len(seeds))
	for k, v := range seeds {
		finals[k] = v
	}

	var attrs []attrValue
	var rowErrs []string

	for _, field := range scheme.EntityFields {
		var value any
		if field.Expression == "" {
			value = inputs[field.Name]
		} else {
			v, err := imp.evaluator.Evaluate(ctx, field.Expression, inputs, ec)
			if err != nil {
				rowErrs = append(rowErrs, fmt.Sprintf("field %s: %v", field.Name, err))
				continue
			}
			value = v
		}
		if value == nil {
			continue
		}

		if field.DynamicAttributeID != nil {
			attrs = append(attrs, attrValue{attributeTypeID: *field.DynamicAttributeID, value: value})
			continue
		}
		key := field.SystemPropertyKey
		if key == "" {
			key = field.Name
		}
		finals[key] = value
	}

	// Relation user codes become row ids; a failed resolution drops the
	// field and is recorded on the row.
	if db != nil {
		for field, table := range domain.RelationFields(scheme.ContentType) {
			code, ok := finals[field].(string)
			if !ok {
				continue
			}
			id, err := domain.ResolveRelation(ctx, db, table, code)
			if err != nil {
				rowErrs = append(rowErrs, err.Error())
				delete(finals, field)
				continue
			}
			finals[field] = id
		}
	}
	return finals, attrs, rowErrs
}

// persistEntity saves the assembled entity through the serializer registry
// honoring the scheme mode, then writes dynamic attributes.
func (imp *Importer) persistEntity(ctx context.Context, db domain.DB, scheme models.ImportScheme, finals map[string]any, attrs []attrValue) (domain.Entity, []string) {
	serializer, ok := imp.registry.Get(scheme.ContentType)
	if !ok {
		return domain.Entity{}, []string{fmt.Sprintf("no serializer for content type %q", scheme.ContentType)}
	}

	id, found, err := serializer.Lookup(ctx, db, finals)
	if err != nil {
		return domain.Entity{}, []string{err.Error()}
	}

	var entity domain.Entity
	switch {
	case found && scheme.Mode == models.ModeSkip:
		return domain.Entity{}, []string{"Entry already exists"}
	case found:
		entity, err = serializer.Update(ctx, db, id, finals)
	default:
		entity, err = serializer.Create(ctx, db, finals)
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Lost a create race after lookup missed.
		return domain.Entity{}, []string{"Entry already exists"}
	}
	if err != nil {
		return domain.Entity{}, []string{err.Error()}
	}

	var attrErrs []string
	createMissing := scheme.ClassifierHandler != "" && scheme.ClassifierHandler != "error"
	for _, av := range attrs {
		at, err := domain.GetAttributeType(ctx, db, av.attributeTypeID)
		if err != nil {
			attrErrs = append(attrErrs, err.Error())
			continue
		}
		if err := domain.SaveAttribute(ctx, db, at, entity.ID, av.value, createMissing); err != nil {
			attrErrs = append(attrErrs, err.Error())
		}
	}
	return entity, attrErrs
}
