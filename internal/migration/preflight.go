package migration

import (
	"slices"
	"sort"

	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

// Incompatibility reasons reported by CheckPreflight.
const (
	ReasonMissingSchema = "missing schema"
	ReasonMissingField  = "missing field"
	ReasonMissingCodes  = "missing code list values"
)

// Requirements is what the target dictionary must keep for downstream
// consumers. RequiredFields maps an entity to field names; RequiredCodes maps
// a field path to code list values.
type Requirements struct {
	RequiredFields map[string][]string `mapstructure:"required_fields" json:"requiredFields"`
	RequiredCodes  map[string][]string `mapstructure:"required_codes" json:"requiredCodes"`
}

// DefaultRequirements are the fields and codes the completion stats engine
// reads.
func DefaultRequirements() Requirements {
	return Requirements{
		RequiredFields: map[string][]string{
			domain.EntityDonor:     {"submitter_donor_id", "vital_status"},
			domain.EntitySpecimen:  {"submitter_specimen_id", "tumour_normal_designation"},
			domain.EntityTreatment: {"treatment_type"},
		},
		RequiredCodes: map[string][]string{
			"donor.vital_status":                 {"Deceased"},
			"specimen.tumour_normal_designation": {"Normal", "Tumour"},
			"treatment.treatment_type":           {"No treatment"},
		},
	}
}

// CheckPreflight returns every requirement dict violates, sorted by entity
// then field. A field without a code list accepts any value and satisfies
// code requirements.
func CheckPreflight(dict dictionary.SchemaDictionary, req Requirements) []domain.SchemaIncompatibility {
	var out []domain.SchemaIncompatibility
	for entity, fields := range req.RequiredFields {
		schema, ok := dict.Schema(entity)
		if !ok {
			out = append(out, domain.SchemaIncompatibility{Entity: entity, Reason: ReasonMissingSchema})
			continue
		}
		for _, name := range fields {
			if _, ok := schema.Field(name); !ok {
				out = append(out, domain.SchemaIncompatibility{Entity: entity, Field: name, Reason: ReasonMissingField})
			}
		}
	}
	for path, codes := range req.RequiredCodes {
		entity, name := dictionary.SplitFieldPath(path)
		schema, ok := dict.Schema(entity)
		if !ok {
			if _, reported := req.RequiredFields[entity]; !reported {
				out = append(out, domain.SchemaIncompatibility{Entity: entity, Reason: ReasonMissingSchema})
			}
			continue
		}
		field, ok := schema.Field(name)
		if !ok {
			if !slices.Contains(req.RequiredFields[entity], name) {
				out = append(out, domain.SchemaIncompatibility{Entity: entity, Field: name, Reason: ReasonMissingField})
			}
			continue
		}
		if len(field.Restrictions.CodeList) == 0 {
			continue
		}
		var missing []string
		for _, code := range codes {
			if !slices.Contains(field.Restrictions.CodeList, code) {
				missing = append(missing, code)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			out = append(out, domain.SchemaIncompatibility{Entity: entity, Field: name, Reason: ReasonMissingCodes, Missing: missing})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Reason < out[j].Reason
	})
	return dedupe(out)
}

func dedupe(in []domain.SchemaIncompatibility) []domain.SchemaIncompatibility {
	out := make([]domain.SchemaIncompatibility, 0, len(in))
	for i, inc := range in {
		if i > 0 && in[i-1].Entity == inc.Entity && in[i-1].Field == inc.Field && in[i-1].Reason == inc.Reason {
			continue
		}
		out = append(out, inc)
	}
	return out
}
