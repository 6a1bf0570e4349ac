package statemachine

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cardmint/scan-core/pkg/models"
)

// OverrideInput is the constrained operator edit surface of spec §7.
type OverrideInput struct {
	CardName    *string
	SetName     *string
	SetNumber   *string
	HPValue     *int
	VariantHint *string
}

var setNumberPattern = regexp.MustCompile(`^\d{1,3}(/\d{1,3})?$`)

var validVariantHints = map[string]bool{
	"holo": true, "reverse_holo": true, "non_holo": true, "unknown": true,
	"first_edition": true, "shadowless": true, "none": true,
}

// ValidateOverride checks every field against the constrained ranges of
// spec §7, returning the first violation found.
func ValidateOverride(in OverrideInput) error {
	if in.CardName != nil {
		if l := len(*in.CardName); l < 3 || l > 80 {
			return fmt.Errorf("card_name must be 3-80 chars, got %d", l)
		}
	}
	if in.SetName != nil {
		if l := len(*in.SetName); l < 3 || l > 80 {
			return fmt.Errorf("set_name must be 3-80 chars, got %d", l)
		}
	}
	if in.SetNumber != nil && !setNumberPattern.MatchString(*in.SetNumber) {
		return fmt.Errorf("set_number %q does not match ^\\d{1,3}(/\\d{1,3})?$", *in.SetNumber)
	}
	if in.HPValue != nil && (*in.HPValue < 0 || *in.HPValue > 400) {
		return fmt.Errorf("hp_value must be 0-400, got %d", *in.HPValue)
	}
	if in.VariantHint != nil && !validVariantHints[*in.VariantHint] {
		return fmt.Errorf("variant_hint %q is not a recognized value", *in.VariantHint)
	}
	return nil
}

// ApplyOverride mutates job's extracted fields per in, returning the
// before/after diff records to persist and replay as a session event.
func ApplyOverride(job *models.ScanJob, in OverrideInput) ([]models.FieldDiff, error) {
	if err := ValidateOverride(in); err != nil {
		return nil, err
	}
	if job.Extracted == nil {
		job.Extracted = &models.ExtractedFields{}
	}

	var diffs []models.FieldDiff
	diff := func(field, before, after string) {
		if before != after {
			diffs = append(diffs, models.FieldDiff{Field: field, Before: before, After: after})
		}
	}

	if in.CardName != nil {
		diff("card_name", job.Extracted.Name, *in.CardName)
		job.Extracted.Name = *in.CardName
	}
	if in.SetName != nil {
		diff("set_name", job.Extracted.SetName, *in.SetName)
		job.Extracted.SetName = *in.SetName
	}
	if in.SetNumber != nil {
		diff("set_number", job.Extracted.SetNumber, *in.SetNumber)
		job.Extracted.SetNumber = *in.SetNumber
	}
	if in.HPValue != nil {
		before := "null"
		if job.Extracted.HP != nil {
			before = strconv.Itoa(*job.Extracted.HP)
		}
		diff("hp_value", before, strconv.Itoa(*in.HPValue))
		hp := *in.HPValue
		job.Extracted.HP = &hp
	}
	if in.VariantHint != nil {
		diff("variant_hint", string(job.Extracted.HoloType), *in.VariantHint)
		job.Extracted.HoloType = models.HoloType(*in.VariantHint)
	}

	return diffs, nil
}
