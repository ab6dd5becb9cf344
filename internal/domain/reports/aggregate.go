package reports

import (
	"encoding/json"
	"errors"
	"strings"
)

const summarySeparator = "\n\n"

var errNotObject = errors.New("structured_json is not an object")

// Merge folds reports, in the given order, into one MergedContext. Arrays
// are concatenated without de-duplication. A report whose structured_json
// cannot be parsed contributes its summary only. Every summary is followed
// by a blank line, parse outcome notwithstanding.
func Merge(items []Report) MergedContext {
	merged := MergedContext{Structured: NewStructuredData()}

	var summary strings.Builder
	for _, r := range items {
		if sd, err := ParseStructured(string(r.StructuredJSON)); err == nil {
			merged.Structured.Diagnosis = append(merged.Structured.Diagnosis, sd.Diagnosis...)
			merged.Structured.Medications = append(merged.Structured.Medications, sd.Medications...)
			merged.Structured.Allergies = append(merged.Structured.Allergies, sd.Allergies...)
			merged.Structured.Notes = append(merged.Structured.Notes, sd.Notes...)
		}
		summary.WriteString(r.Summary)
		summary.WriteString(summarySeparator)
	}
	merged.Summary = summary.String()
	return merged
}

// ParseStructured decodes one report's structured_json. Missing keys and
// keys whose value is not an array yield empty sequences. Array elements
// that are not strings are kept as their JSON text.
func ParseStructured(raw string) (StructuredData, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return StructuredData{}, err
	}
	if obj == nil {
		return StructuredData{}, errNotObject
	}
	return StructuredData{
		Diagnosis:   stringList(obj["diagnosis"]),
		Medications: stringList(obj["medications"]),
		Allergies:   stringList(obj["allergies"]),
		Notes:       stringList(obj["notes"]),
	}, nil
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(e))
	}
	return out
}
