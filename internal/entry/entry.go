// Package entry splits fetched object content into individual log entries.
package entry

import (
	"bytes"
	"encoding/json"

	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// envelope is the diagnostic-log document shape: a top level object holding
// the actual events under "records".
type envelope struct {
	Records []json.RawMessage `json:"records"`
}

// Split returns the entries of content in source order. Every entry carries
// its fingerprint.
//
// Content that is a JSON document with a "records" array yields one entry per
// record. A JSON array yields one entry per element. Anything else is treated
// as newline-delimited. Only JSON objects are structured; any other record,
// element or line (scalars and plain text alike) is kept as a raw entry.
// Nothing is dropped except blank lines.
func Split(content []byte) []model.Entry {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil
	}

	if elems, ok := splitDocument(trimmed); ok {
		return elems
	}

	return splitLines(content)
}

func splitDocument(doc []byte) ([]model.Entry, bool) {
	switch doc[0] {
	case '{':
		var env envelope

		err := json.Unmarshal(doc, &env)
		if err != nil || env.Records == nil {
			return nil, false
		}

		return structured(env.Records), true
	case '[':
		var elems []json.RawMessage

		err := json.Unmarshal(doc, &elems)
		if err != nil {
			return nil, false
		}

		return structured(elems), true
	default:
		return nil, false
	}
}

func structured(raws []json.RawMessage) []model.Entry {
	out := make([]model.Entry, 0, len(raws))

	for _, raw := range raws {
		data := bytes.TrimSpace(raw)
		out = append(out, model.Entry{
			Data:        data,
			Raw:         !model.IsRecord(data),
			Fingerprint: dedup.Fingerprint(data),
		})
	}

	return out
}

func splitLines(content []byte) []model.Entry {
	var out []model.Entry

	for line := range bytes.SplitSeq(content, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		out = append(out, model.Entry{
			Data:        line,
			Raw:         !model.IsRecord(line),
			Fingerprint: dedup.Fingerprint(line),
		})
	}

	return out
}
