package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/model"
)

// UnmarshalJSON accepts obs_date and vintage_date as YYYY-MM-DD.
func (r *Row) UnmarshalJSON(data []byte) error {
	type plain Row
	var aux struct {
		plain
		ObsDate     string `json:"obs_date"`
		VintageDate string `json:"vintage_date"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Row(aux.plain)

	var err error
	if r.ObsDate, err = model.ParseDay(aux.ObsDate); err != nil {
		return err
	}
	if r.VintageDate, err = model.ParseDay(aux.VintageDate); err != nil {
		return err
	}
	return nil
}

// ReadBatchFile reads a JSON batch of parsed rows for sourceID. The batch
// file itself is kept as a raw object, followed by each file in rawPaths.
func ReadBatchFile(sourceID, path string, rawPaths ...string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, eris.Wrapf(err, "ingest: read batch %s", path)
	}

	var doc struct {
		Rows []Row `json:"rows"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Batch{}, eris.Wrapf(err, "ingest: parse batch %s", path)
	}

	b := Batch{
		SourceID: sourceID,
		Rows:     doc.Rows,
		Raw:      []Payload{{Kind: "batch+json", Data: data}},
	}
	for _, p := range rawPaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return Batch{}, eris.Wrapf(err, "ingest: read raw object %s", p)
		}
		b.Raw = append(b.Raw, Payload{Kind: kindOf(p), Data: raw})
	}
	return b, nil
}

// kindOf names a raw object kind after its file extension.
func kindOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "binary"
	}
	return ext
}
