package trainers

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/texora/redco/pkg/ml/data"
)

// EpochResults is the record of one epoch's evaluation, written to the
// deployer's work dir as outputs_epoch<i>.json. When the examples are not
// JSON-serializable the record falls back to gob as outputs_epoch<i>.bin.
type EpochResults struct {
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
	Outputs []OutputRecord     `json:"outputs,omitempty"`
}

// OutputRecord pairs one evaluation example with its predictions, one flat
// float slice per prediction field.
type OutputRecord struct {
	Example    any                  `json:"example"`
	Prediction map[string][]float64 `json:"prediction"`
}

// registerExampleType makes the trainer's example type known to gob, so the
// binary fallback can encode OutputRecord.Example values.
func registerExampleType[T any]() {
	var zero T
	if reflect.TypeOf(zero) == nil {
		// Interface example types can only be registered by their dynamic
		// values; the JSON path stays available.
		return
	}
	gob.Register(zero)
}

func logEvalMetrics(epoch int, metrics map[string]float64) {
	pretty, err := json.MarshalIndent(metrics, "", "    ")
	if err != nil {
		klog.Infof("epoch %d eval metrics: %v", epoch, metrics)
		return
	}
	klog.Infof("epoch %d eval metrics:\n%s", epoch, pretty)
}

func writeEpochResults[T any](dir string, epoch int, metrics map[string]float64, examples []T, preds data.Batch) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating results dir %q", dir)
	}
	results := EpochResults{
		Epoch:   epoch,
		Metrics: metrics,
		Outputs: outputRecords(examples, preds),
	}

	raw, err := json.MarshalIndent(results, "", "    ")
	if err == nil {
		path := filepath.Join(dir, fmt.Sprintf("outputs_epoch%d.json", epoch))
		return errors.Wrapf(os.WriteFile(path, raw, 0o644), "writing %q", path)
	}

	klog.Warningf("epoch %d results not JSON-serializable (%v), falling back to gob", epoch, err)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(results); err != nil {
		return errors.Wrapf(err, "gob-encoding epoch %d results", epoch)
	}
	path := filepath.Join(dir, fmt.Sprintf("outputs_epoch%d.bin", epoch))
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0o644), "writing %q", path)
}

// outputRecords zips examples with the rows of each prediction field. preds
// has len(examples) as the leading dimension of every field; a nil preds
// (loss-only evaluation) yields no records.
func outputRecords[T any](examples []T, preds data.Batch) []OutputRecord {
	if len(preds) == 0 {
		return nil
	}
	records := make([]OutputRecord, len(examples))
	for i := range examples {
		prediction := make(map[string][]float64, len(preds))
		for name, t := range preds {
			rowSize := t.Size() / t.Dim(0)
			prediction[name] = slices.Clone(t.Data()[i*rowSize : (i+1)*rowSize])
		}
		records[i] = OutputRecord{Example: examples[i], Prediction: prediction}
	}
	return records
}
