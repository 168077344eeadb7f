package coordinator

import (
	"sync"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// Record is the serializable form of one result.
type Record struct {
	Query string        `json:"query" yaml:"query"`
	RunID string        `json:"run_id" yaml:"run_id"`
	Index int           `json:"index" yaml:"index"`
	ID    string        `json:"id" yaml:"id"`
	Error string        `json:"error,omitempty" yaml:"error,omitempty"`
	Data  *wrapper.View `json:"data,omitempty" yaml:"data,omitempty"`
}

// NewRecord converts a result of job into a Record.
func NewRecord(job Job, r fetcher.Result) Record {
	rec := Record{
		Query: job.Label(),
		RunID: r.RunID,
		Index: r.Index,
		ID:    r.Item.ID(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if r.Wrapper != nil {
		view := r.Wrapper.View()
		rec.Data = &view
	}
	return rec
}

// Encoder is satisfied by the JSON, YAML and CBOR stream encoders.
type Encoder interface {
	Encode(v any) error
}

// RecordWriter streams every result as a Record. The first encoding error
// stops the stream and is reported by Err.
type RecordWriter struct {
	mu  sync.Mutex
	enc Encoder
	err error
}

// NewRecordWriter creates a writer encoding records with enc.
func NewRecordWriter(enc Encoder) *RecordWriter {
	return &RecordWriter{enc: enc}
}

// Handle implements Handler.
func (w *RecordWriter) Handle(job Job, r fetcher.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	w.err = w.enc.Encode(NewRecord(job, r))
}

// Err returns the first encoding error.
func (w *RecordWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
