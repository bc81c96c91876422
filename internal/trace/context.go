package trace

import (
	"time"

	"github.com/querytrace/querytrace/internal/classify"
	"github.com/querytrace/querytrace/internal/osstat"
	"github.com/querytrace/querytrace/internal/usage"
)

// maxIOSamples bounds the per-statement latency sample buffer. Samples
// past the bound are dropped (counted, so the summary can note the
// truncation) rather than growing without limit on pathological scans.
const maxIOSamples = 500

// BindParam is one statement parameter as the host hands it over.
type BindParam struct {
	TypeOID uint32
	Value   any
	Null    bool
}

// ValueRenderer converts a typed bind value to text. Rendering failures
// are tolerated: the parameter is traced as an opaque placeholder.
type ValueRenderer interface {
	ToText(typeOID uint32, value any) (string, error)
}

// RenderFunc adapts a function to the ValueRenderer interface.
type RenderFunc func(typeOID uint32, value any) (string, error)

func (f RenderFunc) ToText(typeOID uint32, value any) (string, error) {
	return f(typeOID, value)
}

// queryContext accumulates one statement's timings, snapshots, and I/O
// samples between plan start and statement end. The controller owns a
// single slot; contexts are never shared across statements.
type queryContext struct {
	statementID int64
	fingerprint string
	sql         string

	parseStart time.Time
	parseEnd   time.Time
	bindTime   time.Time
	execStart  time.Time
	execEnd    time.Time

	resStart usage.ResourceUsage

	osStart     osstat.Usage
	osOK        bool
	osExecStart osstat.Usage

	ioSamples     []classify.Sample
	ioDropped     int64
	rowsProcessed int64
}

func (q *queryContext) addSample(s classify.Sample) {
	if len(q.ioSamples) >= maxIOSamples {
		q.ioDropped++
		return
	}
	q.ioSamples = append(q.ioSamples, s)
}
