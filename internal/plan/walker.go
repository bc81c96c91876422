package plan

import (
	"fmt"
	"strings"

	"github.com/querytrace/querytrace/internal/classify"
)

// maxIndentDepth caps how deep the indentation grows. Traversal itself
// is unbounded; beyond this depth nodes keep their records but stop
// indenting further.
const maxIndentDepth = 32

// Walker performs a deterministic pre-order traversal of an executed
// plan tree, emitting one record block per node. It is read-only and
// side-effect-free except for emission.
type Walker struct {
	// Emit receives each formatted output line. A nil Emit makes the
	// walk a pure node count.
	Emit func(line string)

	// ThresholdUS enables the per-node I/O tier estimate when > 0 and
	// IODetail is set.
	ThresholdUS float64
	IODetail    bool
}

// Walk traverses the tree rooted at root in pre-order and returns the
// number of nodes visited. A nil root visits nothing.
func (w *Walker) Walk(root Node) int {
	if root == nil {
		return 0
	}
	return w.walk(root, 0)
}

func (w *Walker) walk(n Node, depth int) int {
	w.emitNode(n, depth)
	visited := 1
	for _, child := range n.Children() {
		visited += w.walk(child, depth+1)
	}
	return visited
}

func (w *Walker) line(depth int, format string, args ...any) {
	if w.Emit == nil {
		return
	}
	if depth > maxIndentDepth {
		depth = maxIndentDepth
	}
	w.Emit(strings.Repeat("  ", depth) + fmt.Sprintf(format, args...))
}

func (w *Walker) emitNode(n Node, depth int) {
	instr := n.Instrumentation()
	if instr == nil || instr.Loops <= 0 {
		// Never-executed node: type tag only, no statistics block.
		w.line(depth, "-> %s", n.TypeName())
		return
	}

	if instr.PlanRows > 0 {
		w.line(depth, "-> %s (actual rows=%.0f planned=%.0f loops=%.0f)",
			n.TypeName(), instr.RowsTotal/instr.Loops, instr.PlanRows, instr.Loops)
	} else {
		w.line(depth, "-> %s (actual rows=%.0f loops=%.0f)",
			n.TypeName(), instr.RowsTotal/instr.Loops, instr.Loops)
	}

	if st, ok := n.(ScanTarget); ok {
		if rel := st.Relation(); rel != "" {
			w.line(depth, "   Relation: %s", rel)
		}
		if idx := st.Index(); idx != "" {
			w.line(depth, "   Index: %s", idx)
		}
	}

	timing := fmt.Sprintf("   Timing: startup=%.3f ms, total=%.3f ms",
		instr.StartupSec*1000, instr.TotalSec*1000)
	if instr.Loops > 1 {
		timing += fmt.Sprintf(", avg=%.3f ms/loop", instr.TotalSec*1000/instr.Loops)
	}
	w.line(depth, "%s", timing)

	if instr.Usage != nil {
		w.emitUsage(instr, depth)
	}
}

func (w *Walker) emitUsage(instr *Instrumentation, depth int) {
	buf := instr.Usage.Buffers

	totalShared := buf.SharedHit + buf.SharedRead
	if totalShared > 0 || buf.SharedDirtied > 0 || buf.SharedWritten > 0 {
		line := fmt.Sprintf("   Buffers: shared hit=%d read=%d", buf.SharedHit, buf.SharedRead)
		if buf.SharedDirtied > 0 {
			line += fmt.Sprintf(" dirtied=%d", buf.SharedDirtied)
		}
		if buf.SharedWritten > 0 {
			line += fmt.Sprintf(" written=%d", buf.SharedWritten)
		}
		if totalShared > 0 {
			line += fmt.Sprintf(" (%.1f%% cache hit)", float64(buf.SharedHit)/float64(totalShared)*100)
		}
		w.line(depth, "%s", line)

		if w.IODetail && w.ThresholdUS > 0 && buf.SharedRead > 0 && instr.BlkReadTimeUS > 0 {
			est := classify.Estimate(buf.SharedRead, instr.BlkReadTimeUS, w.ThresholdUS)
			detail := fmt.Sprintf("   I/O Detail: total=%.3f ms, avg=%.1f us/block",
				instr.BlkReadTimeUS/1000, instr.BlkReadTimeUS/float64(buf.SharedRead))
			if est.OsCacheHits > 0 {
				detail += fmt.Sprintf(", ~%d from OS cache", est.OsCacheHits)
			}
			if est.DiskReads > 0 {
				detail += fmt.Sprintf(", ~%d from disk", est.DiskReads)
			}
			detail += " (estimated)"
			w.line(depth, "%s", detail)
		}
	}

	if buf.HasLocalActivity() {
		w.line(depth, "            local hit=%d read=%d dirtied=%d written=%d",
			buf.LocalHit, buf.LocalRead, buf.LocalDirtied, buf.LocalWritten)
	}
	if buf.HasTempActivity() {
		w.line(depth, "            temp read=%d written=%d", buf.TempRead, buf.TempWritten)
	}

	if wal := instr.Usage.Wal; wal.HasActivity() {
		w.line(depth, "   WAL: records=%d fpi=%d bytes=%d", wal.Records, wal.FPI, wal.Bytes)
	}
}
