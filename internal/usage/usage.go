// Package usage defines the engine-side resource counters captured at
// phase boundaries and the pure diff arithmetic applied to them. Counters
// are assumed non-decreasing within one process lifetime; a negative diff
// means the underlying counter was reset and is surfaced as an anomaly
// rather than clamped.
package usage

// BufferUsage holds block-level buffer counters split by storage class.
// Field layout mirrors what the host engine accumulates per backend.
type BufferUsage struct {
	SharedHit     int64 `json:"shared_hit"`
	SharedRead    int64 `json:"shared_read"`
	SharedDirtied int64 `json:"shared_dirtied"`
	SharedWritten int64 `json:"shared_written"`
	LocalHit      int64 `json:"local_hit"`
	LocalRead     int64 `json:"local_read"`
	LocalDirtied  int64 `json:"local_dirtied"`
	LocalWritten  int64 `json:"local_written"`
	TempRead      int64 `json:"temp_read"`
	TempWritten   int64 `json:"temp_written"`

	// Accumulated block I/O time, populated only when the host tracks
	// I/O timing. Monotone like the block counters.
	BlkReadTimeUS  float64 `json:"blk_read_time_us"`
	BlkWriteTimeUS float64 `json:"blk_write_time_us"`
}

// WalUsage holds write-ahead-log counters.
type WalUsage struct {
	Records int64 `json:"records"`
	FPI     int64 `json:"fpi"` // full page images
	Bytes   int64 `json:"bytes"`
}

// ResourceUsage is the combined snapshot handed to the trace engine by
// the host's snapshot source.
type ResourceUsage struct {
	Buffers BufferUsage `json:"buffers"`
	Wal     WalUsage    `json:"wal"`
}

// Diff computes end − start for every counter field. It never clamps:
// negative results are preserved so callers can flag counter resets.
func Diff(start, end ResourceUsage) ResourceUsage {
	return ResourceUsage{
		Buffers: BufferUsage{
			SharedHit:     end.Buffers.SharedHit - start.Buffers.SharedHit,
			SharedRead:    end.Buffers.SharedRead - start.Buffers.SharedRead,
			SharedDirtied: end.Buffers.SharedDirtied - start.Buffers.SharedDirtied,
			SharedWritten: end.Buffers.SharedWritten - start.Buffers.SharedWritten,
			LocalHit:      end.Buffers.LocalHit - start.Buffers.LocalHit,
			LocalRead:     end.Buffers.LocalRead - start.Buffers.LocalRead,
			LocalDirtied:  end.Buffers.LocalDirtied - start.Buffers.LocalDirtied,
			LocalWritten:  end.Buffers.LocalWritten - start.Buffers.LocalWritten,
			TempRead:      end.Buffers.TempRead - start.Buffers.TempRead,
			TempWritten:   end.Buffers.TempWritten - start.Buffers.TempWritten,

			BlkReadTimeUS:  end.Buffers.BlkReadTimeUS - start.Buffers.BlkReadTimeUS,
			BlkWriteTimeUS: end.Buffers.BlkWriteTimeUS - start.Buffers.BlkWriteTimeUS,
		},
		Wal: WalUsage{
			Records: end.Wal.Records - start.Wal.Records,
			FPI:     end.Wal.FPI - start.Wal.FPI,
			Bytes:   end.Wal.Bytes - start.Wal.Bytes,
		},
	}
}

// NegativeFields returns the names of every counter that went negative in
// a diff. A non-empty result indicates a counter reset between the two
// snapshots.
func NegativeFields(d ResourceUsage) []string {
	var out []string
	check := func(name string, v int64) {
		if v < 0 {
			out = append(out, name)
		}
	}
	check("shared_hit", d.Buffers.SharedHit)
	check("shared_read", d.Buffers.SharedRead)
	check("shared_dirtied", d.Buffers.SharedDirtied)
	check("shared_written", d.Buffers.SharedWritten)
	check("local_hit", d.Buffers.LocalHit)
	check("local_read", d.Buffers.LocalRead)
	check("local_dirtied", d.Buffers.LocalDirtied)
	check("local_written", d.Buffers.LocalWritten)
	check("temp_read", d.Buffers.TempRead)
	check("temp_written", d.Buffers.TempWritten)
	if d.Buffers.BlkReadTimeUS < 0 {
		out = append(out, "blk_read_time")
	}
	if d.Buffers.BlkWriteTimeUS < 0 {
		out = append(out, "blk_write_time")
	}
	check("wal_records", d.Wal.Records)
	check("wal_fpi", d.Wal.FPI)
	check("wal_bytes", d.Wal.Bytes)
	return out
}

// HasBufferActivity reports whether any buffer counter is non-zero.
// Output is significance-filtered: all-zero categories are suppressed.
func (b BufferUsage) HasBufferActivity() bool {
	return b.SharedHit != 0 || b.SharedRead != 0 || b.SharedDirtied != 0 ||
		b.SharedWritten != 0 || b.LocalHit != 0 || b.LocalRead != 0 ||
		b.LocalDirtied != 0 || b.LocalWritten != 0 ||
		b.TempRead != 0 || b.TempWritten != 0
}

// HasLocalActivity reports whether the local (temp table) counters are
// non-zero.
func (b BufferUsage) HasLocalActivity() bool {
	return b.LocalHit != 0 || b.LocalRead != 0 || b.LocalDirtied != 0 || b.LocalWritten != 0
}

// HasTempActivity reports whether the temp spill counters are non-zero.
func (b BufferUsage) HasTempActivity() bool {
	return b.TempRead != 0 || b.TempWritten != 0
}

// HasActivity reports whether any WAL counter is non-zero.
func (w WalUsage) HasActivity() bool {
	return w.Records != 0 || w.FPI != 0 || w.Bytes != 0
}
