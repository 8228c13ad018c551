// Package stats tracks operation counts and latencies.
package stats

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"
)

type Op struct {
	count uint64
	nanos uint64
}

// Record counts one completed operation that started at start.
func (op *Op) Record(start time.Time) {
	atomic.AddUint64(&op.count, 1)
	dur := time.Since(start)
	atomic.AddUint64(&op.nanos, uint64(dur.Nanoseconds()))
}

// Inc counts an operation without timing it.
func (op *Op) Inc() {
	atomic.AddUint64(&op.count, 1)
}

func (op *Op) Count() uint64 {
	return atomic.LoadUint64(&op.count)
}

func (op Op) microsPerOp() float64 {
	if op.count == 0 {
		return 0
	}
	return float64(op.nanos) / float64(op.count) / 1e3
}

// WriteTable renders one row per named op plus a total row.
func WriteTable(names []string, ops []*Op, w io.Writer) {
	if len(names) != len(ops) {
		panic("stats: mismatched names and ops lists")
	}
	tbl := table.New("op", "count", "us")
	var total Op
	for i, name := range names {
		op := Op{
			count: atomic.LoadUint64(&ops[i].count),
			nanos: atomic.LoadUint64(&ops[i].nanos),
		}
		total.count += op.count
		total.nanos += op.nanos
		tbl.AddRow(name, op.count, fmt.Sprintf("%0.1f us/op", op.microsPerOp()))
	}
	tbl.AddRow("total", total.count, fmt.Sprintf("%0.1f us", float64(total.nanos)/1e3))
	tbl.WithWriter(w)
	tbl.Print()
}

func FormatTable(names []string, ops []*Op) string {
	buf := new(bytes.Buffer)
	WriteTable(names, ops, buf)
	return buf.String()
}
