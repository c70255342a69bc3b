// Package program produces and plays command line programs: a file fed
// line by line into the controller input, or a generated raster.
package program

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Sink accepts input lines. Inject reports false while the input queue is full.
type Sink interface {
	Inject(line string) bool
}

// Play feeds every non-empty, non-comment line of r to sink, waiting
// retry between attempts while the sink is full. It returns the number of
// lines sent.
func Play(ctx context.Context, r io.Reader, sink Sink, retry time.Duration) (int, error) {
	sc := bufio.NewScanner(r)
	sent := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		for !sink.Inject(line) {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(retry):
			}
		}
		sent++
		debug.Verbose("program: %s", line)
	}
	if err := sc.Err(); err != nil {
		return sent, fmt.Errorf("read program: %w", err)
	}
	return sent, nil
}

// RasterParams defines a serpentine grid traversal.
type RasterParams struct {
	Columns, Rows int
	ColumnMotor   int     // motor moved between columns
	RowMotor      int     // motor moved between rows
	ColumnStep    float64 // steps between columns
	RowStep       float64 // steps between rows, positive is the first column's direction
	MoveTime      float64 // seconds per move
	Settle        float64 // seconds to wait before triggering
	Trigger       int     // output pulsed at every point, -1 for none
	Hold          float64 // seconds the trigger is held
}

// Raster generates the lines of a column-wise serpentine traversal: column
// 0 runs along +RowStep, column 1 back, and so on, with a column shift
// after every column but the last. Each point gets a settle dwell and an
// optional trigger pulse.
func Raster(p RasterParams) ([]string, error) {
	switch {
	case p.Columns < 1 || p.Rows < 1:
		return nil, fmt.Errorf("raster needs at least one column and one row, got %dx%d", p.Columns, p.Rows)
	case p.ColumnMotor < 0 || p.ColumnMotor >= stepper.Motors || p.RowMotor < 0 || p.RowMotor >= stepper.Motors:
		return nil, fmt.Errorf("raster motors out of range")
	case p.ColumnMotor == p.RowMotor:
		return nil, fmt.Errorf("raster column and row motors must differ")
	case p.MoveTime <= 0:
		return nil, fmt.Errorf("raster move time must be positive")
	}

	width := max(p.ColumnMotor, p.RowMotor) + 1
	var lines []string
	for col := 0; col < p.Columns; col++ {
		dir := 1.0
		if col%2 == 1 {
			dir = -1
		}
		for row := 0; row < p.Rows; row++ {
			if row > 0 {
				lines = append(lines, move(width, p.RowMotor, dir*p.RowStep, p.MoveTime))
			}
			lines = append(lines, point(p)...)
		}
		if col < p.Columns-1 {
			lines = append(lines, move(width, p.ColumnMotor, p.ColumnStep, p.MoveTime))
		}
	}
	return lines, nil
}

func point(p RasterParams) []string {
	var out []string
	if p.Settle > 0 {
		out = append(out, "D "+ftoa(p.Settle))
	}
	if p.Trigger >= 0 {
		out = append(out, fmt.Sprintf("O %d 1", p.Trigger))
		if p.Hold > 0 {
			out = append(out, "D "+ftoa(p.Hold))
		}
		out = append(out, fmt.Sprintf("O %d 0", p.Trigger))
	}
	return out
}

func move(width, motor int, steps, seconds float64) string {
	var b strings.Builder
	b.WriteString("L ")
	b.WriteString(ftoa(seconds))
	for m := 0; m < width; m++ {
		v := 0.0
		if m == motor {
			v = steps
		}
		b.WriteByte(' ')
		b.WriteString(ftoa(v))
	}
	return b.String()
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
