package raster

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Reader loads elevation grids that are already resampled onto a common grid
// and cell size. Reprojection is the implementation's job, never the core's.
type Reader interface {
	ReadGrid(ctx context.Context, name string) (*Grid, error)
}

// Writer persists an elevation grid together with its transform.
type Writer interface {
	WriteGrid(ctx context.Context, name string, g *Grid) error
}

// DefaultNoData is written for invalid cells when no other sentinel is given
const DefaultNoData = -9999.0

// ASCIIGridStore reads and writes ESRI ASCII grids (.asc) under a directory
type ASCIIGridStore struct {
	Dir    string
	NoData float64
}

// NewASCIIGridStore returns a store rooted at dir
func NewASCIIGridStore(dir string) *ASCIIGridStore {
	return &ASCIIGridStore{Dir: dir, NoData: DefaultNoData}
}

func (s *ASCIIGridStore) path(name string) string {
	if filepath.Ext(name) == "" {
		name += ".asc"
	}
	return filepath.Join(s.Dir, filepath.Clean(name))
}

// ReadGrid implements Reader
func (s *ASCIIGridStore) ReadGrid(ctx context.Context, name string) (*Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open grid: %w", err)
	}
	defer f.Close()
	return ReadASCIIGrid(f)
}

// WriteGrid implements Writer
func (s *ASCIIGridStore) WriteGrid(ctx context.Context, name string, g *Grid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Create(s.path(name))
	if err != nil {
		return fmt.Errorf("failed to create grid file: %w", err)
	}
	if err := WriteASCIIGrid(f, g, s.NoData); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadASCIIGrid parses an ESRI ASCII grid. Cells equal to NODATA_value are
// marked invalid.
func ReadASCIIGrid(r io.Reader) (*Grid, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Split(bufio.ScanWords)

	header := map[string]float64{}
	var first string
	for scanner.Scan() {
		key := strings.ToLower(scanner.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			first = key
			break
		}
		if !scanner.Scan() {
			return nil, fmt.Errorf("header key %q has no value", key)
		}
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid header value for %q: %w", key, err)
		}
		header[key] = v
	}

	cols, rows := int(header["ncols"]), int(header["nrows"])
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("missing or invalid ncols/nrows")
	}
	cellSize, ok := header["cellsize"]
	if !ok || cellSize <= 0 {
		return nil, fmt.Errorf("missing or invalid cellsize")
	}
	noData, hasNoData := header["nodata_value"]

	g := New(rows, cols)
	g.Transform.CellSize = cellSize
	switch {
	case hasKey(header, "xllcorner"):
		g.Transform.OriginX = header["xllcorner"]
	case hasKey(header, "xllcenter"):
		g.Transform.OriginX = header["xllcenter"] - cellSize/2
	}
	switch {
	case hasKey(header, "yllcorner"):
		g.Transform.OriginY = header["yllcorner"] + float64(rows)*cellSize
	case hasKey(header, "yllcenter"):
		g.Transform.OriginY = header["yllcenter"] - cellSize/2 + float64(rows)*cellSize
	}

	i := 0
	parse := func(tok string) error {
		if i >= g.Len() {
			return fmt.Errorf("too many values, expected %d", g.Len())
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("invalid value at cell %d: %w", i, err)
		}
		if !(hasNoData && v == noData) {
			g.setIndex(i, v)
		}
		i++
		return nil
	}
	if first != "" {
		if err := parse(first); err != nil {
			return nil, err
		}
	}
	for scanner.Scan() {
		if err := parse(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grid: %w", err)
	}
	if i != g.Len() {
		return nil, fmt.Errorf("expected %d values, got %d", g.Len(), i)
	}
	return g, nil
}

func hasKey(m map[string]float64, k string) bool {
	_, ok := m[k]
	return ok
}

// WriteASCIIGrid writes g as an ESRI ASCII grid, using noData for invalid cells
func WriteASCIIGrid(w io.Writer, g *Grid, noData float64) error {
	if g == nil || g.Len() == 0 {
		return fmt.Errorf("empty grid")
	}
	if math.IsNaN(noData) || math.IsInf(noData, 0) {
		return fmt.Errorf("nodata sentinel must be finite")
	}
	cellSize := g.Transform.CellSize
	if cellSize <= 0 {
		cellSize = 1
	}
	_, _, south, _ := Transform{OriginX: g.Transform.OriginX, OriginY: g.Transform.OriginY, CellSize: cellSize}.Bounds(g.Rows, g.Cols)

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ncols %d\n", g.Cols)
	fmt.Fprintf(bw, "nrows %d\n", g.Rows)
	fmt.Fprintf(bw, "xllcorner %s\n", formatFloat(g.Transform.OriginX))
	fmt.Fprintf(bw, "yllcorner %s\n", formatFloat(south))
	fmt.Fprintf(bw, "cellsize %s\n", formatFloat(cellSize))
	fmt.Fprintf(bw, "NODATA_value %s\n", formatFloat(noData))
	for r := range g.Rows {
		for c := range g.Cols {
			if c > 0 {
				bw.WriteByte(' ')
			}
			v, ok := g.At(r, c)
			if !ok {
				v = noData
			}
			bw.WriteString(formatFloat(v))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
