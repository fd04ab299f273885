package simulator

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	c "github.com/newJimmyChu/lcloud/common"
)

// MaxUnitsPerDevice caps the size of a simulated device so its image can be
// kept in memory: 1M blocks of 256 bytes each.
const MaxUnitsPerDevice = 1 << 20

// Geometry describes a single simulated device. Geometry tables are stored as
// `|`-separated CSV with a header row of `device|sectors|blocks`.
type Geometry struct {
	Device  int `csv:"device"`
	Sectors int `csv:"sectors"`
	Blocks  int `csv:"blocks"`
}

// TotalUnits returns the number of blocks on the device.
func (g Geometry) TotalUnits() int {
	return g.Sectors * g.Blocks
}

// TotalSizeBytes returns the size of the device's image.
func (g Geometry) TotalSizeBytes() int64 {
	return int64(g.TotalUnits()) * c.BlockSize
}

func (g Geometry) validate() error {
	if g.Device < 0 || g.Device >= c.MaxDevices {
		return fmt.Errorf("device id %d not in range [0, %d)", g.Device, c.MaxDevices)
	}
	if g.Sectors < 1 || g.Sectors > 0xffff {
		return fmt.Errorf("device %d: sector count %d not in range [1, 65535]", g.Device, g.Sectors)
	}
	if g.Blocks < 1 || g.Blocks > 0xffff {
		return fmt.Errorf("device %d: block count %d not in range [1, 65535]", g.Device, g.Blocks)
	}
	if g.TotalUnits() > MaxUnitsPerDevice {
		return fmt.Errorf(
			"device %d: %d blocks is more than the limit of %d",
			g.Device,
			g.TotalUnits(),
			MaxUnitsPerDevice)
	}
	return nil
}

//go:embed devices.csv
var defaultGeometriesRawCSV string

// DefaultGeometries returns the device table used when none is configured.
func DefaultGeometries() []Geometry {
	geometries, err := LoadGeometries(strings.NewReader(defaultGeometriesRawCSV))
	if err != nil {
		panic(fmt.Errorf("built-in device table is invalid: %w", err))
	}
	return geometries
}

// LoadGeometries decodes a device table. The result is sorted by device id.
// Duplicate ids and out-of-range values are errors.
func LoadGeometries(reader io.Reader) ([]Geometry, error) {
	csvReader := csv.NewReader(reader)
	csvReader.Comma = '|'
	csvReader.TrimLeadingSpace = true

	var rows []Geometry
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode device table: %w", err)
	}

	seen := make(map[int]bool, len(rows))
	for i, row := range rows {
		err = row.validate()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if seen[row.Device] {
			return nil, fmt.Errorf("duplicate definition for device %d found on row %d", row.Device, i+1)
		}
		seen[row.Device] = true
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Device < rows[j].Device })
	return rows, nil
}

// LoadGeometryFile reads a device table from a file. An empty path gives the
// default table.
func LoadGeometryFile(path string) ([]Geometry, error) {
	if path == "" {
		return DefaultGeometries(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadGeometries(file)
}

// WriteGeometries encodes a device table in the same format [LoadGeometries]
// reads.
func WriteGeometries(writer io.Writer, geometries []Geometry) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = '|'
	return gocsv.MarshalCSV(&geometries, gocsv.NewSafeCSVWriter(csvWriter))
}
