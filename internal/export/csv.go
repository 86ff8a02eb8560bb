// Package export serializes a device catalog snapshot for use outside the tool.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/model"
)

// DefaultFile is the export file name used when none is given.
const DefaultFile = "device_data.csv"

// Missing is written for empty fields.
const Missing = "N/A"

// Header is the fixed column order.
var Header = []string{
	"Device Name",
	"Model",
	"Compliance Status",
	"Last Sync Date Time",
	"Device Manufacturer",
	"Operating System",
	"OS Version",
	"Serial Number",
	"Ownership",
	"Device ID",
}

// WriteCSV writes the header and one row per device.
// An empty snapshot is ErrNotFound and writes nothing.
func WriteCSV(w io.Writer, devices []model.DeviceRecord) error {
	if len(devices) == 0 {
		return fmt.Errorf("%w: no data available to export", errs.ErrNotFound)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, d := range devices {
		if err := cw.Write(row(d)); err != nil {
			return fmt.Errorf("write device %s: %w", d.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// WriteFile exports to path via a temporary file in the same directory, so a
// failed export never leaves a truncated file behind.
func WriteFile(path string, devices []model.DeviceRecord) (err error) {
	if len(devices) == 0 {
		return fmt.Errorf("%w: no data available to export", errs.ErrNotFound)
	}
	if path == "" {
		path = DefaultFile
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = WriteCSV(tmp, devices); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename export file: %w", err)
	}
	return nil
}

func row(d model.DeviceRecord) []string {
	lastSync := ""
	if !d.LastSyncDateTime.IsZero() {
		lastSync = d.LastSyncDateTime.UTC().Format(time.RFC3339)
	}
	cols := []string{
		d.DeviceName,
		d.Model,
		d.ComplianceState,
		lastSync,
		d.Manufacturer,
		d.OperatingSystem,
		d.OSVersion,
		d.SerialNumber,
		d.Ownership,
		d.ID,
	}
	for i, c := range cols {
		if c == "" {
			cols[i] = Missing
		}
	}
	return cols
}
