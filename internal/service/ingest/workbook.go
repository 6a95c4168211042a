package ingest

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

type column int

const (
	colGivenName column = iota
	colFamilyName
	colPrimaryPhone
	colSecondaryPhone
	colClinicArea
	colSourceBatch
)

// headerAliases maps folded header labels to columns. Spanish exports and English templates are both accepted.
var headerAliases = map[string]column{
	"nombre":          colGivenName,
	"given_name":      colGivenName,
	"given name":      colGivenName,
	"apellidos":       colFamilyName,
	"family_name":     colFamilyName,
	"family name":     colFamilyName,
	"telefono":        colPrimaryPhone,
	"teléfono":        colPrimaryPhone,
	"telefono1":       colPrimaryPhone,
	"primary_phone":   colPrimaryPhone,
	"phone":           colPrimaryPhone,
	"telefono2":       colSecondaryPhone,
	"teléfono2":       colSecondaryPhone,
	"secondary_phone": colSecondaryPhone,
	"zona":            colClinicArea,
	"clinic_area":     colClinicArea,
	"clinic_area_id":  colClinicArea,
	"source_batch":    colSourceBatch,
	"lote":            colSourceBatch,
}

// ReadWorkbook reads lead rows from the first sheet of an xlsx file. The first row is the header.
// Rows without a source batch column value get defaultBatch.
func ReadWorkbook(r io.Reader, defaultBatch string) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", apperrors.ErrValidation, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", apperrors.ErrValidation)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("ingest: read rows of %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	index := make(map[column]int)
	for i, label := range rows[0] {
		if col, ok := headerAliases[domain.FoldLabel(label)]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	if _, ok := index[colPrimaryPhone]; !ok {
		return nil, fmt.Errorf("%w: workbook has no phone column", apperrors.ErrValidation)
	}

	out := make([]Row, 0, len(rows)-1)
	for _, cells := range rows[1:] {
		if blank(cells) {
			continue
		}
		row := Row{
			SourceBatch:    cell(cells, index, colSourceBatch),
			GivenName:      cell(cells, index, colGivenName),
			FamilyName:     cell(cells, index, colFamilyName),
			PrimaryPhone:   cell(cells, index, colPrimaryPhone),
			SecondaryPhone: cell(cells, index, colSecondaryPhone),
			ClinicAreaID:   cell(cells, index, colClinicArea),
		}
		if row.SourceBatch == "" {
			row.SourceBatch = defaultBatch
		}
		out = append(out, row)
	}
	return out, nil
}

func cell(cells []string, index map[column]int, col column) string {
	i, ok := index[col]
	if !ok || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
