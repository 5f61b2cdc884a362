// Package report выгружает ежедневный отчёт о пополнениях в XLSX.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"example.com/topup-engine/services/recharge/internal/domain"
)

// SheetName — лист с агрегатами по статусам.
const SheetName = "Summary"

var header = []any{"Статус", "Количество", "Сумма MNT", "Сумма CNY"}

// Writer сохраняет отчёты в каталог.
type Writer struct {
	dir string
}

// NewWriter создаёт writer для каталога dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// FileName возвращает имя файла отчёта за день From.
func FileName(r *domain.DailyReport) string {
	return fmt.Sprintf("recharge-report-%s.xlsx", r.From.Format("2006-01-02"))
}

// Write сохраняет отчёт и возвращает путь к файлу.
func (w *Writer) Write(r *domain.DailyReport) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("ошибка создания каталога отчётов: %w", err)
	}

	f, err := Render(r)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(w.dir, FileName(r))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("ошибка сохранения отчёта %s: %w", path, err)
	}
	return path, nil
}

// Render строит книгу: период, строка на статус и итог.
func Render(r *domain.DailyReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		f.Close()
		return nil, err
	}

	rows := [][]any{
		{"Период", r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04")},
		header,
	}
	for _, s := range r.Stats {
		rows = append(rows, []any{
			string(s.Status),
			s.Count,
			s.SumSource.InexactFloat64(),
			s.SumSettlement.InexactFloat64(),
		})
	}
	count, sum := r.Total()
	rows = append(rows, []any{"Итого", count, sum.InexactFloat64()})

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("ошибка записи строки отчёта: %w", err)
		}
	}

	return f, nil
}
