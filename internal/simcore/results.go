package simcore

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/agendaanalytics/agenda-analytics/internal/matching"
)

// Result file naming used by the service.
const (
	AnalysisName   = "analysis.txt"
	CoarseFile     = "analysis.txt.coarse.xlsx"
	DetailedSuffix = ".detailed.xlsx"
)

// Sentence is one row of a detailed result workbook.
type Sentence struct {
	// Fragment is the 1-based row position.
	Fragment int
	Label    string
	// Similarity is the mean of the row's non-zero cells.
	Similarity matching.Score
}

// DetailedSheet holds the sentence similarities of the analysis text
// against one reference text.
type DetailedSheet struct {
	Title     string
	Level0    string
	Level1    string
	Sentences []Sentence
}

// CoarseRow is one whole-document similarity.
type CoarseRow struct {
	Title      string
	Level0     string
	Level1     string
	Text       string
	Similarity matching.Score
}

// Results are the parsed result workbooks of one task.
type Results struct {
	Detailed []DetailedSheet
	Coarse   []CoarseRow
}

// ParseTag splits a reference tag such as "sdg.3-2" or "sdg.3-2.txt"
// into title and levels.
func ParseTag(tag string) (title, level0, level1 string, err error) {
	parts := strings.Split(tag, ".")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("reference tag %q has no level part", tag)
	}
	levels := strings.SplitN(parts[1], "-", 2)
	if len(levels) != 2 || levels[0] == "" || levels[1] == "" {
		return "", "", "", fmt.Errorf("reference tag %q: level part must be <level0>-<level1>", tag)
	}
	return parts[0], levels[0], levels[1], nil
}

// ReferenceName returns the upload name of a reference text.
func ReferenceName(title, level0, level1 string) string {
	return fmt.Sprintf("%s.%s-%s.txt", title, level0, level1)
}

// ReferenceFile builds the upload file for one reference.
func ReferenceFile(ref matching.Reference) File {
	return File{Name: ReferenceName(ref.Title, ref.Level0, ref.Level1), Data: []byte(ref.Text)}
}

// detailedTag extracts the reference tag from
// "analysis.txt$<title>.<l0>-<l1>.txt.detailed.xlsx".
func detailedTag(name string) (string, error) {
	i := strings.Index(name, "$")
	if i < 0 {
		return "", fmt.Errorf("detailed result %q has no reference part", name)
	}
	return strings.TrimSuffix(name[i+1:], DetailedSuffix), nil
}

// Parse reads the coarse and detailed workbooks among files. Other files
// are ignored. Detailed sheets are returned in reference order.
func Parse(files []File) (Results, error) {
	var res Results
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Name, DetailedSuffix):
			sheet, err := ParseDetailed(f)
			if err != nil {
				return Results{}, err
			}
			res.Detailed = append(res.Detailed, sheet)
		case f.Name == CoarseFile:
			rows, err := ParseCoarse(f.Data)
			if err != nil {
				return Results{}, err
			}
			res.Coarse = append(res.Coarse, rows...)
		}
	}

	sort.SliceStable(res.Detailed, func(i, j int) bool {
		a, b := res.Detailed[i], res.Detailed[j]
		if c := matching.CompareIDs(a.Level0, b.Level0); c != 0 {
			return c < 0
		}
		return matching.CompareIDs(a.Level1, b.Level1) < 0
	})
	return res, nil
}

func firstSheetRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, nil
}

// ParseDetailed reads one detailed workbook. The first row is a header,
// the first column holds the sentence and the remaining columns hold its
// similarity to each reference sentence.
func ParseDetailed(f File) (DetailedSheet, error) {
	tag, err := detailedTag(f.Name)
	if err != nil {
		return DetailedSheet{}, err
	}
	title, l0, l1, err := ParseTag(tag)
	if err != nil {
		return DetailedSheet{}, err
	}

	rows, err := firstSheetRows(f.Data)
	if err != nil {
		return DetailedSheet{}, fmt.Errorf("%s: %w", f.Name, err)
	}

	// the fragment is the row's position below the header, so a blank row
	// leaves a gap instead of shifting later sentences
	sheet := DetailedSheet{Title: title, Level0: l0, Level1: l1}
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		sheet.Sentences = append(sheet.Sentences, Sentence{
			Fragment:   i,
			Label:      row[0],
			Similarity: rowMean(row[1:]),
		})
	}
	return sheet, nil
}

// rowMean averages the numeric, non-zero cells. Empty and zero cells are
// ignored; a row without any such cell is absent.
func rowMean(cells []string) matching.Score {
	var sum float64
	n := 0
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		v, err := strconv.ParseFloat(c, 64)
		if err != nil || v == 0 {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return matching.Absent()
	}
	return matching.Some(sum / float64(n))
}

// ParseCoarse reads the coarse workbook with columns ref_tag, ref_text and
// similarity. Columns are located by header name.
func ParseCoarse(data []byte) ([]CoarseRow, error) {
	rows, err := firstSheetRows(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CoarseFile, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := map[string]int{"ref_tag": -1, "ref_text": -1, "similarity": -1}
	for i, h := range rows[0] {
		if _, ok := col[strings.TrimSpace(h)]; ok {
			col[strings.TrimSpace(h)] = i
		}
	}
	for name, i := range col {
		if i < 0 {
			return nil, fmt.Errorf("%s: missing column %q", CoarseFile, name)
		}
	}

	cell := func(row []string, i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var out []CoarseRow
	for _, row := range rows[1:] {
		tag := cell(row, col["ref_tag"])
		if tag == "" {
			continue
		}
		title, l0, l1, err := ParseTag(tag)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CoarseFile, err)
		}
		sim := matching.Absent()
		if v, err := strconv.ParseFloat(cell(row, col["similarity"]), 64); err == nil {
			sim = matching.Some(v)
		}
		out = append(out, CoarseRow{
			Title:      title,
			Level0:     l0,
			Level1:     l1,
			Text:       cell(row, col["ref_text"]),
			Similarity: sim,
		})
	}
	return out, nil
}
