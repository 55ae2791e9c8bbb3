package storage

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/heuristics"
)

// ScoreHeader is the column layout written by WriteScores.
var ScoreHeader = []string{"run_id", "comparison", "roi", "subject", "split", "clusters", "dice", "jaccard", "nmi", "rand", "error"}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

// WriteScores writes score records as CSV, one row per record.
func WriteScores(w io.Writer, records []models.ScoreRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ScoreHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.RunID, r.Comparison, r.ROI, r.Subject,
			strconv.Itoa(r.Split), strconv.Itoa(r.Clusters),
			formatFloat(r.Dice), formatFloat(r.Jaccard), formatFloat(r.NMI), formatFloat(r.Rand),
			r.Err,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteLabelScores writes per-label Dice and Jaccard as a long table with the
// columns roi, clusters, label, dice, jaccard.
func WriteLabelScores(w io.Writer, tables []models.LabelScores) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"roi", "clusters", "label", "dice", "jaccard"}); err != nil {
		return err
	}
	for _, t := range tables {
		labels := make([]int32, 0, len(t.Dice))
		for l := range t.Dice {
			labels = append(labels, l)
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		for _, l := range labels {
			row := []string{
				t.ROI, strconv.Itoa(t.Clusters), strconv.Itoa(int(l)),
				formatFloat(t.Dice[l]), formatFloat(t.Jaccard[l]),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteHeuristics writes two wide tables per subject row: explained-variance
// ratios to ratios and eigenvalues followed by both criteria to eigen.
func WriteHeuristics(ratios, eigen io.Writer, results []*heuristics.Result) error {
	width := 0
	for _, r := range results {
		if len(r.Ratios) > width {
			width = len(r.Ratios)
		}
	}
	header := []string{"subject"}
	for i := 1; i <= width; i++ {
		header = append(header, fmt.Sprintf("PC%d", i))
	}

	rw := csv.NewWriter(ratios)
	ew := csv.NewWriter(eigen)
	if err := rw.Write(header); err != nil {
		return err
	}
	if err := ew.Write(append(append([]string(nil), header...), "kaiser", "broken_stick")); err != nil {
		return err
	}
	for _, r := range results {
		rrow := []string{r.Subject}
		erow := []string{r.Subject}
		for i := 0; i < width; i++ {
			rv, ev := "", ""
			if i < len(r.Ratios) {
				rv, ev = formatFloat(r.Ratios[i]), formatFloat(r.Eigenvalues[i])
			}
			rrow = append(rrow, rv)
			erow = append(erow, ev)
		}
		erow = append(erow, strconv.Itoa(r.Kaiser), strconv.Itoa(r.BrokenStick))
		if err := rw.Write(rrow); err != nil {
			return err
		}
		if err := ew.Write(erow); err != nil {
			return err
		}
	}
	rw.Flush()
	ew.Flush()
	if err := rw.Error(); err != nil {
		return err
	}
	return ew.Error()
}

// WriteMapping writes a label mapping as YAML.
func WriteMapping(w io.Writer, mapping *models.LabelMapping) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(mapping); err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	return enc.Close()
}

// ReadMapping reads a mapping written by WriteMapping.
func ReadMapping(r io.Reader) (*models.LabelMapping, error) {
	var m models.LabelMapping
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return &m, nil
}

// ReadSubjects reads one subject identifier per line. Blank lines and lines
// starting with # are ignored.
func ReadSubjects(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open subject list: %w", err)
	}
	defer f.Close()

	var subjects []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subjects = append(subjects, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read subject list: %w", err)
	}
	return subjects, nil
}
