package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/percept-ml/percept/deploy"
)

// fileResult is the JSON record written for one input image.
type fileResult struct {
	Index      int                `json:"index"`
	Path       string             `json:"path"`
	Error      string             `json:"error,omitempty"`
	Detections []detectionJSON    `json:"detections,omitempty"`
	Classes    []classScoreJSON   `json:"classes,omitempty"`
	LabelMap   *segmentationJSON  `json:"label_map,omitempty"`
}

type detectionJSON struct {
	Label   string     `json:"label"`
	ClassID int        `json:"class_id"`
	Score   float32    `json:"score"`
	Box     [4]float32 `json:"box"`
}

type classScoreJSON struct {
	Label string  `json:"label"`
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

type segmentationJSON struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mask   string `json:"mask"`
}

// readFileList reads one image path per line, skipping blanks.
func readFileList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("file list %s is empty", path)
	}
	return paths, nil
}

// resolveInputs treats .txt arguments as file lists and anything else as a
// single image path.
func resolveInputs(arg string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(arg), ".txt") {
		return readFileList(arg)
	}
	return []string{arg}, nil
}

// runFiles decodes the inputs, runs them through the predictor and writes
// results.json plus per-image visualizations into outDir. It returns an
// error when every input failed.
func runFiles(p *deploy.Predictor, paths []string, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	imgs := make([]image.Image, len(paths))
	results := make([]fileResult, len(paths))
	decodeErrs := make([]error, len(paths))
	for i, path := range paths {
		results[i] = fileResult{Index: i, Path: path}
		data, err := os.ReadFile(path)
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		img, err := deploy.DecodeImage(data)
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		imgs[i] = img
	}

	items := p.PredictBatch(imgs)

	failed := 0
	for i, item := range items {
		if decodeErrs[i] != nil {
			results[i].Error = decodeErrs[i].Error()
			failed++
			continue
		}
		if item.Err != nil {
			results[i].Error = item.Err.Error()
			slog.Warn("inference failed", "path", paths[i], "error", item.Err)
			failed++
			continue
		}
		fillResult(&results[i], item.Result)
		if err := writeVisualization(outDir, paths[i], imgs[i], item.Result); err != nil {
			slog.Warn("visualization failed", "path", paths[i], "error", err)
		}
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	resultPath := filepath.Join(outDir, "results.json")
	if err := os.WriteFile(resultPath, data, 0o644); err != nil {
		return err
	}

	fmt.Printf("processed %d inputs (%d failed), results in %s\n", len(paths), failed, resultPath)
	if failed == len(paths) {
		return fmt.Errorf("all %d inputs failed", len(paths))
	}
	return nil
}

func fillResult(out *fileResult, r *deploy.Result) {
	for _, d := range r.Detections {
		out.Detections = append(out.Detections, detectionJSON{
			Label:   d.Label,
			ClassID: d.ClassID,
			Score:   d.Score,
			Box:     [4]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		})
	}
	for _, c := range r.Classes {
		out.Classes = append(out.Classes, classScoreJSON{
			Label: c.Label,
			Index: c.Index,
			Score: c.Score,
		})
	}
	if r.LabelMap != nil {
		shape := r.LabelMap.Shape()
		out.LabelMap = &segmentationJSON{
			Width:  shape[1],
			Height: shape[0],
			Mask:   maskFileName(out.Path),
		}
	}
}
