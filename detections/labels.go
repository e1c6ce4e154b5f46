package detections

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed coco.names
var cocoNames string

// Labels maps class indices of the model output to names.
type Labels []string

// DefaultLabels returns the COCO vocabulary the stock YOLOv8 exports are
// trained on.
func DefaultLabels() Labels {
	labels, err := ParseLabels(strings.NewReader(cocoNames))
	if err != nil {
		panic(err)
	}
	return labels
}

// LoadLabels reads a label file with one name per line.
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	labels, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return labels, nil
}

// ParseLabels reads one label per line. Surrounding whitespace is trimmed and
// blank lines are skipped.
func ParseLabels(r io.Reader) (Labels, error) {
	var labels Labels
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, errors.New("no labels found")
	}
	return labels, nil
}

func (l Labels) Name(classID int) string {
	if classID < 0 || classID >= len(l) {
		return fmt.Sprintf("class_%d", classID)
	}
	return l[classID]
}

func (l Labels) Contains(name string) bool {
	for _, label := range l {
		if label == name {
			return true
		}
	}
	return false
}
