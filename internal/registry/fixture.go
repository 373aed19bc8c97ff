// Package registry loads the questions of a run from fixture files.
package registry

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mapgen/internal/model"
)

// QuestionSet is the object form of a fixture: {"run_id": ..., "questions": [...]}.
// A bare array of questions is accepted too.
type QuestionSet struct {
	RunID     string           `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Questions []model.Question `json:"questions" yaml:"questions"`
}

// LoadQuestionsFromFile reads questions from a .json, .yaml or .yml file and
// validates them.
func LoadQuestionsFromFile(path string) (*QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read questions fixture")
	}

	var set *QuestionSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		set, err = decodeYAML(data)
	case ".json", "":
		set, err = decodeJSON(data)
	default:
		return nil, eris.Errorf("registry: unsupported fixture extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "registry: decode %s", filepath.Base(path))
	}

	if err := Validate(set.Questions); err != nil {
		return nil, err
	}
	return set, nil
}

func decodeJSON(data []byte) (*QuestionSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var qs []model.Question
		if err := json.Unmarshal(trimmed, &qs); err != nil {
			return nil, err
		}
		return &QuestionSet{Questions: qs}, nil
	}
	var set QuestionSet
	if err := json.Unmarshal(trimmed, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func decodeYAML(data []byte) (*QuestionSet, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var qs []model.Question
		if err := node.Decode(&qs); err != nil {
			return nil, err
		}
		return &QuestionSet{Questions: qs}, nil
	}
	var set QuestionSet
	if err := node.Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate rejects an empty question list, blank or duplicate ids and
// questions without stem text.
func Validate(questions []model.Question) error {
	if len(questions) == 0 {
		return eris.New("registry: no questions")
	}
	seen := make(map[string]struct{}, len(questions))
	for i, q := range questions {
		if strings.TrimSpace(q.ID) == "" {
			return eris.Errorf("registry: question %d has an empty id", i)
		}
		if _, dup := seen[q.ID]; dup {
			return eris.Errorf("registry: duplicate question id %q", q.ID)
		}
		seen[q.ID] = struct{}{}
		if strings.TrimSpace(q.StemText) == "" {
			return eris.Errorf("registry: question %q has no stem_text", q.ID)
		}
	}
	return nil
}
