package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// yamlPipeline is the on-disk pipeline definition format. It mirrors the
// wire types but carries yaml field names and a human-friendly timeout.
type yamlPipeline struct {
	Name   string      `yaml:"name"`
	Stages []yamlStage `yaml:"stages"`
}

type yamlStage struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	AgentRole       string   `yaml:"agent_role"`
	TaskDescription string   `yaml:"task_description"`
	DependsOn       []string `yaml:"depends_on"`
	Condition       string   `yaml:"condition"`
	FanOutCount     int      `yaml:"fan_out_count"`
	Timeout         string   `yaml:"timeout"`
}

// ParseYAML decodes a pipeline definition document. The result still goes
// through Create, which validates the DAG.
func ParseYAML(data []byte) (*v1.Pipeline, error) {
	var doc yamlPipeline
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}

	p := &v1.Pipeline{
		Name:   doc.Name,
		Stages: make([]v1.Stage, 0, len(doc.Stages)),
	}
	for _, s := range doc.Stages {
		stage := v1.Stage{
			ID:              s.ID,
			Name:            s.Name,
			Type:            v1.StageType(s.Type),
			AgentRole:       v1.AgentRole(s.AgentRole),
			TaskDescription: s.TaskDescription,
			DependsOn:       s.DependsOn,
			Condition:       s.Condition,
			FanOutCount:     s.FanOutCount,
		}
		if stage.Type == "" {
			stage.Type = v1.StageTypeSequential
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("stage %s: bad timeout %q: %w", s.ID, s.Timeout, err)
			}
			stage.Timeout = d
		}
		p.Stages = append(p.Stages, stage)
	}
	return p, nil
}
