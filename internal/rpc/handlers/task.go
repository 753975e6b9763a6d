package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type taskIDParams struct {
	ID string `json:"id"`
}

func (p *taskIDParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	return nil
}

type taskListParams struct {
	Lane string `json:"lane,omitempty"`
}

type taskSubmitParams struct {
	Description string       `json:"description"`
	TargetRole  string       `json:"target_role,omitempty"`
	Priority    int          `json:"priority,omitempty"`
	Input       string       `json:"input,omitempty"`
	SwimLaneID  string       `json:"swim_lane_id,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Toggles     v1.Toggles   `json:"toggles,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Column      v1.KanbanColumn `json:"kanban_column,omitempty"`
	Start       bool         `json:"start,omitempty"`
}

func (p *taskSubmitParams) validate() error {
	if p.Description == "" {
		return rpc.InvalidParams("description is required")
	}
	return nil
}

type taskMoveParams struct {
	ID     string `json:"id"`
	Column string `json:"column"`
}

func (p *taskMoveParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	if p.Column == "" {
		return rpc.InvalidParams("column is required")
	}
	return nil
}

func registerTask(router *rpc.Router, deps Deps) {
	board := deps.Kanban

	router.Register("task.list", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskListParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return board.ListTasks(ctx, p.Lane)
	})

	router.Register("task.get", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return board.GetTask(ctx, p.ID)
	})

	router.Register("task.submit", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskSubmitParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		task, err := board.CreateTask(ctx, &v1.Task{
			Description:  p.Description,
			TargetRole:   v1.AgentRole(p.TargetRole),
			Priority:     p.Priority,
			Input:        p.Input,
			SwimLaneID:   p.SwimLaneID,
			DependsOn:    p.DependsOn,
			Toggles:      p.Toggles,
			Tags:         p.Tags,
			KanbanColumn: p.Column,
		})
		if err != nil {
			return nil, err
		}
		if p.Start && task.KanbanColumn != v1.ColumnInProgress {
			if err := board.StartTask(ctx, task.ID); err != nil {
				return nil, err
			}
			return board.GetTask(ctx, task.ID)
		}
		return task, nil
	})

	router.Register("task.move", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskMoveParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return board.MoveTask(ctx, p.ID, v1.KanbanColumn(p.Column))
	})

	router.Register("task.cancel", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, deps.Orchestrator.CancelTask(ctx, p.ID)
	})

	router.Register("task.delete", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, board.DeleteTask(ctx, p.ID)
	})

	router.Register("task.update", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var task v1.Task
		if err := decode(params, &task); err != nil {
			return nil, err
		}
		if task.ID == "" {
			return nil, rpc.InvalidParams("id is required")
		}
		return board.UpdateTask(ctx, &task)
	})
}
