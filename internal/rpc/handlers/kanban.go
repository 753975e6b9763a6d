package handlers

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

type laneIDParams struct {
	ID string `json:"id"`
}

func (p *laneIDParams) validate() error {
	if p.ID == "" {
		return rpc.InvalidParams("id is required")
	}
	return nil
}

type boardParams struct {
	Lane string `json:"lane,omitempty"`
}

func registerKanban(router *rpc.Router, deps Deps) {
	board := deps.Kanban

	router.Register("kanban.listLanes", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return board.ListLanes(ctx)
	})

	router.Register("kanban.createLane", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var lane v1.SwimLane
		if err := decode(params, &lane); err != nil {
			return nil, err
		}
		if lane.Name == "" {
			return nil, rpc.InvalidParams("name is required")
		}
		return board.CreateLane(ctx, &lane)
	})

	router.Register("kanban.editLane", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var lane v1.SwimLane
		if err := decode(params, &lane); err != nil {
			return nil, err
		}
		if lane.ID == "" {
			return nil, rpc.InvalidParams("id is required")
		}
		return board.EditLane(ctx, &lane)
	})

	router.Register("kanban.deleteLane", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p laneIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, board.DeleteLane(ctx, p.ID)
	})

	router.Register("kanban.getBoard", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p boardParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return board.GetBoard(ctx, p.Lane)
	})

	router.Register("kanban.startTask", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, board.StartTask(ctx, p.ID)
	})

	router.Register("kanban.stopTask", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p taskIDParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return nil, board.StopTask(ctx, p.ID)
	})
}
