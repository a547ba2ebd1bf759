package api

import (
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/status"
)

type stateChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// eventPayload returns the JSON-friendly form of a bus payload.
func eventPayload(p any) any {
	switch v := p.(type) {
	case status.StatusChange:
		out := stateChange{From: string(v.From), To: string(v.To)}
		if v.Err != nil {
			out.Error = v.Err.Error()
		}
		return out
	case model.Message:
		return wireMessage(v)
	case error:
		return v.Error()
	}
	return p
}
