package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/potchat/archive"
	"github.com/tolelom/potchat/consensus"
)

// Handler holds all dependencies needed to serve RPC methods. It only
// ever reads local node state; it never dials peers or reaches
// consensus across the network (see property P11 in SPEC_FULL.md).
type Handler struct {
	tm      *consensus.TurnManager
	archive *archive.Archive // nil → archive disabled
}

// NewHandler creates an RPC Handler. archive may be nil.
func NewHandler(tm *consensus.TurnManager, arc *archive.Archive) *Handler {
	return &Handler{tm: tm, archive: arc}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "sendMessage":
		return h.sendMessage(req)

	case "getBlockchain":
		return okResponse(req.ID, h.tm.GetBlockchain().Chronological())

	case "getState":
		return okResponse(req.ID, h.tm.GetState())

	case "getMempool":
		return okResponse(req.ID, h.tm.GetPendingMessages())

	case "getMessagesByAuthor":
		return h.getMessagesByAuthor(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) sendMessage(req Request) Response {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.Content == "" {
		return errResponse(req.ID, CodeInvalidParams, "content is required")
	}
	messageID, err := h.tm.SendMessage(params.Content)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"message_id": messageID})
}

func (h *Handler) getMessagesByAuthor(req Request) Response {
	var params struct {
		AuthorID string `json:"author_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.AuthorID == "" {
		return errResponse(req.ID, CodeInvalidParams, "author_id is required")
	}
	if h.archive == nil {
		return errResponse(req.ID, CodeInternalError, "archive is not enabled on this node")
	}
	ids, err := h.archive.MessagesByAuthor(params.AuthorID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}
