package docstore

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// TokenHeader carries the client token for non-browser clients.
const TokenHeader = "X-Client-Token"

// Frame types on the store WebSocket.
const (
	OpGet     = "get"
	OpSet     = "set"
	OpAdd     = "add"
	OpDelete  = "delete"
	OpList    = "list"
	OpPurge   = "purge"
	OpWatch   = "watch"
	OpUnwatch = "unwatch"
	OpPing    = "ping"
	OpWhoAmI  = "whoami"
	OpRename  = "rename"

	TypeResult = "result"
	TypeChange = "change"
	TypePong   = "pong"
)

// Error codes carried in Frame.Error.
const (
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeBadPayload  = "bad_payload"
	CodeUnknownOp   = "unknown_op"
	CodeInternal    = "internal"
	CodeForbidden   = "forbidden"
)

var ErrRateLimited = errors.New("rate limited")

// Frame is one JSON message in either direction. Req == 0 on a request
// means the sender does not want a result.
type Frame struct {
	Type     string              `json:"type"`
	Req      uint64              `json:"req,omitempty"`
	Path     string              `json:"path,omitempty"`
	ID       string              `json:"id,omitempty"`
	Data     []byte              `json:"data,omitempty"`
	Existing bool                `json:"existing,omitempty"`
	Watch    string              `json:"watch,omitempty"`
	Name     string              `json:"name,omitempty"`
	Doc      *core.Document      `json:"doc,omitempty"`
	Docs     []core.Document     `json:"docs,omitempty"`
	Change   *core.Change        `json:"change,omitempty"`
	User     *domain.Participant `json:"user,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// ErrorCode maps a store error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, core.ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

func codeError(code string) error {
	switch code {
	case "":
		return nil
	case CodeNotFound:
		return core.ErrNotFound
	case CodeRateLimited:
		return ErrRateLimited
	case CodeForbidden:
		return core.ErrForbidden
	default:
		return fmt.Errorf("store: %s", code)
	}
}
