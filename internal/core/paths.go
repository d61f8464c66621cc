package core

import (
	"strings"

	"github.com/dkeye/voicemesh/internal/domain"
)

const RoomsPath = "rooms"

// Collection kinds of the rooms tree.
const (
	KindRooms    = "rooms"
	KindPresence = "presence"
	KindSignals  = "signals"
)

func PresencePath(id domain.RoomID) string { return RoomsPath + "/" + string(id) + "/" + KindPresence }

func SignalsPath(id domain.RoomID) string { return RoomsPath + "/" + string(id) + "/" + KindSignals }

// ParsePath splits a path of the rooms tree into its room and collection
// kind. ok is false for paths outside the tree.
func ParsePath(path string) (room domain.RoomID, kind string, ok bool) {
	if path == RoomsPath {
		return "", KindRooms, true
	}
	rest, found := strings.CutPrefix(path, RoomsPath+"/")
	if !found {
		return "", "", false
	}
	id, kind, _ := strings.Cut(rest, "/")
	return domain.RoomID(id), kind, true
}
