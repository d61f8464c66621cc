package core

import (
	"testing"

	"github.com/dkeye/voicemesh/internal/domain"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		path string
		room domain.RoomID
		kind string
		ok   bool
	}{
		{RoomsPath, "", KindRooms, true},
		{PresencePath("r1"), "r1", KindPresence, true},
		{SignalsPath("r1"), "r1", KindSignals, true},
		{"rooms/r1", "r1", "", true},
		{"roomsx", "", "", false},
		{"notes", "", "", false},
	}
	for _, tc := range cases {
		room, kind, ok := ParsePath(tc.path)
		if room != tc.room || kind != tc.kind || ok != tc.ok {
			t.Errorf("ParsePath(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.path, room, kind, ok, tc.room, tc.kind, tc.ok)
		}
	}
}
