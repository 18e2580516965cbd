package server

import (
	"github.com/LemmyAI/lockstep/internal/protocol"
)

// expectation is what a connecting node's content must match. Fields left
// nil by configuration are taken from the first admitted node.
type expectation struct {
	mode     *uint8
	mission  *uint8
	wad      *protocol.SHA1
	deh      *protocol.SHA1
	freedoom *bool
}

func (e *expectation) fill(d protocol.ConnectData) {
	if e.mode == nil {
		e.mode = &d.GameMode
	}
	if e.mission == nil {
		e.mission = &d.GameMission
	}
	if e.wad == nil {
		e.wad = &d.WadSHA1
	}
	if e.deh == nil {
		e.deh = &d.DehSHA1
	}
	if e.freedoom == nil {
		e.freedoom = &d.IsFreedoom
	}
}

// mismatch returns why d is incompatible, or "".
func (e *expectation) mismatch(d protocol.ConnectData) string {
	switch {
	case e.mode != nil && *e.mode != d.GameMode,
		e.mission != nil && *e.mission != d.GameMission:
		return "Game mismatch: the server is running a different game"
	case e.wad != nil && *e.wad != d.WadSHA1:
		return "WAD checksum mismatch: your game content differs from the server's"
	case e.deh != nil && *e.deh != d.DehSHA1:
		return "DEH checksum mismatch: your dehacked patches differ from the server's"
	case e.freedoom != nil && *e.freedoom != d.IsFreedoom:
		return "Freedoom mismatch: mixing Freedoom and the original game is not allowed"
	}
	return ""
}

func (e *expectation) content() (wad, deh protocol.SHA1, freedoom bool) {
	if e.wad != nil {
		wad = *e.wad
	}
	if e.deh != nil {
		deh = *e.deh
	}
	if e.freedoom != nil {
		freedoom = *e.freedoom
	}
	return wad, deh, freedoom
}

func (e *expectation) game() (mode, mission uint8) {
	if e.mode != nil {
		mode = *e.mode
	}
	if e.mission != nil {
		mission = *e.mission
	}
	return mode, mission
}
