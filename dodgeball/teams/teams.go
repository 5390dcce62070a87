// Package teams はルーム内の2チームへの振り分けを扱う。
// どの関数も呼び出し側がroom.Muを保持している前提で、Player.Team以外は変更しない。
package teams

import (
	"errors"

	"dodgeserver/models"
)

var (
	ErrTeamFull       = errors.New("team full")
	ErrPlayerNotFound = errors.New("player not in room")
	ErrInvalidTeam    = errors.New("invalid team")
)

// AssignTeam sets the team of a freshly added player: the team with strictly fewer
// members, ties go to team A.
func AssignTeam(room *models.Room, playerID string, isHost bool) (models.Team, error) {
	p, ok := room.Players[playerID]
	if !ok {
		return "", ErrPlayerNotFound
	}
	p.IsHost = isHost

	// 自分自身を数えないように一旦外す
	p.Team = ""
	team := models.TeamA
	if room.TeamCount(models.TeamB) < room.TeamCount(models.TeamA) {
		team = models.TeamB
	}
	p.Team = team
	return team, nil
}

// SwitchTeam moves playerID to target, or to the opposite team when target is nil.
// Already being on the target is a successful no-op (changed == false).
func SwitchTeam(room *models.Room, playerID string, target *models.Team) (models.Player, bool, error) {
	p, ok := room.Players[playerID]
	if !ok {
		return models.Player{}, false, ErrPlayerNotFound
	}

	dest := p.Team.Opposite()
	if target != nil {
		if !target.Valid() {
			return *p, false, ErrInvalidTeam
		}
		dest = *target
	}
	if dest == p.Team {
		return *p, false, nil
	}
	if room.TeamCount(dest) >= room.Settings.TeamSize {
		return *p, false, ErrTeamFull
	}

	p.Team = dest
	return *p, true, nil
}

// Rebalance moves excess members off a team larger than TeamSize while the other
// team has a free slot. The most recently joined member of the overflowing team moves
// first. A room may stay over capacity when both teams are full; joins are still capped
// by MaxPlayers so it drains back as players leave.
func Rebalance(room *models.Room) []models.Player {
	var moved []models.Player
	size := room.Settings.TeamSize

	for _, from := range []models.Team{models.TeamA, models.TeamB} {
		to := from.Opposite()
		for room.TeamCount(from) > size && room.TeamCount(to) < size {
			p := lastJoined(room, from)
			if p == nil {
				break
			}
			p.Team = to
			moved = append(moved, *p)
		}
	}
	return moved
}

// Overflow reports how many members exceed TeamSize across both teams.
func Overflow(room *models.Room) int {
	n := 0
	for _, t := range []models.Team{models.TeamA, models.TeamB} {
		if c := room.TeamCount(t); c > room.Settings.TeamSize {
			n += c - room.Settings.TeamSize
		}
	}
	return n
}

func lastJoined(room *models.Room, team models.Team) *models.Player {
	for i := len(room.Order) - 1; i >= 0; i-- {
		if p := room.Players[room.Order[i]]; p != nil && p.Team == team {
			return p
		}
	}
	return nil
}
