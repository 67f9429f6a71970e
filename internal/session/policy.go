// Package session manages the chat key -> session lineage: creation,
// policy-driven resets and archival.
package session

import (
	"strings"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

// Reset modes
const (
	ResetModeNever     = "never"
	ResetModeDaily     = "daily"
	ResetModeIdle      = "idle"
	ResetModeDailyIdle = "daily+idle"
)

// Reset reasons recorded on the replacement session
const (
	ReasonDaily      = "daily"
	ReasonIdle       = "idle"
	ReasonOverflow   = "overflow"
	ReasonCompaction = "compaction"
	ReasonManual     = "manual"
)

// Policy decides when a session is stale
type Policy struct {
	Mode        string
	AtHour      int
	IdleMinutes int
	Location    *time.Location
}

// PolicyFromConfig builds a Policy from session settings
func PolicyFromConfig(cfg config.SessionConfig) Policy {
	return Policy{
		Mode:        cfg.ResetMode,
		AtHour:      cfg.AtHour,
		IdleMinutes: cfg.IdleMinutes,
		Location:    cfg.Location(),
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// ShouldReset reports whether sess is due for reset at now, and why.
func (p Policy) ShouldReset(sess *store.Session, now time.Time) (bool, string) {
	if sess == nil {
		return false, ""
	}

	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case ResetModeDaily:
		if p.dailyDue(sess, now) {
			return true, ReasonDaily
		}
	case ResetModeIdle:
		if p.idleDue(sess, now) {
			return true, ReasonIdle
		}
	case ResetModeDailyIdle:
		if p.dailyDue(sess, now) {
			return true, ReasonDaily
		}
		if p.idleDue(sess, now) {
			return true, ReasonIdle
		}
	}
	return false, ""
}

// ResetDate is the calendar date of now in the policy timezone
func (p Policy) ResetDate(now time.Time) string {
	return now.In(p.loc()).Format("2006-01-02")
}

// NextDailyReset returns the next daily boundary after now, or zero time when
// the mode has no daily component.
func (p Policy) NextDailyReset(now time.Time) time.Time {
	mode := strings.ToLower(strings.TrimSpace(p.Mode))
	if mode != ResetModeDaily && mode != ResetModeDailyIdle {
		return time.Time{}
	}
	boundary := p.lastBoundary(now)
	return boundary.AddDate(0, 0, 1)
}

func lastActivity(sess *store.Session) time.Time {
	if sess.LastMessageAt != nil && !sess.LastMessageAt.IsZero() {
		return *sess.LastMessageAt
	}
	return sess.CreatedAt
}

// lastBoundary is the most recent occurrence of AtHour at or before now.
func (p Policy) lastBoundary(now time.Time) time.Time {
	atHour := p.AtHour
	if atHour < 0 || atHour > 23 {
		atHour = 0
	}
	loc := p.loc()
	n := now.In(loc)
	b := time.Date(n.Year(), n.Month(), n.Day(), atHour, 0, 0, 0, loc)
	if n.Hour() < atHour {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

func (p Policy) dailyDue(sess *store.Session, now time.Time) bool {
	last := lastActivity(sess)
	if last.IsZero() {
		return false
	}
	return last.Before(p.lastBoundary(now))
}

func (p Policy) idleDue(sess *store.Session, now time.Time) bool {
	if p.IdleMinutes <= 0 {
		return false
	}
	last := lastActivity(sess)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= time.Duration(p.IdleMinutes)*time.Minute
}
