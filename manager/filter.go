package manager

import (
	"strings"

	"github.com/arloliu/go-termcom/comm"
)

// Filter selects sessions. Zero fields match everything; set fields must all match.
type Filter struct {
	Type       *comm.SessionType
	Status     *comm.Status
	DeviceName string

	// NamePattern matches sessions whose name contains it, case-insensitively.
	NamePattern string

	// Tags matches sessions carrying every listed tag.
	Tags []string
}

// Match reports whether s is selected by the filter.
func (f Filter) Match(s *comm.Session) bool {
	cfg := s.Config()

	switch {
	case f.Type != nil && cfg.Type() != *f.Type:
		return false
	case f.Status != nil && s.Status() != *f.Status:
		return false
	case f.DeviceName != "" && cfg.DeviceName() != f.DeviceName:
		return false
	case f.NamePattern != "" && !strings.Contains(strings.ToLower(cfg.Name()), strings.ToLower(f.NamePattern)):
		return false
	}

	for _, tag := range f.Tags {
		if !cfg.HasTag(tag) {
			return false
		}
	}

	return true
}
