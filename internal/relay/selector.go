package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kuuji/relaygate/internal/config"
)

// Selection errors. Each maps to a distinct blocked state.
var (
	ErrNoRelaysSatisfyingConstraints         = errors.New("no relays satisfy the location constraints")
	ErrNoRelaysSatisfyingDaitaConstraints    = errors.New("no relays satisfy the DAITA constraints")
	ErrNoRelaysSatisfyingPortConstraints     = errors.New("no relays satisfy the port constraints")
	ErrNoRelaysSatisfyingObfuscationSettings = errors.New("no relays satisfy the obfuscation settings")
	ErrMultihopEntryEqualsExit               = errors.New("multihop entry and exit relay are the same")
)

// Constraints restrict which relays may be selected.
type Constraints struct {
	// Location is a location prefix for the exit relay ("se", "se-got").
	// Empty matches any relay.
	Location string

	// Multihop selects an entry relay in EntryLocation in addition to the
	// exit relay.
	Multihop      bool
	EntryLocation string

	// Port and Daita apply to the relay the device connects to directly.
	Port  uint16
	Daita bool
}

// Selector picks relays for a connection attempt. attempt is the number of
// consecutive failed attempts so far, so that retries can rotate relays.
type Selector interface {
	SelectRelays(c Constraints, attempt uint) (Selected, error)
}

// StaticSelector selects from a fixed relay list.
type StaticSelector struct {
	relays []Relay
}

// NewStaticSelector returns a selector over relays.
func NewStaticSelector(relays []Relay) *StaticSelector {
	return &StaticSelector{relays: relays}
}

// SelectRelays returns the matching relays, rotating through the
// candidates by attempt.
func (s *StaticSelector) SelectRelays(c Constraints, attempt uint) (Selected, error) {
	if !c.Multihop {
		exit, err := s.pick(c.Location, c.Port, c.Daita, attempt, nil)
		if err != nil {
			return Selected{}, err
		}
		return Selected{Exit: exit}, nil
	}

	exit, err := s.pick(c.Location, 0, false, attempt, nil)
	if err != nil {
		return Selected{}, err
	}
	entry, err := s.pick(c.EntryLocation, c.Port, c.Daita, attempt, &exit)
	if err != nil {
		return Selected{}, err
	}
	return Selected{Entry: &entry, Exit: exit}, nil
}

// FileSelector reloads the relay list from a TOML config file on every
// selection, so edits to [[relays]] apply on the next connection attempt.
type FileSelector struct {
	Path string
}

// SelectRelays loads the relay list and selects from it like a
// StaticSelector.
func (s FileSelector) SelectRelays(c Constraints, attempt uint) (Selected, error) {
	cfg, err := config.LoadConfig(s.Path)
	if err != nil {
		return Selected{}, err
	}
	relays, err := FromConfig(cfg.Relays)
	if err != nil {
		return Selected{}, fmt.Errorf("loading relays: %w", err)
	}
	return NewStaticSelector(relays).SelectRelays(c, attempt)
}

// pick filters the relay list and returns one candidate. Filters are applied
// in order so the error names the first constraint that emptied the list.
func (s *StaticSelector) pick(location string, port uint16, daita bool, attempt uint, exclude *Relay) (Relay, error) {
	candidates := filter(s.relays, func(r Relay) bool { return matchesLocation(r.Location, location) })
	if len(candidates) == 0 {
		return Relay{}, ErrNoRelaysSatisfyingConstraints
	}
	if daita {
		candidates = filter(candidates, func(r Relay) bool { return r.Daita })
		if len(candidates) == 0 {
			return Relay{}, ErrNoRelaysSatisfyingDaitaConstraints
		}
	}
	if port != 0 {
		candidates = filter(candidates, func(r Relay) bool { return r.Endpoint.Port() == port })
		if len(candidates) == 0 {
			return Relay{}, ErrNoRelaysSatisfyingPortConstraints
		}
	}
	if exclude != nil {
		candidates = filter(candidates, func(r Relay) bool { return r.Hostname != exclude.Hostname })
		if len(candidates) == 0 {
			return Relay{}, ErrMultihopEntryEqualsExit
		}
	}
	return candidates[attempt%uint(len(candidates))], nil
}

func filter(relays []Relay, keep func(Relay) bool) []Relay {
	var out []Relay
	for _, r := range relays {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// matchesLocation reports whether a relay location such as "se-got-wg"
// falls under the constraint prefix "se" or "se-got".
func matchesLocation(relayLocation, constraint string) bool {
	if constraint == "" || relayLocation == constraint {
		return true
	}
	return strings.HasPrefix(relayLocation, constraint+"-")
}
