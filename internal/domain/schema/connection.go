package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coachpo/tickcapture/errs"
)

const (
	// AdapterWebsocket selects the websocket feed adapter.
	AdapterWebsocket = "ws"
	// AdapterFake selects the synthetic in-process feed adapter.
	AdapterFake = "fake"
)

// ConnectionConfigEntry describes one upstream connection and how many sessions it spawns.
type ConnectionConfigEntry struct {
	Name                string `json:"name"`
	Adapter             string `json:"adapter"`
	Address             string `json:"address"`
	BrokerID            string `json:"broker_id"`
	UserID              string `json:"user_id"`
	Password            string `json:"password"`
	SessionLimit        int    `json:"session_limit"`
	SubscribePerSession int    `json:"subscribe_per_session"`
}

// Normalise trims identifiers and fills the adapter and name defaults.
func (c ConnectionConfigEntry) Normalise(index int) ConnectionConfigEntry {
	c.Name = strings.TrimSpace(c.Name)
	c.Adapter = strings.ToLower(strings.TrimSpace(c.Adapter))
	c.Address = strings.TrimSpace(c.Address)
	c.BrokerID = strings.TrimSpace(c.BrokerID)
	c.UserID = strings.TrimSpace(c.UserID)
	if c.Adapter == "" {
		c.Adapter = AdapterWebsocket
	}
	if c.Name == "" {
		parts := make([]string, 0, 2)
		if c.BrokerID != "" {
			parts = append(parts, c.BrokerID)
		}
		if c.UserID != "" {
			parts = append(parts, c.UserID)
		}
		if len(parts) == 0 {
			parts = append(parts, "conn")
		}
		c.Name = strings.Join(parts, ".") + "." + strconv.Itoa(index)
	}
	return c
}

// Validate reports a configuration error for malformed entries.
func (c ConnectionConfigEntry) Validate() error {
	fail := func(msg string) error {
		return errs.New("config/connection", errs.CodeConfigInvalid,
			errs.WithMessage(msg), errs.WithField("connection", c.Name))
	}
	if c.SessionLimit <= 0 {
		return fail("session_limit must be > 0")
	}
	if c.SubscribePerSession <= 0 {
		return fail("subscribe_per_session must be > 0")
	}
	switch c.Adapter {
	case AdapterWebsocket:
		if c.Address == "" {
			return fail("address required for websocket adapter")
		}
	case AdapterFake:
	default:
		return fail(fmt.Sprintf("unknown adapter %q", c.Adapter))
	}
	return nil
}

// SessionID derives the identifier of the index-th session spawned for the entry.
func (c ConnectionConfigEntry) SessionID(index int) string {
	return c.Name + "#" + strconv.Itoa(index)
}
