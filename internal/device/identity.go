// Package device speaks the fingerprint terminal protocol.  A [Client]
// drives one terminal over one connection; an [Opener] dials and
// authenticates new clients.
package device

import (
	"fmt"
	"strings"

	ncerr "enrollgate/internal/errors"
	"enrollgate/util"
)

// Identity names one physical terminal.  Two identities are equal only
// when the secret matches too, so a rotated secret forces a new
// connection.
type Identity struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Secret  string `json:"-"`
}

// Key is the pool and session map key: "address:port".
func (id Identity) Key() string {
	return util.FormatAddr(id.Address, id.Port)
}

func (id Identity) String() string { return id.Key() }

// Validate rejects identities that cannot be dialled.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Address) == "" {
		return ncerr.Errorf(ncerr.KindInvalidRequest, "identity", "device address is required")
	}
	if id.Port < 1 || id.Port > 65535 {
		return ncerr.Errorf(ncerr.KindInvalidRequest, "identity", "device port %d out of range 1-65535", id.Port)
	}
	return nil
}

// Info is what a terminal reports about itself.
type Info struct {
	Serial    string `msgpack:"serial" json:"serial"`
	Model     string `msgpack:"model" json:"model"`
	Firmware  string `msgpack:"firmware" json:"firmware"`
	Users     int    `msgpack:"users" json:"users"`
	Templates int    `msgpack:"templates" json:"templates"`
	Capacity  int    `msgpack:"capacity" json:"capacity"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (fw %s)", i.Model, i.Serial, i.Firmware)
}
