package link

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/autopeer-io/flightgate/internal/flight/core"
)

const (
	// EnvURI overrides the default vehicle URI.
	EnvURI = "CFLIB_URI"

	DefaultURI     = "radio://0/80/2M/E7E7E7E7E7"
	DefaultAddress = "E7E7E7E7E7"
)

// Link schemes.
const (
	SchemeRadio = "radio"
	SchemeUSB   = "usb"
	SchemeSim   = "sim"
)

// URI addresses a vehicle: scheme://interface[/channel/rate[/address]][?query].
type URI struct {
	Scheme    string
	Interface string
	Channel   int
	Rate      string
	Address   string
	Query     url.Values
}

// URIFromEnv returns flagValue, or $CFLIB_URI when flagValue is empty, or
// DefaultURI when both are empty.
func URIFromEnv(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv(EnvURI)); v != "" {
		return v
	}
	return DefaultURI
}

// ParseURI parses and validates a vehicle URI.
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("%w: invalid uri %q: %v", core.ErrConfiguration, raw, err)
	}

	out := URI{Scheme: u.Scheme, Interface: u.Host, Address: DefaultAddress, Query: u.Query()}
	switch u.Scheme {
	case SchemeRadio, SchemeUSB, SchemeSim:
	default:
		return URI{}, fmt.Errorf("%w: unsupported uri scheme %q in %q", core.ErrConfiguration, u.Scheme, raw)
	}
	if out.Interface == "" {
		return URI{}, fmt.Errorf("%w: uri %q has no interface", core.ErrConfiguration, raw)
	}
	if _, err := strconv.Atoi(out.Interface); err != nil {
		return URI{}, fmt.Errorf("%w: interface %q in %q is not a number", core.ErrConfiguration, out.Interface, raw)
	}

	var parts []string
	if p := strings.Trim(u.Path, "/"); p != "" {
		parts = strings.Split(p, "/")
	}
	if out.Scheme == SchemeRadio && len(parts) < 2 {
		return URI{}, fmt.Errorf("%w: radio uri %q needs a channel and a data rate", core.ErrConfiguration, raw)
	}
	if len(parts) > 3 || len(parts) == 1 {
		return URI{}, fmt.Errorf("%w: malformed uri path in %q", core.ErrConfiguration, raw)
	}

	if len(parts) >= 2 {
		ch, err := strconv.Atoi(parts[0])
		if err != nil || ch < 0 || ch > 125 {
			return URI{}, fmt.Errorf("%w: channel %q in %q must be 0-125", core.ErrConfiguration, parts[0], raw)
		}
		out.Channel = ch

		switch rate := strings.ToUpper(parts[1]); rate {
		case "250K", "1M", "2M":
			out.Rate = rate
		default:
			return URI{}, fmt.Errorf("%w: data rate %q in %q must be 250K, 1M or 2M", core.ErrConfiguration, parts[1], raw)
		}
	}
	if len(parts) == 3 {
		addr := strings.ToUpper(parts[2])
		if b, err := hex.DecodeString(addr); err != nil || len(b) != 5 {
			return URI{}, fmt.Errorf("%w: address %q in %q must be 5 hex bytes", core.ErrConfiguration, parts[2], raw)
		}
		out.Address = addr
	}
	return out, nil
}

// DeviceID identifies the vehicle on the bridge.
func (u URI) DeviceID() string {
	return u.Address
}

func (u URI) String() string {
	s := u.Scheme + "://" + u.Interface
	if u.Rate != "" {
		s += fmt.Sprintf("/%d/%s/%s", u.Channel, u.Rate, u.Address)
	}
	if len(u.Query) > 0 {
		s += "?" + u.Query.Encode()
	}
	return s
}
