package netmon

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoLink is returned when no interface reports a usable link.
var ErrNoLink = errors.New("no interface with link")

// =============================================================================
// LinkProbe: local radio/cable link
// =============================================================================

// LinkProbe checks that a network interface has link. Wireless interfaces
// must report non-zero link quality in /proc/net/wireless; otherwise the
// interface operstate must be "up".
type LinkProbe struct {
	// Interface restricts the check to one interface. Empty means any
	// non-loopback interface.
	Interface string

	WirelessPath string // normally /proc/net/wireless
	SysNetDir    string // normally /sys/class/net
}

// NewLinkProbe returns a probe reading the standard kernel paths.
func NewLinkProbe(iface string) *LinkProbe {
	return &LinkProbe{
		Interface:    iface,
		WirelessPath: "/proc/net/wireless",
		SysNetDir:    "/sys/class/net",
	}
}

// Name implements Probe.
func (p *LinkProbe) Name() string { return "link" }

// Check implements Probe.
func (p *LinkProbe) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	quality, err := p.wirelessQuality()
	if err == nil {
		for iface, q := range quality {
			if p.Interface != "" && iface != p.Interface {
				continue
			}
			if q > 0 {
				return nil
			}
		}
		if q, ok := quality[p.Interface]; ok && p.Interface != "" {
			return errors.Errorf("%s: link quality %.0f", p.Interface, q)
		}
	}

	ifaces := []string{p.Interface}
	if p.Interface == "" {
		entries, err := os.ReadDir(p.SysNetDir)
		if err != nil {
			return errors.Wrap(err, "list interfaces")
		}
		ifaces = ifaces[:0]
		for _, e := range entries {
			if e.Name() != "lo" {
				ifaces = append(ifaces, e.Name())
			}
		}
	}
	for _, iface := range ifaces {
		state, err := os.ReadFile(filepath.Join(p.SysNetDir, iface, "operstate"))
		if err == nil && strings.TrimSpace(string(state)) == "up" {
			return nil
		}
	}
	return ErrNoLink
}

// wirelessQuality parses /proc/net/wireless into interface -> link quality.
//
//	Inter-| sta-|   Quality        |   Discarded packets
//	 face | tus | link level noise |  nwid  crypt   frag
//	wlan0: 0000   70.  -40.  -256        0      0      0
func (p *LinkProbe) wirelessQuality() (map[string]float64, error) {
	data, err := os.ReadFile(p.WirelessPath)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 2 {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "."), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(line[:colon])] = q
	}
	return out, sc.Err()
}

// =============================================================================
// ReachabilityProbe: TCP connect to a well-known host
// =============================================================================

// ReachabilityProbe dials a TCP address. A completed handshake proves a
// route and a working upstream; nothing is sent.
type ReachabilityProbe struct {
	Address string
	dialer  net.Dialer
}

// NewReachabilityProbe probes address (host:port), e.g. 8.8.8.8:53.
func NewReachabilityProbe(address string) *ReachabilityProbe {
	return &ReachabilityProbe{Address: address}
}

// Name implements Probe.
func (p *ReachabilityProbe) Name() string { return "reachability" }

// Check implements Probe.
func (p *ReachabilityProbe) Check(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return errors.Wrapf(err, "dial %s", p.Address)
	}
	return conn.Close()
}
