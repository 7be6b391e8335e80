package kernel

import (
	"log/slog"
	"net/netip"
)

// Noop logs every call and reports success, used in tests and on
// platforms without a wired datapath backend.
type Noop struct {
	logger *slog.Logger
}

// NewNoop returns a Noop collaborator logging through logger.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) AddSA(p SAParams) error {
	n.logger.Debug("kernel: add SA", "src", p.Src, "dst", p.Dst, "spi", p.SPI, "proto", p.Proto)
	return nil
}

func (n *Noop) DelSA(p SAParams) error {
	n.logger.Debug("kernel: del SA", "src", p.Src, "dst", p.Dst, "spi", p.SPI, "proto", p.Proto)
	return nil
}

func (n *Noop) AddPolicy(p PolicyParams) error {
	n.logger.Debug("kernel: add policy", "src", p.SrcNet, "dst", p.DstNet, "dir", p.Direction)
	return nil
}

func (n *Noop) DelPolicy(p PolicyParams) error {
	n.logger.Debug("kernel: del policy", "src", p.SrcNet, "dst", p.DstNet, "dir", p.Direction)
	return nil
}

func (n *Noop) AddRoute(p RouteParams) error {
	n.logger.Debug("kernel: add route", "dest", p.Dest, "gw", p.Gateway, "if", p.IfName)
	return nil
}

func (n *Noop) DelRoute(p RouteParams) error {
	n.logger.Debug("kernel: del route", "dest", p.Dest, "gw", p.Gateway, "if", p.IfName)
	return nil
}

func (n *Noop) AddIP(iface string, addr netip.Prefix) error {
	n.logger.Debug("kernel: add IP", "if", iface, "addr", addr)
	return nil
}

func (n *Noop) DelIP(iface string, addr netip.Prefix) error {
	n.logger.Debug("kernel: del IP", "if", iface, "addr", addr)
	return nil
}

func (n *Noop) GetSourceAddr(dst netip.Addr) (netip.Addr, error) {
	n.logger.Debug("kernel: get source addr", "dst", dst)
	if dst.Is4() {
		return netip.MustParseAddr("0.0.0.0"), nil
	}
	return netip.MustParseAddr("::"), nil
}
