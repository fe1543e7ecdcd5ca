//go:build linux

package tunnel

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// nftTableName scopes every rule so other firewall rules on the system are
// left alone.
const nftTableName = "relaygate"

// NFTFirewall enforces policies with an inet nftables table holding an
// input and an output chain, both with a drop policy.
//
// Requires CAP_NET_ADMIN.
type NFTFirewall struct {
	log *slog.Logger
}

// NewFirewall returns the nftables firewall.
func NewFirewall(logger *slog.Logger) *NFTFirewall {
	if logger == nil {
		logger = slog.Default()
	}
	return &NFTFirewall{log: logger.With("component", "firewall")}
}

func newPlatformFirewall(logger *slog.Logger) Firewall {
	return NewFirewall(logger)
}

func firewallTable() *nftables.Table {
	return &nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName}
}

// Apply replaces the relaygate table with the rules of p in one atomic
// batch. This is equivalent to:
//
//	nft add table inet relaygate
//	nft add chain inet relaygate in { type filter hook input priority 0; policy drop; }
//	nft add chain inet relaygate out { type filter hook output priority 0; policy drop; }
//
// followed by the accept rules of the policy.
func (f *NFTFirewall) Apply(p FirewallPolicy) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	// Adding before deleting keeps the delete from failing on a missing
	// table.
	table := firewallTable()
	c.AddTable(table)
	c.DelTable(table)
	c.AddTable(table)

	drop := nftables.ChainPolicyDrop
	inChain := c.AddChain(&nftables.Chain{
		Name:     "in",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &drop,
	})
	outChain := c.AddChain(&nftables.Chain{
		Name:     "out",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &drop,
	})

	in, out := policyRules(p)
	for _, exprs := range in {
		c.AddRule(&nftables.Rule{Table: table, Chain: inChain, Exprs: exprs})
	}
	for _, exprs := range out {
		c.AddRule(&nftables.Rule{Table: table, Chain: outChain, Exprs: exprs})
	}

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables %s policy: %w", p.Kind, err)
	}
	f.log.Info("firewall policy applied", "policy", p.Kind.String(), "endpoints", len(p.Endpoints))
	return nil
}

// Reset removes the relaygate table. Resetting without a table is a no-op.
func (f *NFTFirewall) Reset() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}
	table := firewallTable()
	c.AddTable(table)
	c.DelTable(table)
	if err := c.Flush(); err != nil {
		return fmt.Errorf("removing nftables table %s: %w", nftTableName, err)
	}
	f.log.Info("firewall policy removed")
	return nil
}

// policyRules returns the expressions of the accept rules for the input and
// output chains.
func policyRules(p FirewallPolicy) (in, out [][]expr.Any) {
	const loopback = "lo"

	in = append(in, ifaceRule(expr.MetaKeyIIFNAME, loopback))
	out = append(out, ifaceRule(expr.MetaKeyOIFNAME, loopback))

	// DHCP client traffic, so the host can keep its lease.
	in = append(in, udpPortsRule(67, 68))
	out = append(out, udpPortsRule(68, 67))

	switch p.Kind {
	case PolicyConnecting:
		in, out = appendEndpointRules(in, out, p.Endpoints)
		if p.Interface == "" {
			break
		}
		for _, gw := range p.Gateways {
			in = append(in, concat(
				ifaceMatch(expr.MetaKeyIIFNAME, p.Interface),
				addrMatch(gw, false),
				established(),
				accept(),
			))
			out = append(out, concat(
				ifaceMatch(expr.MetaKeyOIFNAME, p.Interface),
				addrMatch(gw, true),
				accept(),
			))
		}
	case PolicyConnected:
		in, out = appendEndpointRules(in, out, p.Endpoints)
		if p.Interface != "" {
			in = append(in, ifaceRule(expr.MetaKeyIIFNAME, p.Interface))
			out = append(out, ifaceRule(expr.MetaKeyOIFNAME, p.Interface))
		}
	}
	return in, out
}

// appendEndpointRules allows UDP to each endpoint and replies from it.
func appendEndpointRules(in, out [][]expr.Any, endpoints []netip.AddrPort) ([][]expr.Any, [][]expr.Any) {
	for _, ep := range endpoints {
		in = append(in, concat(
			addrMatch(ep.Addr(), false),
			l4Match(unix.IPPROTO_UDP),
			portMatch(ep.Port(), false),
			established(),
			accept(),
		))
		out = append(out, concat(
			addrMatch(ep.Addr(), true),
			l4Match(unix.IPPROTO_UDP),
			portMatch(ep.Port(), true),
			accept(),
		))
	}
	return in, out
}

func ifaceRule(key expr.MetaKey, name string) []expr.Any {
	return concat(ifaceMatch(key, name), accept())
}

func udpPortsRule(src, dst uint16) []expr.Any {
	return concat(
		l4Match(unix.IPPROTO_UDP),
		portMatch(src, false),
		portMatch(dst, true),
		accept(),
	)
}

func concat(parts ...[]expr.Any) []expr.Any {
	var out []expr.Any
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ifnameData pads an interface name to IFNAMSIZ with null bytes for
// nftables comparison.
func ifnameData(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}

func ifaceMatch(key expr.MetaKey, name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameData(name)},
	}
}

// addrMatch compares the destination (dst) or source address. The network
// layer protocol is checked first so the payload offsets are valid.
func addrMatch(addr netip.Addr, dst bool) []expr.Any {
	proto, offset, data := byte(unix.NFPROTO_IPV4), uint32(12), addr.AsSlice()
	if addr.Is4() {
		if dst {
			offset = 16
		}
	} else {
		proto, offset = unix.NFPROTO_IPV6, 8
		if dst {
			offset = 24
		}
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          uint32(len(data)),
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

func l4Match(proto byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

// portMatch compares the transport destination (dst) or source port.
func portMatch(port uint16, dst bool) []expr.Any {
	var offset uint32
	if dst {
		offset = 2
	}
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       offset,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}

func established() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

func accept() []expr.Any {
	return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
}
