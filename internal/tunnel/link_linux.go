//go:build linux

package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// configureLink moves the interface from prev to next using rtnetlink.
// Requires CAP_NET_ADMIN.
func configureLink(ifName string, prev, next LinkConfig) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	for _, p := range added(prev.Addresses, next.Addresses) {
		if err := addAddress(ifIndex, p); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("adding address %s: %w", p, err)
		}
	}
	if len(prev.Addresses) == 0 {
		if err := setLinkUp(ifIndex); err != nil {
			return fmt.Errorf("setting %s up: %w", ifName, err)
		}
	}

	for _, p := range added(next.Routes, prev.Routes) {
		if err := routeRequest(unix.RTM_DELROUTE, requestWithAck, ifIndex, p, unix.RT_TABLE_MAIN); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("removing route %s: %w", p, err)
		}
	}
	for _, p := range added(prev.Routes, next.Routes) {
		if err := routeRequest(unix.RTM_NEWROUTE, createExclAck, ifIndex, p, unix.RT_TABLE_MAIN); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("adding route %s: %w", p, err)
		}
	}

	for _, p := range added(next.DefaultRoutes, prev.DefaultRoutes) {
		if err := removePolicyRoute(ifIndex, p, prev.FirewallMark, prev.RouteTable); err != nil {
			return fmt.Errorf("removing default route %s: %w", p, err)
		}
	}
	for _, p := range added(prev.DefaultRoutes, next.DefaultRoutes) {
		if err := addPolicyRoute(ifIndex, p, next.FirewallMark, next.RouteTable); err != nil {
			return fmt.Errorf("adding default route %s: %w", p, err)
		}
	}

	if !slices.Equal(prev.DNS, next.DNS) {
		return setDNS(ifName, next.DNS)
	}
	return nil
}

// interfaceIndex returns the kernel interface index for the named interface.
func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// Raw rtnetlink message construction:
//   nlmsghdr | ifaddrmsg/ifinfomsg/rtmsg | rtattr...

const (
	nlmsgHdrLen    = 16 // sizeof(nlmsghdr)
	ifaddrmsgLen   = 8  // sizeof(ifaddrmsg)
	ifinfomsgLen   = 16 // sizeof(ifinfomsg)
	rtmsgLen       = 12 // sizeof(rtmsg)
	fibRuleHdrLen  = 12 // sizeof(fib_rule_hdr)
	rtaHdrLen      = 4  // sizeof(rtattr)
	createExclAck  = unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_EXCL
	requestWithAck = unix.NLM_F_REQUEST | unix.NLM_F_ACK
)

func addAddress(ifIndex int32, p netip.Prefix) error {
	return netlinkRequest(buildAddrMsg(ifIndex, p))
}

func buildAddrMsg(ifIndex int32, p netip.Prefix) []byte {
	family, addr := familyOf(p.Addr())

	body := make([]byte, ifaddrmsgLen)
	body[0] = family
	body[1] = uint8(p.Bits())
	body[3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(body[4:8], uint32(ifIndex))
	body = append(body, rtAttr(unix.IFA_LOCAL, addr)...)
	body = append(body, rtAttr(unix.IFA_ADDRESS, addr)...)

	return nlMessage(unix.RTM_NEWADDR, createExclAck, body)
}

func setLinkUp(ifIndex int32) error {
	body := make([]byte, ifinfomsgLen)
	body[0] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(body[4:8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(body[8:12], unix.IFF_UP)  // ifi_flags
	binary.LittleEndian.PutUint32(body[12:16], unix.IFF_UP) // ifi_change
	return netlinkRequest(nlMessage(unix.RTM_NEWLINK, requestWithAck, body))
}

func routeRequest(msgType, flags uint16, ifIndex int32, p netip.Prefix, table uint32) error {
	return netlinkRequest(buildRouteMsg(msgType, flags, ifIndex, p, table))
}

// buildRouteMsg builds a device route. Tables that do not fit rtm_table
// are passed as RTA_TABLE.
func buildRouteMsg(msgType, flags uint16, ifIndex int32, p netip.Prefix, table uint32) []byte {
	family, dst := familyOf(p.Masked().Addr())

	body := make([]byte, rtmsgLen)
	body[0] = family
	body[1] = uint8(p.Bits())
	body[4] = unix.RT_TABLE_UNSPEC
	if table < 256 {
		body[4] = uint8(table)
	}
	body[5] = unix.RTPROT_BOOT
	body[6] = unix.RT_SCOPE_LINK
	body[7] = unix.RTN_UNICAST
	if p.Bits() > 0 {
		body = append(body, rtAttr(unix.RTA_DST, dst)...)
	}
	body = append(body, rtAttr(unix.RTA_OIF, u32(uint32(ifIndex)))...)
	if table >= 256 {
		body = append(body, rtAttr(unix.RTA_TABLE, u32(table))...)
	}

	return nlMessage(msgType, flags, body)
}

// addPolicyRoute routes p through the interface in table and adds the rules
//
//	ip rule add not fwmark <mark> table <table>
//	ip rule add table main suppress_prefixlength 0
//
// so that only unmarked packets take the default route of table, and more
// specific routes of the main table still win.
func addPolicyRoute(ifIndex int32, p netip.Prefix, mark, table uint32) error {
	if p.Addr().Is4() {
		// Replies to marked packets fail reverse path filtering without it.
		_ = os.WriteFile("/proc/sys/net/ipv4/conf/all/src_valid_mark", []byte("1"), 0o644)
	}
	if err := routeRequest(unix.RTM_NEWROUTE, createExclAck, ifIndex, p, table); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	for _, msg := range policyRuleMsgs(unix.RTM_NEWRULE, createExclAck, p, mark, table) {
		if err := netlinkRequest(msg); err != nil && !errors.Is(err, unix.EEXIST) {
			return err
		}
	}
	return nil
}

func removePolicyRoute(ifIndex int32, p netip.Prefix, mark, table uint32) error {
	for _, msg := range policyRuleMsgs(unix.RTM_DELRULE, requestWithAck, p, mark, table) {
		if err := netlinkRequest(msg); err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	}
	if err := routeRequest(unix.RTM_DELROUTE, requestWithAck, ifIndex, p, table); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// policyRuleMsgs returns the two rules installed for a default route.
func policyRuleMsgs(msgType, flags uint16, p netip.Prefix, mark, table uint32) [][]byte {
	family, _ := familyOf(p.Addr())
	return [][]byte{
		buildRuleMsg(msgType, flags, family, unix.FIB_RULE_INVERT,
			rtAttr(unix.FRA_FWMARK, u32(mark)),
			rtAttr(unix.FRA_TABLE, u32(table))),
		buildRuleMsg(msgType, flags, family, 0,
			rtAttr(unix.FRA_TABLE, u32(unix.RT_TABLE_MAIN)),
			rtAttr(unix.FRA_SUPPRESS_PREFIXLEN, u32(0))),
	}
}

// buildRuleMsg builds a fib rule that looks up the table given by the
// FRA_TABLE attribute.
func buildRuleMsg(msgType, flags uint16, family uint8, ruleFlags uint32, attrs ...[]byte) []byte {
	body := make([]byte, fibRuleHdrLen)
	body[0] = family
	body[7] = unix.FR_ACT_TO_TBL
	binary.LittleEndian.PutUint32(body[8:12], ruleFlags)
	for _, a := range attrs {
		body = append(body, a...)
	}
	return nlMessage(msgType, flags, body)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func familyOf(addr netip.Addr) (uint8, []byte) {
	if addr.Is4() {
		b := addr.As4()
		return unix.AF_INET, b[:]
	}
	b := addr.As16()
	return unix.AF_INET6, b[:]
}

func nlMessage(msgType, flags uint16, body []byte) []byte {
	buf := make([]byte, nlmsgHdrLen, nlmsgHdrLen+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(nlmsgHdrLen+len(body))) // nlmsg_len
	binary.LittleEndian.PutUint16(buf[4:6], msgType)                       // nlmsg_type
	binary.LittleEndian.PutUint16(buf[6:8], flags)                         // nlmsg_flags
	binary.LittleEndian.PutUint32(buf[8:12], 1)                            // nlmsg_seq
	return append(buf, body...)
}

func rtAttr(typ uint16, data []byte) []byte {
	buf := make([]byte, rtaAlignLen(rtaHdrLen+len(data)))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(rtaHdrLen+len(data)))
	binary.LittleEndian.PutUint16(buf[2:4], typ)
	copy(buf[rtaHdrLen:], data)
	return buf
}

// rtaAlignLen rounds a length up to the nearest 4-byte boundary (RTA_ALIGN).
func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}

// netlinkRequest sends one message on a fresh NETLINK_ROUTE socket and
// waits for the ACK. Kernel errors are returned as unix.Errno.
func netlinkRequest(msg []byte) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}
	if err := unix.Sendto(fd, msg, 0, sa); err != nil {
		return fmt.Errorf("sending netlink message: %w", err)
	}

	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	return parseNetlinkAck(buf[:n])
}

// parseNetlinkAck returns the errno carried by an NLMSG_ERROR message, or
// nil for an ACK.
func parseNetlinkAck(buf []byte) error {
	if len(buf) < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != unix.NLMSG_ERROR {
		return nil
	}
	if len(buf) < nlmsgHdrLen+4 {
		return errors.New("truncated NLMSG_ERROR response")
	}
	if errno := int32(binary.LittleEndian.Uint32(buf[nlmsgHdrLen:])); errno != 0 {
		return unix.Errno(-errno)
	}
	return nil
}

// setDNS configures per-interface resolvers through systemd-resolved. An
// empty list reverts the interface to no DNS.
func setDNS(ifName string, servers []netip.Addr) error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		if len(servers) == 0 {
			return nil
		}
		return fmt.Errorf("setting DNS on %s: resolvectl not found", ifName)
	}

	args := []string{"revert", ifName}
	if len(servers) > 0 {
		args = []string{"dns", ifName}
		for _, s := range servers {
			args = append(args, s.String())
		}
	}
	cmd := exec.Command("resolvectl", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl %s: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
