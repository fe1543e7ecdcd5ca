package tunnel

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuildAddrMsg_IPv4(t *testing.T) {
	t.Parallel()

	msg := buildAddrMsg(5, netip.MustParsePrefix("10.64.0.2/32"))

	if got := binary.LittleEndian.Uint32(msg[0:4]); int(got) != len(msg) {
		t.Errorf("nlmsg_len = %d, want %d", got, len(msg))
	}
	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWADDR {
		t.Errorf("nlmsg_type = %d, want RTM_NEWADDR (%d)", got, unix.RTM_NEWADDR)
	}

	off := nlmsgHdrLen
	if msg[off] != unix.AF_INET {
		t.Errorf("ifa_family = %d, want AF_INET (%d)", msg[off], unix.AF_INET)
	}
	if msg[off+1] != 32 {
		t.Errorf("ifa_prefixlen = %d, want 32", msg[off+1])
	}
	if got := binary.LittleEndian.Uint32(msg[off+4 : off+8]); got != 5 {
		t.Errorf("ifa_index = %d, want 5", got)
	}

	off = nlmsgHdrLen + ifaddrmsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.IFA_LOCAL {
		t.Errorf("first attr type = %d, want IFA_LOCAL (%d)", got, unix.IFA_LOCAL)
	}
	if got := netip.AddrFrom4([4]byte(msg[off+rtaHdrLen : off+rtaHdrLen+4])); got != netip.MustParseAddr("10.64.0.2") {
		t.Errorf("IFA_LOCAL = %v, want 10.64.0.2", got)
	}
}

func TestBuildAddrMsg_IPv6(t *testing.T) {
	t.Parallel()

	msg := buildAddrMsg(3, netip.MustParsePrefix("fc00:bbbb::2/128"))

	off := nlmsgHdrLen
	if msg[off] != unix.AF_INET6 {
		t.Errorf("ifa_family = %d, want AF_INET6 (%d)", msg[off], unix.AF_INET6)
	}
	if msg[off+1] != 128 {
		t.Errorf("ifa_prefixlen = %d, want 128", msg[off+1])
	}

	// Two 16-byte address attributes, each with a 4-byte header.
	want := nlmsgHdrLen + ifaddrmsgLen + 2*(rtaHdrLen+16)
	if len(msg) != want {
		t.Errorf("len(msg) = %d, want %d", len(msg), want)
	}
}

func TestBuildRouteMsg(t *testing.T) {
	t.Parallel()

	msg := buildRouteMsg(unix.RTM_NEWROUTE, unix.NLM_F_REQUEST, 7, netip.MustParsePrefix("10.64.0.9/24"), unix.RT_TABLE_MAIN)

	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWROUTE {
		t.Errorf("nlmsg_type = %d, want RTM_NEWROUTE (%d)", got, unix.RTM_NEWROUTE)
	}

	off := nlmsgHdrLen
	if msg[off] != unix.AF_INET {
		t.Errorf("rtm_family = %d, want AF_INET", msg[off])
	}
	if msg[off+1] != 24 {
		t.Errorf("rtm_dst_len = %d, want 24", msg[off+1])
	}
	if msg[off+4] != unix.RT_TABLE_MAIN {
		t.Errorf("rtm_table = %d, want RT_TABLE_MAIN", msg[off+4])
	}

	off = nlmsgHdrLen + rtmsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.RTA_DST {
		t.Errorf("first attr type = %d, want RTA_DST (%d)", got, unix.RTA_DST)
	}
	if got := netip.AddrFrom4([4]byte(msg[off+rtaHdrLen : off+rtaHdrLen+4])); got != netip.MustParseAddr("10.64.0.0") {
		t.Errorf("RTA_DST = %v, want masked 10.64.0.0", got)
	}

	off += rtaAlignLen(rtaHdrLen + 4)
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.RTA_OIF {
		t.Errorf("second attr type = %d, want RTA_OIF (%d)", got, unix.RTA_OIF)
	}
	if got := binary.LittleEndian.Uint32(msg[off+rtaHdrLen : off+rtaHdrLen+4]); got != 7 {
		t.Errorf("RTA_OIF = %d, want 7", got)
	}
}

func TestBuildRouteMsg_DefaultRouteInPolicyTable(t *testing.T) {
	t.Parallel()

	msg := buildRouteMsg(unix.RTM_NEWROUTE, createExclAck, 7, netip.MustParsePrefix("0.0.0.0/0"), DefaultRouteTable)

	off := nlmsgHdrLen
	if msg[off+1] != 0 {
		t.Errorf("rtm_dst_len = %d, want 0", msg[off+1])
	}
	if msg[off+4] != unix.RT_TABLE_UNSPEC {
		t.Errorf("rtm_table = %d, want RT_TABLE_UNSPEC for a table above 255", msg[off+4])
	}

	attrs := parseAttrs(t, msg[nlmsgHdrLen+rtmsgLen:])
	if _, ok := attrs[unix.RTA_DST]; ok {
		t.Error("default route carries RTA_DST, want none")
	}
	if got := binary.LittleEndian.Uint32(attrs[unix.RTA_TABLE]); got != DefaultRouteTable {
		t.Errorf("RTA_TABLE = %d, want %d", got, DefaultRouteTable)
	}
	if got := binary.LittleEndian.Uint32(attrs[unix.RTA_OIF]); got != 7 {
		t.Errorf("RTA_OIF = %d, want 7", got)
	}
}

func TestPolicyRuleMsgs(t *testing.T) {
	t.Parallel()

	msgs := policyRuleMsgs(unix.RTM_NEWRULE, createExclAck, netip.MustParsePrefix("::/0"), DefaultFirewallMark, DefaultRouteTable)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}

	for i, msg := range msgs {
		if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWRULE {
			t.Errorf("msg %d nlmsg_type = %d, want RTM_NEWRULE", i, got)
		}
		if msg[nlmsgHdrLen] != unix.AF_INET6 {
			t.Errorf("msg %d family = %d, want AF_INET6", i, msg[nlmsgHdrLen])
		}
		if msg[nlmsgHdrLen+7] != unix.FR_ACT_TO_TBL {
			t.Errorf("msg %d action = %d, want FR_ACT_TO_TBL", i, msg[nlmsgHdrLen+7])
		}
	}

	// not fwmark <mark> table <table>
	if got := binary.LittleEndian.Uint32(msgs[0][nlmsgHdrLen+8:]); got != unix.FIB_RULE_INVERT {
		t.Errorf("fwmark rule flags = %#x, want FIB_RULE_INVERT", got)
	}
	attrs := parseAttrs(t, msgs[0][nlmsgHdrLen+fibRuleHdrLen:])
	if got := binary.LittleEndian.Uint32(attrs[unix.FRA_FWMARK]); got != DefaultFirewallMark {
		t.Errorf("FRA_FWMARK = %d, want %d", got, DefaultFirewallMark)
	}
	if got := binary.LittleEndian.Uint32(attrs[unix.FRA_TABLE]); got != DefaultRouteTable {
		t.Errorf("FRA_TABLE = %d, want %d", got, DefaultRouteTable)
	}

	// table main suppress_prefixlength 0
	attrs = parseAttrs(t, msgs[1][nlmsgHdrLen+fibRuleHdrLen:])
	if got := binary.LittleEndian.Uint32(attrs[unix.FRA_TABLE]); got != unix.RT_TABLE_MAIN {
		t.Errorf("FRA_TABLE = %d, want RT_TABLE_MAIN", got)
	}
	if got, ok := attrs[unix.FRA_SUPPRESS_PREFIXLEN]; !ok || binary.LittleEndian.Uint32(got) != 0 {
		t.Errorf("FRA_SUPPRESS_PREFIXLEN = %v, want 0", got)
	}
}

// parseAttrs decodes a sequence of rtattrs keyed by type.
func parseAttrs(t *testing.T, b []byte) map[uint16][]byte {
	t.Helper()
	attrs := make(map[uint16][]byte)
	for len(b) >= rtaHdrLen {
		l := int(binary.LittleEndian.Uint16(b[0:2]))
		if l < rtaHdrLen || l > len(b) {
			t.Fatalf("malformed rtattr length %d", l)
		}
		attrs[binary.LittleEndian.Uint16(b[2:4])] = b[rtaHdrLen:l]
		b = b[min(rtaAlignLen(l), len(b)):]
	}
	return attrs
}

func TestRtaAlignLen(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want int }{
		{0, 0}, {1, 4}, {4, 4}, {5, 8}, {8, 8}, {20, 20},
	}
	for _, tt := range tests {
		if got := rtaAlignLen(tt.in); got != tt.want {
			t.Errorf("rtaAlignLen(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseNetlinkAck(t *testing.T) {
	t.Parallel()

	ack := func(errno int32) []byte {
		buf := make([]byte, nlmsgHdrLen+4)
		binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_ERROR)
		binary.LittleEndian.PutUint32(buf[nlmsgHdrLen:], uint32(errno))
		return buf
	}

	if err := parseNetlinkAck(ack(0)); err != nil {
		t.Errorf("parseNetlinkAck(ack) = %v, want nil", err)
	}
	if err := parseNetlinkAck(ack(-int32(unix.EEXIST))); !errors.Is(err, unix.EEXIST) {
		t.Errorf("parseNetlinkAck(EEXIST) = %v, want EEXIST", err)
	}
	if err := parseNetlinkAck([]byte{1, 2}); err == nil {
		t.Error("parseNetlinkAck(short) = nil, want error")
	}
}
