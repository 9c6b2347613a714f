package stack

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"rndis-bridge/internal/netif"
)

// Transmitter sends an outbound link frame, returning the bytes sent
type Transmitter interface {
	Transmit(frame []byte) int
}

// Lease is the address handed to the attached host
type Lease struct {
	MAC     net.HardwareAddr `json:"mac"`
	IP      net.IP           `json:"ip"`
	Expires time.Time        `json:"expires"`
}

// LinkStats counts responder activity
type LinkStats struct {
	ARPReplies  uint64 `json:"arp_replies"`
	EchoReplies uint64 `json:"echo_replies"`
	DHCPOffers  uint64 `json:"dhcp_offers"`
	DHCPAcks    uint64 `json:"dhcp_acks"`
	DHCPNaks    uint64 `json:"dhcp_naks"`
	Ignored     uint64 `json:"ignored"`
	TxFailed    uint64 `json:"tx_failed"`
}

// LinkResponder answers the link-local traffic a USB-attached host sends
// to the interface: ARP for its address, ICMP echo, and DHCP when the
// descriptor enables the server. The server hands out a single lease.
type LinkResponder struct {
	desc      netif.Descriptor
	tx        Transmitter
	leaseTime time.Duration
	leaseIP   net.IP
	logger    *zap.Logger

	mutex sync.RWMutex
	lease *Lease

	arpReplies  atomic.Uint64
	echoReplies atomic.Uint64
	dhcpOffers  atomic.Uint64
	dhcpAcks    atomic.Uint64
	dhcpNaks    atomic.Uint64
	ignored     atomic.Uint64
	txFailed    atomic.Uint64
}

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// NewLinkResponder creates a responder for desc, replying through tx
func NewLinkResponder(desc netif.Descriptor, tx Transmitter, leaseTime time.Duration, logger *zap.Logger) *LinkResponder {
	if leaseTime <= 0 {
		leaseTime = time.Hour
	}
	return &LinkResponder{
		desc:      desc,
		tx:        tx,
		leaseTime: leaseTime,
		leaseIP:   leaseAddress(desc.IP),
		logger:    logger.With(zap.String("component", "link")),
	}
}

// leaseAddress picks the neighbour of the interface address
func leaseAddress(ip net.IP) net.IP {
	lease := append(net.IP(nil), ip.To4()...)
	if lease[3] >= 254 {
		lease[3]--
	} else {
		lease[3]++
	}
	return lease
}

// HandleFrame processes one inbound Ethernet frame
func (r *LinkResponder) HandleFrame(frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		r.ignored.Add(1)
		return
	}

	if arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		r.handleARP(arp)
		return
	}

	ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		r.ignored.Add(1)
		return
	}

	if dhcp, ok := packet.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4); ok && r.desc.DHCPServer {
		r.handleDHCP(dhcp)
		return
	}

	if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok && ip.DstIP.Equal(r.desc.IP) {
		r.handleEcho(eth, ip, icmp)
		return
	}

	r.ignored.Add(1)
}

func (r *LinkResponder) handleARP(arp *layers.ARP) {
	if arp.Operation != layers.ARPRequest || !net.IP(arp.DstProtAddress).Equal(r.desc.IP) {
		r.ignored.Add(1)
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       r.desc.MAC,
		DstMAC:       net.HardwareAddr(arp.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   r.desc.MAC,
		SourceProtAddress: r.desc.IP.To4(),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}

	if r.send(eth, reply) {
		r.arpReplies.Add(1)
	}
}

func (r *LinkResponder) handleEcho(ethIn *layers.Ethernet, ipIn *layers.IPv4, icmpIn *layers.ICMPv4) {
	if icmpIn.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		r.ignored.Add(1)
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       r.desc.MAC,
		DstMAC:       ethIn.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    r.desc.IP,
		DstIP:    ipIn.SrcIP,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmpIn.Id,
		Seq:      icmpIn.Seq,
	}

	if r.send(eth, ip, icmp, gopacket.Payload(icmpIn.Payload)) {
		r.echoReplies.Add(1)
	}
}

func (r *LinkResponder) handleDHCP(req *layers.DHCPv4) {
	if req.Operation != layers.DHCPOpRequest {
		r.ignored.Add(1)
		return
	}

	var (
		msgType     layers.DHCPMsgType
		requestedIP net.IP
	)
	for _, opt := range req.Options {
		switch opt.Type {
		case layers.DHCPOptMessageType:
			if len(opt.Data) == 1 {
				msgType = layers.DHCPMsgType(opt.Data[0])
			}
		case layers.DHCPOptRequestIP:
			if len(opt.Data) == 4 {
				requestedIP = net.IP(opt.Data)
			}
		}
	}

	switch msgType {
	case layers.DHCPMsgTypeDiscover:
		if r.replyDHCP(req, layers.DHCPMsgTypeOffer) {
			r.dhcpOffers.Add(1)
		}

	case layers.DHCPMsgTypeRequest:
		if requestedIP == nil {
			requestedIP = req.ClientIP
		}
		if !requestedIP.Equal(r.leaseIP) {
			if r.replyDHCP(req, layers.DHCPMsgTypeNak) {
				r.dhcpNaks.Add(1)
			}
			return
		}
		if r.replyDHCP(req, layers.DHCPMsgTypeAck) {
			r.dhcpAcks.Add(1)
			r.mutex.Lock()
			r.lease = &Lease{
				MAC:     append(net.HardwareAddr(nil), req.ClientHWAddr...),
				IP:      r.leaseIP,
				Expires: time.Now().Add(r.leaseTime),
			}
			r.mutex.Unlock()
			r.logger.Info("DHCP lease granted",
				zap.String("mac", req.ClientHWAddr.String()),
				zap.String("ip", r.leaseIP.String()),
			)
		}

	case layers.DHCPMsgTypeRelease:
		r.mutex.Lock()
		r.lease = nil
		r.mutex.Unlock()
		r.logger.Info("DHCP lease released", zap.String("mac", req.ClientHWAddr.String()))

	default:
		r.ignored.Add(1)
	}
}

func (r *LinkResponder) replyDHCP(req *layers.DHCPv4, msgType layers.DHCPMsgType) bool {
	seconds := make([]byte, 4)
	binary.BigEndian.PutUint32(seconds, uint32(r.leaseTime/time.Second))

	reply := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		Flags:        req.Flags,
		ClientIP:     net.IPv4zero.To4(),
		YourClientIP: r.leaseIP,
		NextServerIP: r.desc.IP,
		RelayAgentIP: net.IPv4zero.To4(),
		ClientHWAddr: req.ClientHWAddr,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, r.desc.IP.To4()),
		},
	}

	dstMAC := req.ClientHWAddr
	dstIP := r.leaseIP
	if msgType == layers.DHCPMsgTypeNak {
		reply.YourClientIP = net.IPv4zero.To4()
		reply.NextServerIP = net.IPv4zero.To4()
		dstMAC = layers.EthernetBroadcast
		dstIP = net.IPv4bcast
	} else {
		reply.Options = append(reply.Options,
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, seconds),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte(r.desc.Mask)),
			layers.NewDHCPOption(layers.DHCPOptRouter, r.desc.IP.To4()),
		)
		if req.Flags&0x8000 != 0 {
			dstMAC = layers.EthernetBroadcast
			dstIP = net.IPv4bcast
		}
	}

	eth := &layers.Ethernet{
		SrcMAC:       r.desc.MAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    r.desc.IP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: 67,
		DstPort: 68,
	}
	udp.SetNetworkLayerForChecksum(ip)

	return r.send(eth, ip, udp, reply)
}

func (r *LinkResponder) send(layerList ...gopacket.SerializableLayer) bool {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, layerList...); err != nil {
		r.logger.Warn("Failed to serialize reply", zap.Error(err))
		r.txFailed.Add(1)
		return false
	}
	if r.tx.Transmit(buf.Bytes()) == 0 {
		r.txFailed.Add(1)
		return false
	}
	return true
}

// Lease returns the current DHCP lease, if any
func (r *LinkResponder) Lease() *Lease {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.lease == nil {
		return nil
	}
	lease := *r.lease
	return &lease
}

// Stats returns responder counters
func (r *LinkResponder) Stats() LinkStats {
	return LinkStats{
		ARPReplies:  r.arpReplies.Load(),
		EchoReplies: r.echoReplies.Load(),
		DHCPOffers:  r.dhcpOffers.Load(),
		DHCPAcks:    r.dhcpAcks.Load(),
		DHCPNaks:    r.dhcpNaks.Load(),
		Ignored:     r.ignored.Load(),
		TxFailed:    r.txFailed.Load(),
	}
}
